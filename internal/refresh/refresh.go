// Package refresh keeps a derived view of the ledger up to date in response to change events.
//
// Events are level triggered: a burst of changes to one table within the debounce window
// produces a single refresh, and every refresh recomputes from a fresh snapshot. When the
// snapshot fails the previous view stays in place and is flagged stale.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"tillpoint/backend/internal/aggregate"
	"tillpoint/backend/internal/cache"
	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/notify"
)

var ErrNoView = errors.New("no view has been computed yet")

type Source interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
}

type Recorder interface {
	ObserveRefresh(elapsed time.Duration, err error)
}

type Options struct {
	Debounce time.Duration
	// MaxDelay caps how long a steady stream of events can postpone a refresh.
	MaxDelay    time.Duration
	Concurrency int
	Timeout     time.Duration
	CacheTTL    time.Duration
	Cache       cache.ViewCache
	Recorder    Recorder
	Logger      *zap.Logger
}

type Refresher struct {
	source Source
	opts   Options
	logger *zap.Logger
	kick   chan struct{}
	group  singleflight.Group
	sem    *semaphore.Weighted

	timersMu sync.Mutex
	timers   map[domain.Table]*pendingTimer

	mu      sync.RWMutex
	view    domain.View
	version uint64
	ready   bool

	listenersMu  sync.Mutex
	listeners    map[uint64]func(domain.View)
	nextListener uint64
}

type pendingTimer struct {
	timer *time.Timer
	first time.Time
}

func New(source Source, opts Options) *Refresher {
	if opts.Debounce <= 0 {
		opts.Debounce = 150 * time.Millisecond
	}
	if opts.MaxDelay < opts.Debounce {
		opts.MaxDelay = 4 * opts.Debounce
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopViewCache{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Refresher{
		source:    source,
		opts:      opts,
		logger:    opts.Logger.Named("refresh"),
		kick:      make(chan struct{}, 1),
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		timers:    make(map[domain.Table]*pendingTimer),
		listeners: make(map[uint64]func(domain.View)),
	}
}

// Run subscribes to every ledger table and refreshes until ctx ends. Refreshes started by the
// loop never overlap.
func (r *Refresher) Run(ctx context.Context, sub notify.Subscriber) error {
	cancel, err := sub.Subscribe(ctx, domain.LedgerTables(), r.onChange)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer cancel()
	defer r.stopTimers()

	r.warmFromCache(ctx)
	r.Trigger()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.kick:
			_, _ = r.Refresh(ctx)
		}
	}
}

// Trigger asks the loop for a refresh. Requests made while one is already queued are merged.
func (r *Refresher) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Refresher) onChange(evt notify.Event) {
	r.schedule(evt.Table)
}

func (r *Refresher) schedule(table domain.Table) {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()

	if p, ok := r.timers[table]; ok {
		if time.Since(p.first) < r.opts.MaxDelay {
			p.timer.Reset(r.opts.Debounce)
		}
		return
	}

	p := &pendingTimer{first: time.Now()}
	p.timer = time.AfterFunc(r.opts.Debounce, func() {
		r.timersMu.Lock()
		if r.timers[table] == p {
			delete(r.timers, table)
		}
		r.timersMu.Unlock()
		r.Trigger()
	})
	r.timers[table] = p
}

func (r *Refresher) stopTimers() {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	for table, p := range r.timers {
		p.timer.Stop()
		delete(r.timers, table)
	}
}

// Refresh snapshots the ledger and publishes a new view. On failure the current view is kept,
// marked stale, and returned together with the error.
func (r *Refresher) Refresh(ctx context.Context) (domain.View, error) {
	start := time.Now()
	snap, err := r.snapshot(ctx, "view")
	if r.opts.Recorder != nil {
		r.opts.Recorder.ObserveRefresh(time.Since(start), err)
	}
	if err != nil {
		r.logger.Warn("view refresh failed, serving stale view", zap.Error(err))
		return r.publish(r.markStale(err)), err
	}

	view := r.publish(r.build(snap))
	r.store(view)
	return view, nil
}

// Metrics computes one scope from a fresh snapshot. When storage is unreachable it falls back
// to the last view and reports stale.
func (r *Refresher) Metrics(ctx context.Context, scope domain.SystemType) (domain.Metrics, bool, error) {
	snap, err := r.snapshot(ctx, "metrics")
	if err == nil {
		return aggregate.Compute(snap, scope), false, nil
	}
	view, ok := r.lastGood()
	if !ok {
		return domain.Metrics{}, true, fmt.Errorf("%w: %w", ErrNoView, err)
	}
	m, found := view.Metrics[scope]
	if !found {
		m = domain.Metrics{Scope: scope}
	}
	r.logger.Warn("metrics served from stale view", zap.String("scope", string(scope)), zap.Error(err))
	return m, true, nil
}

// Resupply is the fund breakdown counterpart of Metrics.
func (r *Refresher) Resupply(ctx context.Context) (domain.ResupplyFund, bool, error) {
	snap, err := r.snapshot(ctx, "resupply")
	if err == nil {
		return aggregate.Resupply(snap), false, nil
	}
	view, ok := r.lastGood()
	if !ok {
		return domain.ResupplyFund{}, true, fmt.Errorf("%w: %w", ErrNoView, err)
	}
	return view.Resupply, true, nil
}

// Current returns the latest view. Its maps and slices are shared and must not be modified.
func (r *Refresher) Current() domain.View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view
}

func (r *Refresher) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// Listen registers fn to receive every published view, fresh or stale. fn runs on the
// refresh goroutine and must not block.
func (r *Refresher) Listen(fn func(domain.View)) func() {
	r.listenersMu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn
	r.listenersMu.Unlock()

	return func() {
		r.listenersMu.Lock()
		delete(r.listeners, id)
		r.listenersMu.Unlock()
	}
}

// snapshot loads the ledger once per key no matter how many callers ask concurrently, with at
// most Concurrency loads in flight overall. The shared load does not inherit any one caller's
// cancellation; a caller that gives up only stops waiting for it.
func (r *Refresher) snapshot(ctx context.Context, key string) (domain.Snapshot, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.Timeout)
		defer cancel()
		if err := r.sem.Acquire(loadCtx, 1); err != nil {
			return nil, err
		}
		defer r.sem.Release(1)
		return r.source.Snapshot(loadCtx)
	})

	select {
	case <-ctx.Done():
		return domain.Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Snapshot{}, res.Err
		}
		return res.Val.(domain.Snapshot), nil
	}
}

func (r *Refresher) build(snap domain.Snapshot) domain.View {
	refreshed := snap.TakenAt
	if refreshed.IsZero() {
		refreshed = time.Now().UTC()
	}
	return domain.View{
		Metrics:     aggregate.ComputeAll(snap),
		Resupply:    aggregate.Resupply(snap),
		Products:    snap.Products,
		LowStock:    aggregate.LowStock(snap.Products),
		RefreshedAt: refreshed,
	}
}

func (r *Refresher) markStale(err error) domain.View {
	r.mu.RLock()
	view := r.view
	r.mu.RUnlock()
	view.Stale = true
	view.LastError = err.Error()
	return view
}

func (r *Refresher) publish(view domain.View) domain.View {
	r.mu.Lock()
	r.version++
	view.Version = r.version
	r.view = view
	if !view.Stale {
		r.ready = true
	}
	r.mu.Unlock()

	r.listenersMu.Lock()
	targets := make([]func(domain.View), 0, len(r.listeners))
	for _, fn := range r.listeners {
		targets = append(targets, fn)
	}
	r.listenersMu.Unlock()

	for _, fn := range targets {
		fn(view)
	}
	return view
}

func (r *Refresher) lastGood() (domain.View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view, r.ready
}

func (r *Refresher) store(view domain.View) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.opts.Cache.Set(ctx, cache.ViewKey, &view, r.opts.CacheTTL); err != nil {
		r.logger.Warn("cache last view failed", zap.Error(err))
	}
}

// warmFromCache seeds a stale view from the shared cache so a restart during an outage can
// still answer.
func (r *Refresher) warmFromCache(ctx context.Context) {
	cached, ok, err := r.opts.Cache.Get(ctx, cache.ViewKey)
	if err != nil {
		r.logger.Warn("read cached view failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return
	}
	view := *cached
	view.Stale = true
	r.view = view
	r.ready = true
	if view.Version > r.version {
		r.version = view.Version
	}
	r.logger.Info("seeded view from cache", zap.Uint64("version", view.Version), zap.Time("refreshed_at", view.RefreshedAt))
}
