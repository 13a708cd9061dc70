package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tillpoint/backend/internal/domain"
)

// Hub fans events out to in-process subscribers. Each subscriber has its own goroutine and a
// pending set keyed by table, so a slow callback never blocks Publish and repeated events for a
// table collapse into one delivery.
type Hub struct {
	mu     sync.Mutex
	origin string
	nextID uint64
	subs   map[uint64]*subscription
	logger *zap.Logger
}

func NewHub(origin string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		origin: origin,
		subs:   make(map[uint64]*subscription),
		logger: logger.Named("notify"),
	}
}

func (h *Hub) Publish(_ context.Context, tables ...domain.Table) error {
	now := time.Now().UTC()
	for _, table := range tables {
		h.Deliver(Event{Table: table, At: now, Origin: h.origin})
	}
	return nil
}

// Deliver hands an event from any source to every interested subscriber.
func (h *Hub) Deliver(evt Event) {
	h.mu.Lock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.wants(evt.Table) {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(evt)
	}
}

func (h *Hub) Subscribe(ctx context.Context, tables []domain.Table, fn Handler) (func(), error) {
	sub := &subscription{
		tables:  make(map[domain.Table]struct{}, len(tables)),
		fn:      fn,
		pending: make(map[domain.Table]Event),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  h.logger,
	}
	for _, t := range tables {
		sub.tables[t] = struct{}{}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.done)
		})
	}

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return cancel, nil
}

// Subscribers reports how many callbacks are registered.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type subscription struct {
	tables  map[domain.Table]struct{}
	fn      Handler
	mu      sync.Mutex
	pending map[domain.Table]Event
	wake    chan struct{}
	done    chan struct{}
	logger  *zap.Logger
}

func (s *subscription) wants(table domain.Table) bool {
	if len(s.tables) == 0 {
		return true
	}
	_, ok := s.tables[table]
	return ok
}

func (s *subscription) enqueue(evt Event) {
	s.mu.Lock()
	s.pending[evt.Table] = evt
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := make([]Event, 0, len(s.pending))
		for _, evt := range s.pending {
			batch = append(batch, evt)
		}
		s.pending = make(map[domain.Table]Event)
		s.mu.Unlock()

		sort.Slice(batch, func(i, j int) bool { return batch[i].Table < batch[j].Table })
		for _, evt := range batch {
			s.call(evt)
		}
	}
}

func (s *subscription) call(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("change handler panicked", zap.String("table", string(evt.Table)), zap.Any("panic", r))
		}
	}()
	s.fn(evt)
}
