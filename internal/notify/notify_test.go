package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillpoint/backend/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) tables() []domain.Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Table, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Table)
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestHubDeliversOnlySubscribedTables(t *testing.T) {
	hub := NewHub("test", nil)
	rec := &recorder{}
	cancel, err := hub.Subscribe(context.Background(), []domain.Table{domain.TableSales}, rec.handle)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(context.Background(), domain.TableProducts, domain.TableSales))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.Table{domain.TableSales}, rec.tables())
}

func TestHubEmptyTableListSubscribesToAll(t *testing.T) {
	hub := NewHub("test", nil)
	rec := &recorder{}
	cancel, err := hub.Subscribe(context.Background(), nil, rec.handle)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(context.Background(), domain.LedgerTables()...))
	require.Eventually(t, func() bool { return rec.count() == len(domain.LedgerTables()) }, time.Second, 5*time.Millisecond)
}

func TestHubCoalescesWhileHandlerIsBusy(t *testing.T) {
	hub := NewHub("test", nil)
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	cancel, err := hub.Subscribe(context.Background(), nil, func(Event) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-release
		}
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(context.Background(), domain.TableSales))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	// Publish must not block on the stuck handler.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = hub.Publish(context.Background(), domain.TableSales)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a busy subscriber")
	}

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestHubCancelStopsDelivery(t *testing.T) {
	ctx, stop := context.WithCancel(context.Background())
	hub := NewHub("test", nil)
	rec := &recorder{}
	cancel, err := hub.Subscribe(ctx, nil, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	stop()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, hub.Publish(context.Background(), domain.TableSales))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestHubSurvivesPanickingHandler(t *testing.T) {
	hub := NewHub("test", nil)
	var mu sync.Mutex
	calls := 0
	cancel, err := hub.Subscribe(context.Background(), nil, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(context.Background(), domain.TableSales))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), domain.TableSales))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
}

func TestParseTables(t *testing.T) {
	got := ParseTables([]string{"sales", "bogus", "products", "sales"})
	assert.Equal(t, []domain.Table{domain.TableSales, domain.TableProducts}, got)
	assert.Empty(t, ParseTables(nil))
}

func TestDecodeEvent(t *testing.T) {
	evt, ok := decodeEvent(`{"table":"payments","origin":"b"}`)
	require.True(t, ok)
	assert.Equal(t, domain.TablePayments, evt.Table)
	assert.False(t, evt.At.IsZero())

	evt, ok = decodeEvent("sale_items")
	require.True(t, ok)
	assert.Equal(t, domain.TableSaleItems, evt.Table)

	_, ok = decodeEvent(`{"table":"audit_logs"}`)
	assert.False(t, ok)
}

func TestRedisFansOutAcrossProcesses(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := NewRedis(NewRedisClient(srv.Addr(), "", 0), "", "till-1", nil)
	reader := NewRedis(NewRedisClient(srv.Addr(), "", 0), "", "till-2", nil)
	defer writer.Close()
	defer reader.Close()
	require.NoError(t, writer.Ping(ctx))

	go func() { _ = reader.Listen(ctx) }()

	rec := &recorder{}
	unsub, err := reader.Subscribe(ctx, []domain.Table{domain.TableSales}, rec.handle)
	require.NoError(t, err)
	defer unsub()

	// The listener may not be subscribed yet, so keep publishing until it hears one.
	require.Eventually(t, func() bool {
		require.NoError(t, writer.Publish(ctx, domain.TableSales))
		return rec.count() > 0
	}, 2*time.Second, 20*time.Millisecond)

	rec.mu.Lock()
	first := rec.events[0]
	rec.mu.Unlock()
	assert.Equal(t, domain.TableSales, first.Table)
	assert.Equal(t, "till-1", first.Origin)
}
