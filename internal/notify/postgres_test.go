package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillpoint/backend/internal/domain"
)

type sinkFunc func(Event)

func (f sinkFunc) Deliver(evt Event) { f(evt) }

// scriptedConn accepts LISTEN, hands out its payloads, then fails as a dropped connection.
type scriptedConn struct {
	payloads []string
}

func (c *scriptedConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("LISTEN"), nil
}

func (c *scriptedConn) WaitForNotification(context.Context) (*pgconn.Notification, error) {
	if len(c.payloads) == 0 {
		return nil, errors.New("connection reset by peer")
	}
	payload := c.payloads[0]
	c.payloads = c.payloads[1:]
	return &pgconn.Notification{Channel: "ledger_changes", Payload: payload}, nil
}

func (c *scriptedConn) Close(context.Context) error { return nil }

func TestPGListenerResetsBackoffAfterListening(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	l := NewPGListener("postgres://unused", "ledger_changes", sinkFunc(rec.handle), nil)

	dials := 0
	l.dial = func(ctx context.Context) (listenConn, error) {
		dials++
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case dials == 3:
			return &scriptedConn{payloads: []string{"sales", "bogus"}}, nil
		default:
			return nil, errors.New("connection refused")
		}
	}

	var mu sync.Mutex
	var delays []time.Duration
	l.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		delays = append(delays, d)
		if len(delays) == 4 {
			cancel()
		}
		mu.Unlock()
		fired := make(chan time.Time, 1)
		fired <- time.Now()
		return fired
	}

	require.NoError(t, l.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 2 * time.Second, 4 * time.Second}, delays[:4])

	// One resync per successful LISTEN, then the valid payload; unknown payloads are dropped.
	tables := rec.tables()
	require.Len(t, tables, len(domain.LedgerTables())+1)
	assert.Equal(t, domain.TableSales, tables[len(tables)-1])
}

func TestPGListenerCapsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewPGListener("postgres://unused", "ledger_changes", sinkFunc(func(Event) {}), nil)
	l.dial = func(ctx context.Context) (listenConn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("connection refused")
	}

	var delays []time.Duration
	l.after = func(d time.Duration) <-chan time.Time {
		delays = append(delays, d)
		if len(delays) == 6 {
			cancel()
		}
		fired := make(chan time.Time, 1)
		fired <- time.Now()
		return fired
	}

	require.NoError(t, l.Run(ctx))
	require.GreaterOrEqual(t, len(delays), 6)
	assert.Equal(t, 30*time.Second, delays[5])
	assert.Equal(t, 16*time.Second, delays[3])
}
