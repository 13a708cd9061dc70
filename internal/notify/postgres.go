package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"tillpoint/backend/internal/domain"
)

// PGListener turns Postgres NOTIFY payloads (table names written by the schema triggers)
// into events on sink. It catches writes made by any client of the database, not just this process.
type PGListener struct {
	databaseURL string
	channel     string
	sink        Sink
	backoff     time.Duration
	maxBackoff  time.Duration
	logger      *zap.Logger

	dial  func(ctx context.Context) (listenConn, error)
	after func(time.Duration) <-chan time.Time
}

// listenConn is the part of *pgx.Conn the listener uses.
type listenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

func NewPGListener(databaseURL string, channel string, sink Sink, logger *zap.Logger) *PGListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &PGListener{
		databaseURL: databaseURL,
		channel:     channel,
		sink:        sink,
		backoff:     2 * time.Second,
		maxBackoff:  30 * time.Second,
		logger:      logger.Named("notify.postgres"),
		after:       time.After,
	}
	l.dial = func(ctx context.Context) (listenConn, error) {
		conn, err := pgx.Connect(ctx, l.databaseURL)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return l
}

// Run listens until ctx ends, reconnecting after failures. Notifications sent while the
// connection was down are lost, so every table is marked changed after each (re)connect.
// The retry delay doubles while reconnects fail and starts over once LISTEN succeeds.
func (l *PGListener) Run(ctx context.Context) error {
	backoff := l.backoff
	for {
		err := l.listen(ctx, func() { backoff = l.backoff })
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("listen connection lost", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-l.after(backoff):
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

// listen calls listening once the LISTEN statement has been accepted.
func (l *PGListener) listen(ctx context.Context, listening func()) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.logger.Info("listening for ledger changes", zap.String("channel", l.channel))
	listening()
	l.resync()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		table := domain.Table(n.Payload)
		if !table.Valid() {
			l.logger.Debug("ignoring notification", zap.String("payload", n.Payload))
			continue
		}
		l.sink.Deliver(Event{Table: table, At: time.Now().UTC(), Origin: "postgres"})
	}
}

func (l *PGListener) resync() {
	now := time.Now().UTC()
	for _, table := range domain.LedgerTables() {
		l.sink.Deliver(Event{Table: table, At: now, Origin: "postgres"})
	}
}
