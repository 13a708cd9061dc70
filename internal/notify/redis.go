package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tillpoint/backend/internal/domain"
)

const DefaultRedisChannel = "ledger:changes"

// Redis publishes change events on a pub/sub channel so every server process sees every
// write. Received events, including this process's own, are fanned out through a local Hub.
type Redis struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	logger  *zap.Logger
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedis(client *redis.Client, channel string, origin string, logger *zap.Logger) *Redis {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:  client,
		channel: channel,
		origin:  origin,
		hub:     NewHub(origin, logger),
		logger:  logger.Named("notify.redis"),
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Publish(ctx context.Context, tables ...domain.Table) error {
	now := time.Now().UTC()
	for _, table := range tables {
		payload, err := json.Marshal(Event{Table: table, At: now, Origin: r.origin})
		if err != nil {
			return err
		}
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", table, err)
		}
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, tables []domain.Table, fn Handler) (func(), error) {
	return r.hub.Subscribe(ctx, tables, fn)
}

func (r *Redis) Deliver(evt Event) {
	r.hub.Deliver(evt)
}

// Listen consumes the channel until ctx ends. go-redis resubscribes on its own after a
// dropped connection.
func (r *Redis) Listen(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			evt, ok := decodeEvent(msg.Payload)
			if !ok {
				r.logger.Warn("dropping malformed change event", zap.String("payload", msg.Payload))
				continue
			}
			r.hub.Deliver(evt)
		}
	}
}

func decodeEvent(payload string) (Event, bool) {
	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		evt = Event{Table: domain.Table(payload), At: time.Now().UTC()}
	}
	if !evt.Table.Valid() {
		return Event{}, false
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	return evt, true
}
