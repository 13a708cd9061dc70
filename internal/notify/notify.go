// Package notify carries "table X changed" signals between writers and every terminal view.
//
// Delivery is at-least-once and unordered across tables. An event says only that a table
// changed; consumers re-read state instead of applying deltas, so duplicates are harmless.
package notify

import (
	"context"
	"time"

	"tillpoint/backend/internal/domain"
)

type Event struct {
	Table  domain.Table `json:"table"`
	At     time.Time    `json:"at"`
	Origin string       `json:"origin,omitempty"`
}

type Handler func(Event)

type Publisher interface {
	Publish(ctx context.Context, tables ...domain.Table) error
}

// Subscriber registers a callback for changes to the given tables. An empty table list
// subscribes to every table. The returned cancel func is safe to call more than once.
type Subscriber interface {
	Subscribe(ctx context.Context, tables []domain.Table, fn Handler) (cancel func(), err error)
}

type Notifier interface {
	Publisher
	Subscriber
}

// Sink accepts events produced outside the process, such as database notifications.
type Sink interface {
	Deliver(evt Event)
}

// ParseTables keeps the known table names from raw, in order and without repeats.
func ParseTables(raw []string) []domain.Table {
	out := make([]domain.Table, 0, len(raw))
	seen := make(map[domain.Table]struct{}, len(raw))
	for _, name := range raw {
		table := domain.Table(name)
		if !table.Valid() {
			continue
		}
		if _, dup := seen[table]; dup {
			continue
		}
		seen[table] = struct{}{}
		out = append(out, table)
	}
	return out
}
