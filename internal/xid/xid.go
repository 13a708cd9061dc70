package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random identifier such as "sale-6f1c...". The prefix keeps ids readable in logs.
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Valid reports whether raw carries a uuid after an optional prefix.
func Valid(raw string) bool {
	idx := strings.Index(raw, "-")
	if idx > 0 && idx < 16 && len(raw)-idx-1 == 36 {
		raw = raw[idx+1:]
	}
	_, err := uuid.Parse(raw)
	return err == nil
}
