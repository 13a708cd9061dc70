// Package cache keeps the last successfully computed view outside the process, so a server
// that restarts while storage is down can still answer with stale figures.
package cache

import (
	"context"
	"time"

	"tillpoint/backend/internal/domain"
)

type ViewCache interface {
	Get(ctx context.Context, key string) (*domain.View, bool, error)
	Set(ctx context.Context, key string, value *domain.View, ttl time.Duration) error
}

type NoopViewCache struct{}

func (NoopViewCache) Get(_ context.Context, _ string) (*domain.View, bool, error) {
	return nil, false, nil
}

func (NoopViewCache) Set(_ context.Context, _ string, _ *domain.View, _ time.Duration) error {
	return nil
}
