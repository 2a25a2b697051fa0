package noop

import (
	"context"
	"time"

	"github.com/chirino/threadsync/internal/registry/cache"
	"github.com/google/uuid"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.AccessCache, error) {
			return &noopAccessCache{}, nil
		},
	})
}

type noopAccessCache struct{}

func (n *noopAccessCache) Available() bool { return false }
func (n *noopAccessCache) Get(_ context.Context, _ uuid.UUID) (*cache.AccessSnapshot, error) {
	return nil, nil
}
func (n *noopAccessCache) Set(_ context.Context, _ uuid.UUID, _ cache.AccessSnapshot, _ time.Duration) error {
	return nil
}
func (n *noopAccessCache) Remove(_ context.Context, _ uuid.UUID) error { return nil }

var _ cache.AccessCache = (*noopAccessCache)(nil)
