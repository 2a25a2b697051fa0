package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/threadsync/internal/model"
	"github.com/google/uuid"
)

type accessCacheKey struct{}

// WithAccessCacheContext returns a new context carrying the given AccessCache.
func WithAccessCacheContext(ctx context.Context, c AccessCache) context.Context {
	return context.WithValue(ctx, accessCacheKey{}, c)
}

// AccessCacheFromContext retrieves the AccessCache from the context.
// Returns nil if none was set.
func AccessCacheFromContext(ctx context.Context) AccessCache {
	c, _ := ctx.Value(accessCacheKey{}).(AccessCache)
	return c
}

// AccessSnapshot is everything the access resolver needs to decide on one conversation.
type AccessSnapshot struct {
	Conversation model.Conversation  `json:"conversation"`
	Grants       []model.AccessGrant `json:"grants"`
}

// GrantFor returns the grant held by userID, if any.
func (s *AccessSnapshot) GrantFor(userID string) (model.AccessGrant, bool) {
	for _, g := range s.Grants {
		if g.GranteeUserID == userID {
			return g, true
		}
	}
	return model.AccessGrant{}, false
}

// AccessCache caches access snapshots keyed by conversation id. A miss returns (nil, nil).
type AccessCache interface {
	Available() bool
	Get(ctx context.Context, conversationID uuid.UUID) (*AccessSnapshot, error)
	Set(ctx context.Context, conversationID uuid.UUID, snapshot AccessSnapshot, ttl time.Duration) error
	Remove(ctx context.Context, conversationID uuid.UUID) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (AccessCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
