package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/threadsync/internal/config"
	registrycache "github.com/chirino/threadsync/internal/registry/cache"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.AccessCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: THREADSYNC_REDIS_URL is required")
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, cfg.AccessCacheTTL)
}

// LoadFromURLWithTTL creates an AccessCache from a redis:// URL with an explicit default TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.AccessCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisAccessCache{client: client, ttl: ttl}, nil
}

type redisAccessCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func accessKey(convID uuid.UUID) string {
	return "threadsync:access:" + convID.String()
}

func (c *redisAccessCache) Available() bool {
	return true
}

func (c *redisAccessCache) Get(ctx context.Context, conversationID uuid.UUID) (*registrycache.AccessSnapshot, error) {
	data, err := c.client.Get(ctx, accessKey(conversationID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot registrycache.AccessSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *redisAccessCache) Set(ctx context.Context, conversationID uuid.UUID, snapshot registrycache.AccessSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, accessKey(conversationID), data, ttl).Err()
}

func (c *redisAccessCache) Remove(ctx context.Context, conversationID uuid.UUID) error {
	return c.client.Del(ctx, accessKey(conversationID)).Err()
}

var _ registrycache.AccessCache = (*redisAccessCache)(nil)
