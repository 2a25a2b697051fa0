package config

import (
	"context"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the thread sync service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode a bearer token that is not a JWT is accepted as the user id.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres", "sqlite" or "mongo"

	// Redis
	RedisURL string

	// Cache backend type
	CacheType string // "redis" or "none"

	// How long an access snapshot stays cached.
	AccessCacheTTL time.Duration

	// Directory holding the per-device local store files. Empty keeps local stores in memory.
	LocalDataDir string

	// Upper bound for a single migration call.
	MigrationTimeout time.Duration

	// Queued updates addressed to a provisional id are dropped after this long.
	ProvisionalQueueTTL time.Duration
	// Resolved provisional mappings are kept for this long so late writers can still be redirected.
	ProvisionalGrace time.Duration
	// How often the provisional sweeper runs.
	ProvisionalSweepInterval time.Duration
	// How long a message create waits for its conversation's provisional id to resolve.
	ProvisionalWaitTimeout time.Duration

	// Providers is a comma-separated list of enabled model providers.
	Providers string

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=threadsync".
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or THREADSYNC_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                     ModeProd,
		DatastoreType:            "postgres",
		DatastoreMigrateAtStart:  true,
		CacheType:                "none",
		AccessCacheTTL:           time.Minute,
		MigrationTimeout:         30 * time.Second,
		ProvisionalQueueTTL:      2 * time.Minute,
		ProvisionalGrace:         10 * time.Minute,
		ProvisionalSweepInterval: 15 * time.Second,
		ProvisionalWaitTimeout:   5 * time.Second,
		Providers:                "openai,anthropic,google,openrouter",
		MetricsLabels:            "service=threadsync",
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:    1024 * 1024,
		DrainTimeout:   30,
		DBMaxOpenConns: 25,
		DBMaxIdleConns: 5,
	}
}

// ResolvedLocalDataDir returns the trimmed local data directory, or "" for memory-only stores.
func (c *Config) ResolvedLocalDataDir() string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.LocalDataDir)
}
