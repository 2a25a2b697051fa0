package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyEnv(t *testing.T) {
	t.Setenv("THREADSYNC_ACCESS_CACHE_TTL", "PT2M")
	t.Setenv("THREADSYNC_PROVISIONAL_SWEEP_INTERVAL", "30s")
	t.Setenv("THREADSYNC_MAX_BODY_SIZE", "2M")
	t.Setenv("THREADSYNC_CORS_ENABLED", "true")
	t.Setenv("THREADSYNC_CORS_ORIGINS", "https://app.example")
	t.Setenv("THREADSYNC_DB_MIGRATE_AT_START", "false")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	require.Equal(t, 2*time.Minute, cfg.AccessCacheTTL)
	require.Equal(t, 30*time.Second, cfg.ProvisionalSweepInterval)
	require.Equal(t, int64(2*1024*1024), cfg.MaxBodySize)
	require.True(t, cfg.CORSEnabled)
	require.Equal(t, "https://app.example", cfg.CORSOrigins)
	require.False(t, cfg.DatastoreMigrateAtStart)
}

func TestApplyEnv_InvalidDuration(t *testing.T) {
	t.Setenv("THREADSYNC_ACCESS_CACHE_TTL", "soon")
	cfg := DefaultConfig()
	require.Error(t, cfg.ApplyEnv())
}

func TestParseDuration_ISO8601(t *testing.T) {
	d, err := parseDuration("PT1H30M")
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, d)

	_, err = parseDuration("P1D")
	require.Error(t, err)
}
