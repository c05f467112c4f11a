package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "fs", cfg.Storage.Type)
	assert.Equal(t, "/var/lib/trove/spaces", cfg.Storage.SpacesRoot)
	assert.Equal(t, "redis://localhost:6379", cfg.Storage.RedisURL)
	assert.Equal(t, 30*time.Second, cfg.Locks.DefaultTTL)
	assert.Equal(t, 2048, cfg.Access.PermissionCacheSize)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TROVE_STORAGE_TYPE", "sql")
	t.Setenv("TROVE_DATABASE_URL", "postgres://localhost/trove")
	t.Setenv("TROVE_LOCK_TTL", "90s")
	t.Setenv("TROVE_LOG_LEVEL", "debug")
	t.Setenv("TROVE_WATCH_SPACES", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sql", cfg.Storage.Type)
	assert.Equal(t, "postgres://localhost/trove", cfg.Storage.DatabaseURL)
	assert.Equal(t, 90*time.Second, cfg.Locks.DefaultTTL)
	assert.True(t, cfg.Storage.WatchSpaces)
}

func TestValidate(t *testing.T) {
	t.Run("sql backend requires database URL", func(t *testing.T) {
		t.Setenv("TROVE_STORAGE_TYPE", "sql")
		_, err := Load()
		assert.ErrorContains(t, err, "database URL is required")
	})

	t.Run("fs backend requires redis URL", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		cfg.Storage.RedisURL = ""
		assert.ErrorContains(t, cfg.Validate(), "redis URL is required")
	})

	t.Run("unknown backend is rejected", func(t *testing.T) {
		t.Setenv("TROVE_STORAGE_TYPE", "tape")
		_, err := Load()
		assert.ErrorContains(t, err, "invalid storage type")
	})

	t.Run("ports must differ", func(t *testing.T) {
		t.Setenv("TROVE_PORT", "8282")
		t.Setenv("TROVE_HEALTH_PORT", "8282")
		_, err := Load()
		assert.ErrorContains(t, err, "must be different")
	})
}
