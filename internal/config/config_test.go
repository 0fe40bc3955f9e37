package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.HTTP.EnableHTTPS)
	assert.Equal(t, "./data/index", cfg.Index.RootDir)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Jobs.KeepaliveInterval)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "cratery-session", cfg.Auth.CookieName)
}

func TestNewConfig_Overrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("DATABASE_DSN", "postgres://u:p@db:5432/reg")
	t.Setenv("JOBS_MAX_ATTEMPTS", "5")
	t.Setenv("UPSTREAM_REGISTRIES", "crates-io:https://crates.io")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, "postgres://u:p@db:5432/reg", cfg.Database.DSN)
	assert.Equal(t, 5, cfg.Jobs.MaxAttempts)
	assert.Equal(t, map[string]string{"crates-io": "https://crates.io"}, cfg.Upstream.Registries)
}
