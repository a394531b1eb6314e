package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warden", cfg.Service.TextID)
	assert.Equal(t, 7*24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, "token", cfg.Identity.Mode)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	yml := []byte(`
env: dev
session:
  ttl: 2h
  retention: 720h
redis:
  addr: redis:6379
service:
  text_id: accounts
`)
	require.NoError(t, os.WriteFile(path, yml, 0o600))

	t.Setenv("WARDEN_SESSION_TTL", "30m")
	t.Setenv("WARDEN_PG_DSN", "postgres://warden@db/warden")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL, "env overrides file")
	assert.Equal(t, 720*time.Hour, cfg.Session.Retention)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "accounts", cfg.Service.TextID)
	assert.Equal(t, "postgres://warden@db/warden", cfg.Database.DSN)
	assert.Equal(t, "warden_session", cfg.Session.CookieName, "unset keys keep defaults")
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("WARDEN_SESSION_TTL", "forever")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WARDEN_SESSION_TTL")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Identity.Mode = "header"
	require.Error(t, cfg.Validate(), "header mode needs a secret")

	cfg.Identity.AssertionSecret = "s3cret"
	require.NoError(t, cfg.Validate())

	cfg.Session.TTL = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Identity.Mode = "magic"
	require.Error(t, cfg.Validate())
}
