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

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
	assert.Less(t, cfg.Supervisor.ReadyTimeout, cfg.Supervisor.StaleAfter)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.HeartbeatInterval)
	assert.Equal(t, 1, cfg.Tasks.Concurrency)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.Lookback)
	assert.Equal(t, 4, cfg.Gateway.RateLimit().MaxAttempts)
	assert.Equal(t, 100, cfg.Gateway.RateLimit().InitialBackoffMs)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AUTOMATION_TASKS_CONCURRENCY", "4")
	t.Setenv("AUTOMATION_SUPERVISOR_STALE_AFTER", "2m")
	t.Setenv("PORT", "8088")
	t.Setenv("DATABASE_URL", "postgres://localhost/automation")
	t.Setenv("AUTOMATION_SERVER_IDLE_TIMEOUT", "45s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Tasks.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Supervisor.StaleAfter)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/automation", cfg.Database.URL)
	assert.Equal(t, 45*time.Second, cfg.Server.IdleTimeout)
}

func TestLoadFileAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`
supervisor:
  heartbeat_interval: 5s
  stale_after: 20s
gateway:
  requests_per_second: 5
`), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.HeartbeatInterval)
	assert.Equal(t, 5.0, cfg.Gateway.RequestsPerSecond)

	require.NoError(t, os.WriteFile(path, []byte(`
supervisor:
  heartbeat_interval: 30s
  stale_after: 10s
`), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "stale_after")

	// a start still waiting for readiness must not look dead to other nodes
	require.NoError(t, os.WriteFile(path, []byte(`
supervisor:
  heartbeat_interval: 5s
  stale_after: 20s
  ready_timeout: 20s
`), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "ready_timeout")
}
