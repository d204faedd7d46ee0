package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2*time.Second, cfg.Engine.RequestTimeout)
	assert.Equal(t, int32(10), cfg.Sources.Operational.MaxConns)
	assert.Equal(t, 5.0, cfg.Sources.Analytical.QueriesPerSecond)
	assert.Equal(t, 50000, cfg.Cache.Local.MaxEntries)
	assert.Equal(t, time.Minute, cfg.Cache.Local.SweepInterval)
	assert.Equal(t, 50, cfg.Cache.Redis.PoolSize)
	assert.InDelta(t, 0.2, cfg.Monitoring.FallbackRateThreshold, 1e-9)
	assert.InDelta(t, 0.05, cfg.Monitoring.DefaultedRateThreshold, 1e-9)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
server:
  port: 9090
engine:
  request_timeout: 5s
cache:
  redis:
    addr: localhost:6379
`), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Engine.RequestTimeout)
	assert.Equal(t, "localhost:6379", cfg.Cache.Redis.Addr)
	// Untouched keys keep their defaults.
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("FEATURESERVE_SERVER_PORT", "7070")
	t.Setenv("FEATURESERVE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	require.Error(t, err)

	assert.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "console"}))
}

// chdirTemp runs the test from an empty directory so a developer's local
// config.yaml never leaks into assertions.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}
