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
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "hub", cfg.Realtime.Driver)
	assert.Equal(t, 30*time.Second, cfg.Call.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.Sweep.StaleAfter)
	assert.True(t, cfg.Call.Devices.Audio)
	require.Len(t, cfg.Call.ICEServerList(), 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Call.ICEServerList()[0].URLs)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte("port: 9090\ncall:\n  heartbeat_interval: 10s\n  transport: loopback\nagent:\n  email: ada@example.com\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644))
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("NOTELIFY_DATABASE_DRIVER", "postgres")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.Call.HeartbeatInterval)
	assert.Equal(t, "loopback", cfg.Call.Transport)
	assert.Equal(t, "ada@example.com", cfg.Agent.Email)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadRejectsUnknownDrivers(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("NOTELIFY_REALTIME_DRIVER", "kafka")

	_, err := Load()
	assert.ErrorContains(t, err, "realtime driver")
}

func TestLoadRejectsSweepShorterThanHeartbeat(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("NOTELIFY_SWEEP_STALE_AFTER", "10s")

	_, err := Load()
	assert.ErrorContains(t, err, "stale_after")
}
