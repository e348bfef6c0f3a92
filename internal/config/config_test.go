package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Backend.URL)
	assert.Equal(t, "ws://127.0.0.1:8080/ws", cfg.Push.URL)
	assert.Equal(t, 5*time.Second, cfg.Push.PollInterval)
	assert.Equal(t, 60*time.Minute, cfg.Session.RoomTTL)
	assert.Equal(t, 400*time.Millisecond, cfg.Session.ActivityInterval)
	assert.Equal(t, 0.02, cfg.Session.SpeakingThreshold)
	assert.Equal(t, 5, cfg.Modal.MaxWindows)
	assert.Equal(t, "memory", cfg.Server.Store)
	assert.Equal(t, time.Minute, cfg.Server.SweepInterval)
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(`
user_id: 7
backend:
  url: https://api.example.test
push:
  poll_interval: 8s
session:
  activity_interval: 300ms
server:
  store: sqlite
`))
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.UserID)
	assert.Equal(t, "wss://api.example.test/ws", cfg.Push.URL)
	assert.Equal(t, 8*time.Second, cfg.Push.PollInterval)
	assert.Equal(t, 300*time.Millisecond, cfg.Session.ActivityInterval)
	assert.Equal(t, "yacall.db", cfg.Server.DSN)
}

func TestParseRejectsOutOfRange(t *testing.T) {
	_, err := Parse([]byte("push:\n  poll_interval: 1s\nsession:\n  activity_interval: 2s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push.poll_interval")
	assert.Contains(t, err.Error(), "session.activity_interval")
}

func TestParseRejectsSubSecondSweep(t *testing.T) {
	_, err := Parse([]byte("server:\n  sweep_interval: 100ms\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.sweep_interval")
}

func TestParseRejectsUnknownStore(t *testing.T) {
	_, err := Parse([]byte("server:\n  store: mongo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.store")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yacall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("user_id: 3\nlog:\n  level: debug\n"), 0o600))
	t.Setenv("YACALL_USER_ID", "11")
	t.Setenv("YACALL_PUSH_POLL_INTERVAL", "10s")
	t.Setenv("YACALL_SERVER_SWEEP_INTERVAL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(11), cfg.UserID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10*time.Second, cfg.Push.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Server.SweepInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
