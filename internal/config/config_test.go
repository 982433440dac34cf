package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "nested", "config.yaml"))
	require.NoError(t, err)
	return m
}

func TestNewManager_CreatesDefaults(t *testing.T) {
	m := newTestManager(t)

	_, err := os.Stat(m.GetConfigPath())
	require.NoError(t, err, "default config must be written to disk")

	cfg := m.Get()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 5, cfg.Defaults.QueueCapacity)
	assert.Equal(t, 2*time.Second, cfg.Defaults.PollTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Defaults.AcceptJoinTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Defaults.SessionJoinTimeout)

	require.Len(t, cfg.Streams, 2)
	assert.Equal(t, "wide", cfg.Streams[0].ID)
	assert.Equal(t, 8000, cfg.Streams[0].Port)
	assert.Equal(t, "ultra", cfg.Streams[1].ID)
	assert.Equal(t, 8001, cfg.Streams[1].Port)
	assert.True(t, cfg.Streams[0].IsEnabled())
	assert.Equal(t, 85, cfg.Streams[0].Source.Quality)
}

func TestNewManager_ReloadsSavedFile(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SetAPIPort(9191))
	require.NoError(t, m.SetLogLevel("debug"))

	reloaded, err := NewManager(m.GetConfigPath())
	require.NoError(t, err)
	assert.Equal(t, 9191, reloaded.Get().API.Port)
	assert.Equal(t, "debug", reloaded.Get().LogLevel)
	assert.Equal(t, 2*time.Second, reloaded.Get().Defaults.PollTimeout)
}

func TestNewManager_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("streams: [\n"), 0644))

	_, err := NewManager(path)
	assert.Error(t, err)
}

func TestParse_PartialFileGetsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
streams:
  - id: cam
    port: 9000
    source:
      type: pattern
  - id: mirror
    port: 9001
    source:
      type: relay
      url: http://127.0.0.1:9000/
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Defaults.QueueCapacity)
	assert.Equal(t, 640, cfg.Streams[0].Source.Width)
	assert.Equal(t, 15, cfg.Streams[0].Source.FPS)
	assert.Equal(t, 2*time.Second, cfg.Streams[1].Source.ReconnectDelay)
}

func TestValidate(t *testing.T) {
	off := false
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"duplicate id", func(c *Config) { c.Streams[1].ID = "wide" }, "duplicate id"},
		{"duplicate port", func(c *Config) { c.Streams[1].Port = 8000 }, "already used"},
		{"api port collision", func(c *Config) { c.Streams[0].Port = 8080 }, "API port"},
		{"ephemeral ports may repeat", func(c *Config) { c.Streams[0].Port = 0; c.Streams[1].Port = 0 }, ""},
		{"port out of range", func(c *Config) { c.Streams[0].Port = 70000 }, "invalid port"},
		{"zero capacity", func(c *Config) { c.Defaults.QueueCapacity = 0 }, "queue_capacity"},
		{"zero poll timeout", func(c *Config) { c.Defaults.PollTimeout = 0 }, "poll_timeout"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"unknown source", func(c *Config) { c.Streams[0].Source.Type = "webcam" }, "unknown source type"},
		{"directory without dir", func(c *Config) { c.Streams[0].Source = SourceConfig{Type: SourceDirectory, FPS: 5} }, "needs dir"},
		{"relay without url", func(c *Config) { c.Streams[0].Source = SourceConfig{Type: SourceRelay} }, "http(s) url"},
		{"disabled stream still validated", func(c *Config) { c.Streams[0].Enabled = &off; c.Streams[0].ID = "" }, "id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStreamConfig_Resolve(t *testing.T) {
	d := Defaults().Defaults
	s := StreamConfig{ID: "x", QueueCapacity: 12, MaxClients: 3}

	got := s.Resolve(d)
	assert.Equal(t, 12, got.QueueCapacity)
	assert.Equal(t, 3, got.MaxClients)
	assert.Equal(t, d.WriteTimeout, got.WriteTimeout)
	assert.Equal(t, d.PollTimeout, got.PollTimeout)
}

func TestManager_Stream(t *testing.T) {
	m := newTestManager(t)

	s, ok := m.Stream("ultra")
	require.True(t, ok)
	assert.Equal(t, 8001, s.Port)

	_, ok = m.Stream("missing")
	assert.False(t, ok)
}

func TestManager_GetReturnsCopy(t *testing.T) {
	m := newTestManager(t)

	cfg := m.Get()
	cfg.Streams[0].Port = 1
	cfg.LogLevel = "error"

	assert.Equal(t, 8000, m.Get().Streams[0].Port)
	assert.Equal(t, "info", m.Get().LogLevel)
}

func TestManager_UpdateRejectsInvalid(t *testing.T) {
	m := newTestManager(t)

	cfg := m.Get()
	cfg.Streams[1].Port = cfg.Streams[0].Port
	require.Error(t, m.Update(cfg))

	assert.Equal(t, 8001, m.Get().Streams[1].Port, "rejected update must not apply")
}

func TestManager_ViperGetAndSet(t *testing.T) {
	m := newTestManager(t)

	v, err := m.GetViper()
	require.NoError(t, err)
	assert.Equal(t, 8080, v.GetInt("api.port"))
	assert.Equal(t, "info", v.GetString("log_level"))
	assert.Equal(t, 2*time.Second, v.GetDuration("defaults.poll_timeout"))

	require.NoError(t, m.Set("api.port", "9090"))
	require.NoError(t, m.Set("defaults.write_timeout", "3s"))
	require.NoError(t, m.Set("defaults.max_clients", "16"))
	require.NoError(t, m.Set("log_pretty", "false"))

	cfg := m.Get()
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 3*time.Second, cfg.Defaults.WriteTimeout)
	assert.Equal(t, 16, cfg.Defaults.MaxClients)
	assert.False(t, cfg.LogPretty)
	require.Len(t, cfg.Streams, 2, "streams survive a viper round trip")
	assert.Equal(t, "ultra", cfg.Streams[1].ID)

	reloaded, err := NewManager(m.GetConfigPath())
	require.NoError(t, err)
	assert.Equal(t, 9090, reloaded.Get().API.Port)
}

func TestManager_SetRejectsBadValues(t *testing.T) {
	m := newTestManager(t)

	assert.Error(t, m.Set("no_such_key", "1"))
	assert.Error(t, m.Set("defaults.queue_capacity", "-1"))
	assert.Error(t, m.Set("log_level", "loud"))
	assert.Equal(t, 5, m.Get().Defaults.QueueCapacity)
}
