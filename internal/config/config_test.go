package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Heartbeat.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.PongTimeout)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 3, cfg.Calls.MaxRetries)
	assert.Equal(t, 120, cfg.Telemetry.BufferCapacity)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
signaling_url: wss://meet.example.com/ws/room
room_id: standup
username: Casey
reconnect:
  base_delay: 2s
  max_delay: 20s
  max_attempts: 5
  jitter_factor: 0.1
quality:
  sample_interval: 5s
  high_kbps: 3000
  medium_kbps: 1000
  low_kbps: 400
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://meet.example.com/ws/room", cfg.SignalingURL)
	assert.Equal(t, "standup", cfg.RoomID)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, float64(3000), cfg.Quality.HighKbps)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.Telemetry.UploadInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"pong timeout at ping interval", func(c *Config) { c.Heartbeat.PongTimeout = c.Heartbeat.PingInterval }},
		{"zero ping interval", func(c *Config) { c.Heartbeat.PingInterval = 0 }},
		{"max delay below base", func(c *Config) { c.Reconnect.MaxDelay = c.Reconnect.BaseDelay / 2 }},
		{"zero reconnect attempts", func(c *Config) { c.Reconnect.MaxAttempts = 0 }},
		{"jitter at upper bound", func(c *Config) { c.Reconnect.JitterFactor = 0.5 }},
		{"negative jitter", func(c *Config) { c.Reconnect.JitterFactor = -0.1 }},
		{"zero stream timeout", func(c *Config) { c.Calls.StreamTimeout = 0 }},
		{"non-decreasing thresholds", func(c *Config) { c.Quality.MediumKbps = c.Quality.HighKbps }},
		{"zero telemetry capacity", func(c *Config) { c.Telemetry.BufferCapacity = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
