// Package config holds all client configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds everything the connection layer needs: endpoints, identity
// and the timing knobs for heartbeats, reconnection, peer calls, quality
// sampling and telemetry.
type Config struct {
	SignalingURL    string `yaml:"signaling_url"`
	NotificationURL string `yaml:"notification_url"`
	StatsURL        string `yaml:"stats_url"`
	BrokerURL       string `yaml:"broker_url"`

	RoomID      string `yaml:"room_id"`
	UserID      string `yaml:"user_id"`
	Username    string `yaml:"username"`
	IsModerator bool   `yaml:"is_moderator"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Calls     CallConfig      `yaml:"calls"`
	Quality   QualityConfig   `yaml:"quality"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

type HeartbeatConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

type ReconnectConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

type CallConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
}

type QualityConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`

	// Aggregate outgoing bitrate thresholds, in Kbps. Anything at or
	// below LowKbps drops to audio only.
	HighKbps   float64 `yaml:"high_kbps"`
	MediumKbps float64 `yaml:"medium_kbps"`
	LowKbps    float64 `yaml:"low_kbps"`
}

type TelemetryConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	UploadInterval time.Duration `yaml:"upload_interval"`
	BufferCapacity int           `yaml:"buffer_capacity"`
	Browser        string        `yaml:"browser"`
	DeviceType     string        `yaml:"device_type"`
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	cfg := &Config{
		SignalingURL:    "ws://localhost:8000/ws/room",
		NotificationURL: "ws://localhost:8000/ws/user",
		StatsURL:        "http://localhost:8000/api/meetings/connection-stats/",
		BrokerURL:       "http://localhost:8000/api/meetings/sdp/",
		Heartbeat: HeartbeatConfig{
			PingInterval: 30 * time.Second,
			PongTimeout:  10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  10,
			JitterFactor: 0.3,
		},
		Calls: CallConfig{
			MaxRetries:    3,
			RetryDelay:    2 * time.Second,
			StreamTimeout: 10 * time.Second,
		},
		Quality: QualityConfig{
			SampleInterval: 5 * time.Second,
			HighKbps:       2000,
			MediumKbps:     800,
			LowKbps:        300,
		},
		Telemetry: TelemetryConfig{
			SampleInterval: 30 * time.Second,
			UploadInterval: 60 * time.Second,
			BufferCapacity: 120,
			Browser:        "native",
			DeviceType:     "desktop",
		},
	}
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the state machines cannot run with.
func (c *Config) Validate() error {
	if c.Heartbeat.PingInterval <= 0 || c.Heartbeat.PongTimeout <= 0 {
		return fmt.Errorf("heartbeat intervals must be positive")
	}
	if c.Heartbeat.PongTimeout >= c.Heartbeat.PingInterval {
		return fmt.Errorf("pong timeout must be shorter than ping interval")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("invalid reconnect delay range")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect max_attempts must be positive")
	}
	if c.Reconnect.JitterFactor < 0 || c.Reconnect.JitterFactor >= 0.5 {
		return fmt.Errorf("jitter_factor must be in [0, 0.5)")
	}
	if c.Calls.MaxRetries < 0 || c.Calls.StreamTimeout <= 0 {
		return fmt.Errorf("invalid call retry settings")
	}
	if c.Quality.HighKbps <= c.Quality.MediumKbps || c.Quality.MediumKbps <= c.Quality.LowKbps {
		return fmt.Errorf("quality thresholds must be strictly decreasing")
	}
	if c.Telemetry.BufferCapacity <= 0 {
		return fmt.Errorf("telemetry buffer_capacity must be positive")
	}
	return nil
}
