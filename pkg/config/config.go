// Package config holds runtime configuration, loaded from environment
// variables with an optional YAML file layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// WebhookConfig tunes the delivery worker.
type WebhookConfig struct {
	QueueSize     int     `yaml:"queue_size"`
	MaxAttempts   int     `yaml:"max_attempts"`
	BaseBackoffMs int     `yaml:"base_backoff_ms"`
	TimeoutMs     int     `yaml:"timeout_ms"`
	RatePerSec    float64 `yaml:"rate_per_sec"`
	Burst         int     `yaml:"burst"`
}

// TelemetryConfig tunes the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Config is the full daemon configuration.
type Config struct {
	DataDir       string          `yaml:"data_dir"`
	LogLevel      string          `yaml:"log_level"`
	ReadPoolSize  int             `yaml:"read_pool_size"`
	WriteQueueLen int             `yaml:"write_queue_len"`
	StreamBuffer  int             `yaml:"stream_buffer"`
	Webhook       WebhookConfig   `yaml:"webhook"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// Load builds a config from environment variables over defaults.
func Load() *Config {
	cfg := defaults()

	if v := os.Getenv("MNEMOS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MNEMOS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v, err := strconv.Atoi(os.Getenv("MNEMOS_READ_POOL_SIZE")); err == nil && v > 0 {
		cfg.ReadPoolSize = v
	}
	if v, err := strconv.Atoi(os.Getenv("MNEMOS_WRITE_QUEUE_LEN")); err == nil && v > 0 {
		cfg.WriteQueueLen = v
	}
	if v, err := strconv.Atoi(os.Getenv("MNEMOS_STREAM_BUFFER")); err == nil && v > 0 {
		cfg.StreamBuffer = v
	}
	if v := os.Getenv("MNEMOS_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// LoadFile layers a YAML file over the environment-derived config.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir:       filepath.Join(home, ".mnemos"),
		LogLevel:      "info",
		ReadPoolSize:  4,
		WriteQueueLen: 64,
		StreamBuffer:  64,
		Webhook: WebhookConfig{
			QueueSize:     256,
			MaxAttempts:   3,
			BaseBackoffMs: 2000,
			TimeoutMs:     10000,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Insecure:     true,
		},
	}
}

// StorePath returns the store file location under DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "mnemos.db")
}

// BaseBackoff returns the webhook backoff base as a duration.
func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.Webhook.BaseBackoffMs) * time.Millisecond
}

// WebhookTimeout returns the per-request webhook timeout.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhook.TimeoutMs) * time.Millisecond
}
