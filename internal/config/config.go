// Package config loads the blinksync TOML configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/livinlefevreloca/blinksync/internal/aggregator"
	"github.com/livinlefevreloca/blinksync/internal/buffer"
	"github.com/livinlefevreloca/blinksync/internal/capture"
	"github.com/livinlefevreloca/blinksync/internal/detector"
	"github.com/livinlefevreloca/blinksync/internal/remote"
	"github.com/livinlefevreloca/blinksync/internal/status"
	"github.com/livinlefevreloca/blinksync/internal/syncer"
)

// Environment variables that override file settings
const (
	EnvEndpoint  = "BLINKSYNC_ENDPOINT"
	EnvTokenPath = "BLINKSYNC_TOKEN_PATH"
)

// Config represents the application configuration
type Config struct {
	Buffer     buffer.Config     `toml:"buffer"`
	Detector   detector.Config   `toml:"detector"`
	Aggregator aggregator.Config `toml:"aggregator"`
	Capture    capture.Config    `toml:"capture"`
	Remote     remote.Config     `toml:"remote"`
	Sync       syncer.Config     `toml:"sync"`
	Status     status.Config     `toml:"status"`
	Logging    LoggingConfig     `toml:"logging"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text, json or auto
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	remoteConfig := remote.DefaultConfig()
	remoteConfig.TokenPath = DefaultTokenPath()

	return &Config{
		Buffer:     buffer.DefaultConfig(DefaultBufferPath()),
		Detector:   detector.DefaultConfig(),
		Aggregator: aggregator.DefaultConfig(),
		Capture:    capture.DefaultConfig(),
		Remote:     remoteConfig,
		Sync:       syncer.DefaultConfig(),
		Status:     status.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (explicit path, or the default path when it exists)
// 3. Environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	path := configPath
	if path == "" {
		if _, err := os.Stat(DefaultConfigPath()); err == nil {
			path = DefaultConfigPath()
		}
	}

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	config.applyEnv()
	return config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Remote.Endpoint = v
	}
	if v := os.Getenv(EnvTokenPath); v != "" {
		c.Remote.TokenPath = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Buffer validation
	if c.Buffer.Path == "" {
		return fmt.Errorf("buffer path must be specified")
	}
	if c.Buffer.Writer.QueueSize <= 0 {
		return fmt.Errorf("buffer writer queue_size must be positive")
	}
	if c.Buffer.Writer.MaxInMemoryRecords <= 0 {
		return fmt.Errorf("buffer writer max_in_memory_records must be positive")
	}
	if c.Buffer.Writer.WriteRetryInterval <= 0 {
		return fmt.Errorf("buffer writer write_retry_interval must be positive")
	}

	// Detection validation
	if c.Detector.MinClosedFrames <= 0 {
		return fmt.Errorf("detector min_closed_frames must be positive")
	}
	if c.Aggregator.WindowDuration <= 0 {
		return fmt.Errorf("aggregator window_duration must be positive")
	}
	if c.Aggregator.LowRateThreshold < 0 {
		return fmt.Errorf("aggregator low_rate_threshold must not be negative")
	}
	if c.Aggregator.SampleInterval <= 0 {
		return fmt.Errorf("aggregator sample_interval must be positive")
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	// Remote validation
	if c.Remote.Endpoint == "" {
		return fmt.Errorf("remote endpoint must be specified (or set %s)", EnvEndpoint)
	}
	if c.Remote.RequestTimeout <= 0 {
		return fmt.Errorf("remote request_timeout must be positive")
	}

	// Sync validation
	if c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("sync probe_interval must be positive")
	}
	if c.Sync.MinRetryDelay <= 0 {
		return fmt.Errorf("sync min_retry_delay must be positive")
	}
	if c.Sync.MaxRetryDelay < c.Sync.MinRetryDelay {
		return fmt.Errorf("sync max_retry_delay must be at least min_retry_delay")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true, "auto": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text, json, or auto)", c.Logging.Format)
	}

	return nil
}
