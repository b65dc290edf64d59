package syncer

import (
	"fmt"
	"time"
)

// Config defines sync scheduling, backoff and batching
type Config struct {
	// Scheduled probe interval while nothing is failing
	ProbeInterval time.Duration `toml:"probe_interval"`

	// Backoff after a failed attempt: min_retry_delay * 2^(n-1), capped at
	// max_retry_delay and never below min_retry_delay
	MinRetryDelay time.Duration `toml:"min_retry_delay"`
	MaxRetryDelay time.Duration `toml:"max_retry_delay"`

	// Records per upload, oldest first
	BatchSize int `toml:"batch_size"`

	// Upper bound for one probe or one batch upload
	AttemptTimeout time.Duration `toml:"attempt_timeout"`

	// Delete synced records from the buffer after each pass
	CompactAfterSync bool `toml:"compact_after_sync"`

	// Attempt a sync as soon as a network interface comes up
	WatchNetwork bool `toml:"watch_network"`
}

// DefaultConfig returns sync defaults suited to one record per minute
func DefaultConfig() Config {
	return Config{
		ProbeInterval:    60 * time.Second,
		MinRetryDelay:    5 * time.Second,
		MaxRetryDelay:    5 * time.Minute,
		BatchSize:        50,
		AttemptTimeout:   30 * time.Second,
		CompactAfterSync: true,
		WatchNetwork:     true,
	}
}

// validateConfig validates sync configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.ProbeInterval <= 0 {
		return fmt.Errorf("ProbeInterval must be positive, got %v", config.ProbeInterval)
	}

	if config.MinRetryDelay <= 0 {
		return fmt.Errorf("MinRetryDelay must be positive, got %v", config.MinRetryDelay)
	}

	if config.MaxRetryDelay < config.MinRetryDelay {
		return fmt.Errorf("MaxRetryDelay (%v) must be at least MinRetryDelay (%v)",
			config.MaxRetryDelay, config.MinRetryDelay)
	}

	if config.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", config.BatchSize)
	}

	if config.AttemptTimeout <= 0 {
		return fmt.Errorf("AttemptTimeout must be positive, got %v", config.AttemptTimeout)
	}

	return nil
}
