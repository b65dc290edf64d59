package buffer

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/blinksync/internal/db"
)

// Config defines where the buffer file lives and how it is opened
type Config struct {
	// Path of the SQLite buffer file. The lock file sits next to it.
	Path string `toml:"path"`

	// Database connection settings
	DB db.Config `toml:"db"`

	// Writer settings
	Writer WriterConfig `toml:"writer"`
}

// WriterConfig controls the background writer between the detection worker
// and the buffer file
type WriterConfig struct {
	// Capacity of the hand-off queue from the detection worker, in batches.
	// Each tick of the worker hands off its closed windows as one batch.
	QueueSize int `toml:"queue_size"`

	// Upper bound on records kept in memory while the file is not writable.
	// The oldest record is dropped when it is exceeded.
	MaxInMemoryRecords int `toml:"max_in_memory_records"`

	// How often a failed append is retried
	WriteRetryInterval time.Duration `toml:"write_retry_interval"`
}

// DefaultConfig returns the default buffer configuration for path
func DefaultConfig(path string) Config {
	return Config{
		Path:   path,
		DB:     db.DefaultConfig(),
		Writer: DefaultWriterConfig(),
	}
}

// DefaultWriterConfig keeps roughly a day of one-minute windows in memory
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:          64,
		MaxInMemoryRecords: 1440,
		WriteRetryInterval: 5 * time.Second,
	}
}

func validateConfig(config Config) error {
	if config.Path == "" {
		return fmt.Errorf("Path must be set")
	}
	return nil
}

func validateWriterConfig(config WriterConfig) error {
	if config.QueueSize <= 0 {
		return fmt.Errorf("QueueSize must be positive, got %d", config.QueueSize)
	}
	if config.MaxInMemoryRecords <= 0 {
		return fmt.Errorf("MaxInMemoryRecords must be positive, got %d", config.MaxInMemoryRecords)
	}
	if config.WriteRetryInterval <= 0 {
		return fmt.Errorf("WriteRetryInterval must be positive, got %v", config.WriteRetryInterval)
	}
	return nil
}
