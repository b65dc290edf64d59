package aggregator

import (
	"fmt"
	"time"
)

// Config defines windowing and alerting for the aggregator
type Config struct {
	// Length of each aggregation window; windows align to wall-clock multiples of it
	WindowDuration time.Duration `toml:"window_duration"`

	// Blinks per minute below which a window raises a low blink rate alert.
	// Zero disables alerting.
	LowRateThreshold float64 `toml:"low_rate_threshold"`

	// How often the detection worker samples CPU and memory usage
	SampleInterval time.Duration `toml:"sample_interval"`
}

// DefaultConfig returns one-minute windows with the commonly cited healthy
// floor of 10 blinks per minute
func DefaultConfig() Config {
	return Config{
		WindowDuration:   60 * time.Second,
		LowRateThreshold: 10,
		SampleInterval:   1 * time.Second,
	}
}

func validateConfig(config Config) error {
	if config.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be positive, got %v", config.WindowDuration)
	}
	if config.WindowDuration < time.Second {
		return fmt.Errorf("WindowDuration must be at least 1s, got %v", config.WindowDuration)
	}
	if config.LowRateThreshold < 0 {
		return fmt.Errorf("LowRateThreshold must not be negative, got %v", config.LowRateThreshold)
	}
	if config.SampleInterval <= 0 {
		return fmt.Errorf("SampleInterval must be positive, got %v", config.SampleInterval)
	}
	return nil
}
