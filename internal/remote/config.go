package remote

import (
	"fmt"
	"net/url"
	"time"
)

// Config defines how the client reaches the remote endpoint
type Config struct {
	// Base URL of the remote API, e.g. https://api.example.com
	Endpoint string `toml:"endpoint"`

	// Paths appended to Endpoint
	BatchPath  string `toml:"batch_path"`
	HealthPath string `toml:"health_path"`

	// JSON file holding {"access_token": "..."}
	TokenPath string `toml:"token_path"`

	// Upper bound for a single HTTP request
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// DefaultConfig returns client defaults matching the blink-sessions API
func DefaultConfig() Config {
	return Config{
		Endpoint:       "http://127.0.0.1:8000",
		BatchPath:      "/blink-sessions/batch",
		HealthPath:     "/",
		RequestTimeout: 10 * time.Second,
	}
}

// validateConfig validates client configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.Endpoint == "" {
		return fmt.Errorf("Endpoint must be set")
	}

	u, err := url.Parse(config.Endpoint)
	if err != nil {
		return fmt.Errorf("Endpoint is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("Endpoint must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("Endpoint must include a host, got %q", config.Endpoint)
	}

	if config.BatchPath == "" {
		return fmt.Errorf("BatchPath must be set")
	}

	if config.RequestTimeout <= 0 {
		return fmt.Errorf("RequestTimeout must be positive, got %v", config.RequestTimeout)
	}

	return nil
}
