//go:build !linux

package netwatch

import (
	"context"
	"log/slog"
)

// Monitor is inert on platforms without udev netlink
type Monitor struct {
	logger *slog.Logger
}

// New creates an inert monitor
func New(notifier Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{logger: logger}
}

// Start logs that network events are unavailable
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.logger.Info("network monitor unavailable on this platform; sync will only run on its schedule")
	return nil
}

// Stop is a no-op
func (m *Monitor) Stop() {}

// Running always reports false
func (m *Monitor) Running() bool { return false }
