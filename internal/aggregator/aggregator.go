// Package aggregator buckets blink events into fixed, wall-clock aligned
// windows and produces one WindowRecord per window.
package aggregator

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/blinksync/internal/detector"
	"github.com/livinlefevreloca/blinksync/internal/model"
)

// Aggregator is owned by the detection worker and is not safe for concurrent use
type Aggregator struct {
	config    Config
	sessionID string
	onAlert   func(model.Alert)
	logger    *slog.Logger

	// Current window
	open        bool
	windowStart time.Time
	blinkCount  int
	cpuSamples  []float64
	memSamples  []float64

	// Latest full window, kept for alert re-checks
	lastClosed    *model.WindowRecord
	alertedWindow time.Time

	totalBlinks int
}

// New creates an aggregator for one tracking session. onAlert may be nil.
func New(config Config, sessionID string, onAlert func(model.Alert), logger *slog.Logger) (*Aggregator, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return &Aggregator{
		config:    config,
		sessionID: sessionID,
		onAlert:   onAlert,
		logger:    logger,
	}, nil
}

// Tick advances the aggregator to at and counts ev if present. Every window
// whose end is at or before at is closed and returned in order, including
// zero-blink windows spanning a gap. The event is counted in the window that
// contains at.
func (a *Aggregator) Tick(ev *detector.BlinkEvent, at time.Time) []model.WindowRecord {
	if !a.open {
		a.openWindow(at.Truncate(a.config.WindowDuration))
	}

	var closed []model.WindowRecord
	for !at.Before(a.windowEnd()) {
		end := a.windowEnd()
		rec := a.closeWindow(end, a.config.WindowDuration)
		closed = append(closed, rec)
		a.openWindow(end)
	}

	if ev != nil {
		a.blinkCount++
		a.totalBlinks++
	}

	if len(closed) > 0 {
		// Only the newest full window may alert; backfilled gap windows stay quiet
		latest := closed[len(closed)-1]
		a.lastClosed = &latest
		a.CheckAlert()

		if len(closed) > 1 {
			a.logger.Debug("closed backfill windows",
				"count", len(closed),
				"first_start", closed[0].WindowStart,
				"last_end", latest.WindowEnd)
		}
	}

	return closed
}

// Sample records one CPU (percent) and memory (MB) reading for the current window
func (a *Aggregator) Sample(cpuPercent, memoryMB float64) {
	if !a.open {
		return
	}
	a.cpuSamples = append(a.cpuSamples, cpuPercent)
	a.memSamples = append(a.memSamples, memoryMB)
}

// CheckAlert evaluates the latest closed window against the threshold and
// fires the alert callback at most once for that window. It reports whether
// an alert was fired by this call.
func (a *Aggregator) CheckAlert() bool {
	if a.lastClosed == nil || a.config.LowRateThreshold <= 0 {
		return false
	}

	rec := a.lastClosed
	if rec.BlinkRate >= a.config.LowRateThreshold {
		return false
	}
	if a.alertedWindow.Equal(rec.WindowStart) {
		return false
	}
	a.alertedWindow = rec.WindowStart

	a.logger.Info("low blink rate",
		"window_start", rec.WindowStart,
		"blink_rate", rec.BlinkRate,
		"threshold", a.config.LowRateThreshold)

	if a.onAlert != nil {
		a.onAlert(model.Alert{
			Kind:        model.AlertLowBlinkRate,
			WindowStart: rec.WindowStart,
			WindowEnd:   rec.WindowEnd,
			BlinkRate:   rec.BlinkRate,
			Threshold:   a.config.LowRateThreshold,
			RaisedAt:    rec.WindowEnd,
		})
	}
	return true
}

// Close ends the session at at. Full windows up to at are closed as in Tick,
// followed by the partial final window if any time has elapsed in it. The
// partial window's rate uses its actual length. The aggregator can be reused
// afterwards; the next Tick opens a fresh aligned window.
func (a *Aggregator) Close(at time.Time) []model.WindowRecord {
	if !a.open {
		return nil
	}

	closed := a.Tick(nil, at)
	if at.After(a.windowStart) {
		closed = append(closed, a.closeWindow(at, at.Sub(a.windowStart)))
	}
	a.open = false
	return closed
}

// TotalBlinks returns every blink counted since the aggregator was created
func (a *Aggregator) TotalBlinks() int {
	return a.totalBlinks
}

func (a *Aggregator) windowEnd() time.Time {
	return a.windowStart.Add(a.config.WindowDuration)
}

func (a *Aggregator) openWindow(start time.Time) {
	a.open = true
	a.windowStart = start
	a.blinkCount = 0
	a.cpuSamples = a.cpuSamples[:0]
	a.memSamples = a.memSamples[:0]
}

// closeWindow builds the record for the current window ending at end
func (a *Aggregator) closeWindow(end time.Time, length time.Duration) model.WindowRecord {
	_, peakCPU, avgCPU := minMaxAvg(a.cpuSamples)

	rec := model.WindowRecord{
		LocalID:     uuid.NewString(),
		SessionID:   a.sessionID,
		WindowStart: a.windowStart,
		WindowEnd:   end,
		BlinkCount:  a.blinkCount,
		BlinkRate:   ratePerMinute(a.blinkCount, length),
		CPUUsage:    avgCPU,
		MemoryUsage: average(a.memSamples),
	}

	a.logger.Debug("window closed",
		"local_id", rec.LocalID,
		"window_start", rec.WindowStart,
		"blink_count", rec.BlinkCount,
		"blink_rate", rec.BlinkRate,
		"samples", len(a.cpuSamples),
		"peak_cpu", peakCPU)

	return rec
}

func ratePerMinute(count int, length time.Duration) float64 {
	minutes := length.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(count) / minutes
}
