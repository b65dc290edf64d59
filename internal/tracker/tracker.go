// Package tracker runs the detection worker: capture, classify, detect,
// aggregate and hand closed windows to the buffer writer. The worker never
// touches disk or network; it only calls non-blocking hand-offs.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/blinksync/internal/aggregator"
	"github.com/livinlefevreloca/blinksync/internal/capture"
	"github.com/livinlefevreloca/blinksync/internal/detector"
	"github.com/livinlefevreloca/blinksync/internal/model"
	"github.com/livinlefevreloca/blinksync/internal/sysmetrics"
)

// RecordSink accepts closed windows without blocking. Windows closed by one
// tick arrive as one call and are accepted or rejected together.
type RecordSink interface {
	Submit(recs ...model.WindowRecord) bool
}

// Sampler reads resource usage
type Sampler interface {
	Sample() (sysmetrics.Sample, error)
}

// Publisher receives per-window and resource updates
type Publisher interface {
	RecordWindow(rec model.WindowRecord)
	SetEnergyImpact(cpuPercent float64)
}

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the wall clock
var RealClock Clock = realClock{}

// Config controls the detection worker loop
type Config struct {
	// Longest wait for a frame before windows advance by the clock
	FrameTimeout time.Duration

	// How often CPU and memory are sampled
	SampleInterval time.Duration

	// Pause after a source error before asking for the next frame
	SourceRetryDelay time.Duration

	// Minimum spacing of repeated frame error warnings
	ErrorLogInterval time.Duration
}

// DefaultConfig returns worker defaults
func DefaultConfig() Config {
	return Config{
		FrameTimeout:     1 * time.Second,
		SampleInterval:   1 * time.Second,
		SourceRetryDelay: 100 * time.Millisecond,
		ErrorLogInterval: 1 * time.Second,
	}
}

func validateConfig(config Config) error {
	if config.FrameTimeout <= 0 {
		return fmt.Errorf("FrameTimeout must be positive, got %v", config.FrameTimeout)
	}
	if config.SampleInterval <= 0 {
		return fmt.Errorf("SampleInterval must be positive, got %v", config.SampleInterval)
	}
	if config.SourceRetryDelay < 0 {
		return fmt.Errorf("SourceRetryDelay must not be negative, got %v", config.SourceRetryDelay)
	}
	if config.ErrorLogInterval <= 0 {
		return fmt.Errorf("ErrorLogInterval must be positive, got %v", config.ErrorLogInterval)
	}
	return nil
}

// Stats is a point-in-time view of the worker
type Stats struct {
	Frames           int64
	ClassifierErrors int64
	SourceErrors     int64
	Windows          int64
	DroppedWindows   int64
}

// Tracker owns the detector and aggregator for one tracking session
type Tracker struct {
	config    Config
	source    capture.Source
	cls       capture.Classifier
	det       *detector.Detector
	agg       *aggregator.Aggregator
	sink      RecordSink
	sampler   Sampler
	publisher Publisher
	clock     Clock
	logger    *slog.Logger

	// Owned by Run
	lastAt     time.Time
	lastSample time.Time
	classErrs  errorLimiter
	sourceErrs errorLimiter

	frames         atomic.Int64
	classifierErrs atomic.Int64
	sourceErrCount atomic.Int64
	windows        atomic.Int64
	dropped        atomic.Int64
}

// New creates a tracker. sampler and publisher may be nil.
func New(
	config Config,
	source capture.Source,
	cls capture.Classifier,
	det *detector.Detector,
	agg *aggregator.Aggregator,
	sink RecordSink,
	sampler Sampler,
	publisher Publisher,
	clock Clock,
	logger *slog.Logger,
) (*Tracker, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = RealClock
	}

	return &Tracker{
		config:     config,
		source:     source,
		cls:        cls,
		det:        det,
		agg:        agg,
		sink:       sink,
		sampler:    sampler,
		publisher:  publisher,
		clock:      clock,
		logger:     logger,
		classErrs:  errorLimiter{interval: config.ErrorLogInterval},
		sourceErrs: errorLimiter{interval: config.ErrorLogInterval},
	}, nil
}

// Run processes frames until the source ends or ctx is done, then closes
// the session's final partial window.
func (t *Tracker) Run(ctx context.Context) error {
	t.logger.Info("tracking started")

	for {
		frameCtx, cancel := context.WithTimeout(ctx, t.config.FrameTimeout)
		frame, err := t.source.Next(frameCtx)
		cancel()

		if err == nil {
			t.process(frame)
			continue
		}

		if errors.Is(err, capture.ErrEndOfStream) {
			t.logger.Info("frame source ended")
			break
		}
		if ctx.Err() != nil {
			break
		}

		t.sourceError(err)
		t.advance(nil, t.clock.Now())

		if !errors.Is(err, context.DeadlineExceeded) && t.config.SourceRetryDelay > 0 {
			select {
			case <-time.After(t.config.SourceRetryDelay):
			case <-ctx.Done():
			}
		}
	}

	t.finish()
	stats := t.Stats()
	t.logger.Info("tracking stopped",
		"frames", stats.Frames,
		"windows", stats.Windows,
		"blinks", t.agg.TotalBlinks(),
		"classifier_errors", stats.ClassifierErrors,
		"source_errors", stats.SourceErrors)
	return nil
}

// process runs one frame through classification and detection
func (t *Tracker) process(frame capture.Frame) {
	t.frames.Add(1)

	at := frame.Timestamp
	if at.IsZero() {
		at = t.clock.Now()
	}

	open, err := t.cls.Classify(frame)
	if err != nil {
		t.classifierErrs.Add(1)
		if n, ok := t.classErrs.allow(at); ok {
			t.logger.Warn("frame classification failed",
				"error", err,
				"frame_seq", frame.Seq,
				"skipped", n)
		}
		// A frame without a reading still advances the windows
		t.advance(nil, at)
		return
	}

	var ev *detector.BlinkEvent
	if blink, ok := t.det.Observe(open, at); ok {
		ev = &blink
	}
	t.advance(ev, at)
}

// advance moves the aggregator to at. Time never goes backwards inside a
// session.
func (t *Tracker) advance(ev *detector.BlinkEvent, at time.Time) {
	if at.Before(t.lastAt) {
		at = t.lastAt
	}
	t.lastAt = at

	t.emit(t.agg.Tick(ev, at))
	t.maybeSample(at)
}

func (t *Tracker) maybeSample(at time.Time) {
	if t.sampler == nil {
		return
	}
	if !t.lastSample.IsZero() && at.Sub(t.lastSample) < t.config.SampleInterval {
		return
	}
	t.lastSample = at

	sample, err := t.sampler.Sample()
	if err != nil {
		t.logger.Debug("resource sample failed", "error", err)
		return
	}
	t.agg.Sample(sample.CPUPercent, sample.MemoryMB)
	if t.publisher != nil {
		t.publisher.SetEnergyImpact(sample.CPUPercent)
	}
}

// emit hands off everything one tick closed. A tick after a long gap in
// frames can close hours of windows at once.
func (t *Tracker) emit(recs []model.WindowRecord) {
	if len(recs) == 0 {
		return
	}

	t.windows.Add(int64(len(recs)))
	if t.publisher != nil {
		for _, rec := range recs {
			t.publisher.RecordWindow(rec)
		}
	}
	if !t.sink.Submit(recs...) {
		t.dropped.Add(int64(len(recs)))
	}
}

func (t *Tracker) sourceError(err error) {
	t.sourceErrCount.Add(1)
	if n, ok := t.sourceErrs.allow(t.clock.Now()); ok {
		t.logger.Warn("frame capture failed", "error", err, "skipped", n)
	}
}

// finish closes the session at the latest time seen
func (t *Tracker) finish() {
	if t.lastAt.IsZero() {
		return
	}
	t.emit(t.agg.Close(t.lastAt))
}

// Stats returns current worker statistics
func (t *Tracker) Stats() Stats {
	return Stats{
		Frames:           t.frames.Load(),
		ClassifierErrors: t.classifierErrs.Load(),
		SourceErrors:     t.sourceErrCount.Load(),
		Windows:          t.windows.Load(),
		DroppedWindows:   t.dropped.Load(),
	}
}

// errorLimiter allows one log line per interval and counts the rest
type errorLimiter struct {
	interval time.Duration
	last     time.Time
	skipped  int
}

// allow reports whether to log at now, and how many were skipped since the
// last logged one
func (l *errorLimiter) allow(now time.Time) (int, bool) {
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		l.skipped++
		return 0, false
	}
	skipped := l.skipped
	l.last = now
	l.skipped = 0
	return skipped, true
}
