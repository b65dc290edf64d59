// Package app wires the blinksync components into a running process and
// shuts them down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/blinksync/internal/aggregator"
	"github.com/livinlefevreloca/blinksync/internal/buffer"
	"github.com/livinlefevreloca/blinksync/internal/capture"
	"github.com/livinlefevreloca/blinksync/internal/config"
	"github.com/livinlefevreloca/blinksync/internal/detector"
	"github.com/livinlefevreloca/blinksync/internal/logging"
	"github.com/livinlefevreloca/blinksync/internal/netwatch"
	"github.com/livinlefevreloca/blinksync/internal/remote"
	"github.com/livinlefevreloca/blinksync/internal/status"
	"github.com/livinlefevreloca/blinksync/internal/syncer"
	"github.com/livinlefevreloca/blinksync/internal/sysmetrics"
	"github.com/livinlefevreloca/blinksync/internal/tracker"
)

// ErrNoSource means no frame source is configured
var ErrNoSource = errors.New("no frame source configured: set capture.replay_path or pass --replay")

// pendingStore counts records the writer still holds in memory as pending
type pendingStore struct {
	*buffer.Buffer
	writer *buffer.Writer
}

func (s pendingStore) PendingCount() int {
	if s.writer != nil {
		return s.writer.PendingCount()
	}
	return s.Buffer.PendingCount()
}

// Run starts a tracking session and the sync engine. It returns when ctx is
// done or the frame source ends, after an ordered shutdown: the tracker
// stops first, the writer persists what it still holds, then the sync
// engine, network monitor and status server stop, and the buffer is closed
// last.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Capture.ReplayPath == "" {
		return ErrNoSource
	}
	frames, err := capture.LoadReplay(cfg.Capture.ReplayPath)
	if err != nil {
		return err
	}
	source := capture.NewReplaySource(frames, capture.ReplayOptions{
		FPS:      cfg.Capture.FPS,
		Loop:     cfg.Capture.Loop,
		Realtime: true,
	})
	defer source.Close()

	return run(ctx, cfg, source, capture.StateClassifier{}, logger)
}

func run(ctx context.Context, cfg *config.Config, source capture.Source, cls capture.Classifier, logger *slog.Logger) error {
	buf, err := buffer.Open(cfg.Buffer, logging.Component(logger, "buffer"))
	if err != nil {
		return fmt.Errorf("open buffer: %w", err)
	}
	defer buf.Close()

	publisher := status.NewPublisher(logging.Component(logger, "status"))

	writer, err := buffer.NewWriter(cfg.Buffer.Writer, buf, publisher, logging.Component(logger, "writer"))
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}

	engine, err := newEngine(cfg, pendingStore{Buffer: buf, writer: writer}, publisher, logger)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	worker, err := newTracker(cfg, sessionID, source, cls, writer, publisher, logger)
	if err != nil {
		return err
	}

	// Background components outlive ctx until the tracker and writer are done
	bgCtx, cancelBg := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBg()

	writer.Start(bgCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(bgCtx); err != nil {
			logger.Error("sync engine stopped", "error", err)
		}
	}()

	var monitor *netwatch.Monitor
	if cfg.Sync.WatchNetwork {
		monitor = netwatch.New(engine, logging.Component(logger, "netwatch"))
		if err := monitor.Start(bgCtx); err != nil {
			logger.Warn("network monitor unavailable, relying on periodic probes", "error", err)
		}
	}

	server := status.NewServer(cfg.Status, publisher, logging.Component(logger, "status"))
	if err := server.Start(); err != nil {
		logger.Warn("status server unavailable", "error", err, "address", cfg.Status.Address)
	}

	logger.Info("blinksync running",
		"session_id", sessionID,
		"buffer", buf.Path(),
		"endpoint", cfg.Remote.Endpoint,
		"status_address", server.Addr(),
		"pending", buf.PendingCount())

	runErr := worker.Run(ctx)

	logger.Info("shutting down")
	if err := writer.Shutdown(); err != nil {
		logger.Error("buffer writer did not persist every record", "error", err)
	}

	cancelBg()
	wg.Wait()
	if monitor != nil {
		monitor.Stop()
	}
	server.Stop()

	logger.Info("shutdown complete", "pending", buf.PendingCount())
	return runErr
}

// SyncOnce runs a single probe and drain pass against the configured
// endpoint. It fails if a running blinksync process holds the buffer.
func SyncOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) (syncer.Stats, error) {
	buf, err := buffer.Open(cfg.Buffer, logging.Component(logger, "buffer"))
	if err != nil {
		return syncer.Stats{}, fmt.Errorf("open buffer: %w", err)
	}
	defer buf.Close()

	publisher := status.NewPublisher(logging.Component(logger, "status"))
	engine, err := newEngine(cfg, pendingStore{Buffer: buf}, publisher, logger)
	if err != nil {
		return syncer.Stats{}, err
	}

	err = engine.SyncOnce(ctx)
	return engine.Stats(), err
}

func newEngine(cfg *config.Config, store syncer.Store, publisher *status.Publisher, logger *slog.Logger) (*syncer.Engine, error) {
	client, err := remote.NewClient(cfg.Remote, remote.NewFileTokenSource(cfg.Remote.TokenPath))
	if err != nil {
		return nil, fmt.Errorf("create remote client: %w", err)
	}

	engine, err := syncer.New(cfg.Sync, store, client, publisher, logging.Component(logger, "syncer"))
	if err != nil {
		return nil, fmt.Errorf("create sync engine: %w", err)
	}
	return engine, nil
}

func newTracker(
	cfg *config.Config,
	sessionID string,
	source capture.Source,
	cls capture.Classifier,
	sink tracker.RecordSink,
	publisher *status.Publisher,
	logger *slog.Logger,
) (*tracker.Tracker, error) {
	det, err := detector.New(cfg.Detector)
	if err != nil {
		return nil, fmt.Errorf("create detector: %w", err)
	}

	agg, err := aggregator.New(cfg.Aggregator, sessionID, publisher.RaiseAlert,
		logging.Component(logger, "aggregator"))
	if err != nil {
		return nil, fmt.Errorf("create aggregator: %w", err)
	}

	trackerConfig := tracker.DefaultConfig()
	trackerConfig.FrameTimeout = cfg.Capture.FrameTimeout
	trackerConfig.SampleInterval = cfg.Aggregator.SampleInterval

	worker, err := tracker.New(trackerConfig, source, cls, det, agg, sink,
		sysmetrics.New(), publisher, tracker.RealClock,
		logging.Component(logger, "tracker").With("session_id", sessionID))
	if err != nil {
		return nil, fmt.Errorf("create tracker: %w", err)
	}
	return worker, nil
}
