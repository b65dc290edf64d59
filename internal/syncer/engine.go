// Package syncer uploads buffered window records to the remote endpoint.
//
// The Engine is a three-state machine (offline, online, syncing) driven by a
// probe schedule, capped exponential backoff after failures, and network-up
// notifications. A record is marked synced only after the remote confirmed
// its local id, so every failure mode leaves records pending and a later pass
// resends them. The remote treats resends as duplicates by local id.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/blinksync/internal/model"
	"github.com/livinlefevreloca/blinksync/internal/remote"
)

// Store is the part of the buffer the engine reads and confirms
type Store interface {
	Pending(limit int) ([]model.WindowRecord, error)
	MarkSynced(ids []string) (int, error)
	Compact() (int, error)
	PendingCount() int
}

// Remote is the upload endpoint
type Remote interface {
	Probe(ctx context.Context) error
	SubmitBatch(ctx context.Context, recs []model.WindowRecord) ([]string, error)
	CheckAuth(ctx context.Context) error
}

// Publisher receives sync progress for the status snapshot
type Publisher interface {
	SetConnectivity(state model.ConnectivityState)
	SetPendingCount(n int)
	SetNeedsReauth(needed bool)
	SetLastSync(at time.Time)
}

// ErrNothingConfirmed is returned when the remote answered but confirmed
// none of the batch
var ErrNothingConfirmed = errors.New("sync: remote confirmed no records")

// Stats is a point-in-time view of the engine
type Stats struct {
	State               model.ConnectivityState
	Attempts            int64
	ConsecutiveFailures int
	Synced              int64
	LastSync            time.Time
	LastError           error
}

// Engine owns the connectivity state. Only the engine changes it.
type Engine struct {
	config    Config
	store     Store
	remote    Remote
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	notify chan struct{}

	// Serializes passes so Run and SyncOnce never upload the same batch twice
	passMu sync.Mutex

	mu          sync.Mutex
	state       model.ConnectivityState
	failures    int
	lastFailure time.Time
	lastSync    time.Time
	lastErr     error
	attempts    int64
	synced      int64
}

// New creates an engine in the offline state
func New(config Config, store Store, client Remote, publisher Publisher, logger *slog.Logger) (*Engine, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	e := &Engine{
		config:    config,
		store:     store,
		remote:    client,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		notify:    make(chan struct{}, 1),
		state:     model.Offline,
	}
	publisher.SetConnectivity(model.Offline)
	publisher.SetPendingCount(store.PendingCount())
	return e, nil
}

// State returns the current connectivity state
func (e *Engine) State() model.ConnectivityState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns current engine statistics
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		State:               e.state,
		Attempts:            e.attempts,
		ConsecutiveFailures: e.failures,
		Synced:              e.synced,
		LastSync:            e.lastSync,
		LastError:           e.lastErr,
	}
}

// Notify requests an immediate attempt, typically on network-up.
// Repeated calls before the engine reacts coalesce into one.
func (e *Engine) Notify() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Run drives the engine until ctx is done. The first attempt starts
// immediately.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine started",
		"probe_interval", e.config.ProbeInterval,
		"batch_size", e.config.BatchSize)

	next := e.now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopped", "state", e.State())
			return nil

		case <-e.notify:
			// Skip the scheduled wait but keep the floor after a failure
			at := e.earliestRetry()
			if !at.Before(next) {
				e.logger.Debug("network change ignored, attempt already due", "next", next)
				continue
			}
			next = at
			if wait := next.Sub(e.now()); wait > 0 {
				e.logger.Debug("network change, attempt deferred to retry floor", "wait", wait)
				timer.Reset(wait)
				continue
			}
			e.logger.Debug("network change, attempting sync now")

		case <-timer.C:
		}

		delay := e.Step(ctx)
		next = e.now().Add(delay)
		timer.Reset(delay)
	}
}

// Step runs one attempt (probe, then drain when records are pending) and
// returns the delay until the next one.
func (e *Engine) Step(ctx context.Context) time.Duration {
	if err := e.SyncOnce(ctx); err != nil {
		return e.retryDelay()
	}
	return e.config.ProbeInterval
}

// SyncOnce probes the endpoint and, when it answers, uploads pending records
// batch by batch until the buffer is drained or a batch is not fully
// confirmed.
func (e *Engine) SyncOnce(ctx context.Context) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.mu.Lock()
	e.attempts++
	e.mu.Unlock()

	if err := e.probe(ctx); err != nil {
		return e.fail("probe", err)
	}
	e.transitionTo(model.Online)

	if e.store.PendingCount() == 0 {
		e.checkAuth(ctx)
		e.succeed(0)
		return nil
	}

	e.transitionTo(model.Syncing)
	total, err := e.drain(ctx)
	if err != nil {
		return e.fail("sync", err)
	}

	e.compact()
	e.transitionTo(model.Online)
	e.succeed(total)
	return nil
}

func (e *Engine) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	defer cancel()
	return e.remote.Probe(ctx)
}

// checkAuth clears the re-login flag once a usable token is back. With
// nothing pending no upload would do it.
func (e *Engine) checkAuth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	defer cancel()

	if err := e.remote.CheckAuth(ctx); err != nil {
		e.logger.Debug("no usable token", "error", err)
		return
	}
	e.publisher.SetNeedsReauth(false)
}

// drain uploads batches while each one is fully confirmed. It returns the
// number of records marked synced.
func (e *Engine) drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batch, err := e.store.Pending(e.config.BatchSize)
		if err != nil {
			return total, fmt.Errorf("reading pending records: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		attempt, accepted := e.submit(ctx, batch)
		if attempt.Err != nil {
			return total, attempt.Err
		}
		if attempt.Accepted == 0 {
			return total, ErrNothingConfirmed
		}

		marked, err := e.store.MarkSynced(accepted)
		total += marked
		e.mu.Lock()
		e.synced += int64(marked)
		e.mu.Unlock()
		e.publisher.SetPendingCount(e.store.PendingCount())
		if err != nil {
			return total, fmt.Errorf("marking records synced: %w", err)
		}

		e.logger.Debug("batch uploaded",
			"batch_size", len(attempt.IDs),
			"accepted", attempt.Accepted,
			"first_local_id", attempt.IDs[0])

		if !attempt.Succeeded() {
			// Unconfirmed records stay pending for the next pass
			e.logger.Warn("batch partially confirmed",
				"batch_size", len(attempt.IDs),
				"accepted", attempt.Accepted)
			return total, nil
		}
	}
}

// submit uploads one batch and returns the outcome with the confirmed ids
func (e *Engine) submit(ctx context.Context, batch []model.WindowRecord) (model.SyncAttempt, []string) {
	ids := make([]string, 0, len(batch))
	for _, rec := range batch {
		ids = append(ids, rec.LocalID)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	defer cancel()

	accepted, err := e.remote.SubmitBatch(ctx, batch)
	if errors.Is(err, remote.ErrUnauthorized) {
		e.publisher.SetNeedsReauth(true)
	} else if err == nil {
		e.publisher.SetNeedsReauth(false)
	}

	attempt := model.SyncAttempt{
		IDs:      ids,
		Accepted: len(accepted),
		Err:      err,
		At:       e.now(),
	}
	return attempt, accepted
}

func (e *Engine) compact() {
	if !e.config.CompactAfterSync {
		return
	}
	removed, err := e.store.Compact()
	if err != nil {
		e.logger.Warn("failed to compact buffer", "error", err)
		return
	}
	if removed > 0 {
		e.logger.Debug("compacted buffer", "removed", removed)
	}
}

func (e *Engine) succeed(synced int) {
	now := e.now()

	e.mu.Lock()
	recovered := e.failures > 0
	e.failures = 0
	e.lastErr = nil
	e.lastSync = now
	e.mu.Unlock()

	if recovered {
		e.logger.Info("sync recovered")
	}
	if synced > 0 {
		e.logger.Info("sync pass complete", "synced", synced, "pending", e.store.PendingCount())
	}
	e.publisher.SetLastSync(now)
	e.publisher.SetPendingCount(e.store.PendingCount())
}

// fail records a failed attempt, moves to offline and returns err
func (e *Engine) fail(stage string, err error) error {
	e.mu.Lock()
	e.failures++
	e.lastFailure = e.now()
	e.lastErr = err
	failures := e.failures
	e.mu.Unlock()

	e.transitionTo(model.Offline)
	e.publisher.SetPendingCount(e.store.PendingCount())

	e.logger.Warn("sync attempt failed",
		"stage", stage,
		"consecutive_failures", failures,
		"retry_in", e.retryDelay(),
		"error", err)
	return fmt.Errorf("%s: %w", stage, err)
}

// retryDelay returns min(max, min*2^(n-1)) for n consecutive failures
func (e *Engine) retryDelay() time.Duration {
	e.mu.Lock()
	failures := e.failures
	e.mu.Unlock()
	return backoff(failures, e.config.MinRetryDelay, e.config.MaxRetryDelay)
}

// earliestRetry is the earliest time a notification may trigger an attempt
func (e *Engine) earliestRetry() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.failures == 0 {
		return now
	}
	floor := e.lastFailure.Add(e.config.MinRetryDelay)
	if floor.After(now) {
		return floor
	}
	return now
}

func backoff(failures int, minDelay, maxDelay time.Duration) time.Duration {
	if failures <= 1 {
		return minDelay
	}
	delay := minDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	return delay
}

// transitionTo changes state and publishes it
func (e *Engine) transitionTo(newState model.ConnectivityState) {
	e.mu.Lock()
	oldState := e.state
	e.state = newState
	e.mu.Unlock()

	if oldState == newState {
		return
	}

	e.logger.Info("sync state transition",
		"from", oldState,
		"to", newState)
	e.publisher.SetConnectivity(newState)
}
