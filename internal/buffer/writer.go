package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/livinlefevreloca/blinksync/internal/inbox"
	"github.com/livinlefevreloca/blinksync/internal/model"
)

// Store is the part of Buffer the writer needs
type Store interface {
	Append(rec model.WindowRecord) error
	PendingCount() int
}

// Reporter receives storage health and backlog updates
type Reporter interface {
	SetStorageDegraded(degraded bool)
	SetPendingCount(n int)
}

// WriterStats is a point-in-time view of the writer
type WriterStats struct {
	Queued    int   // batches waiting in the hand-off queue
	MaxQueued int   // deepest the hand-off queue has been
	Held      int   // accepted but not yet on disk
	Written   int64 // appended successfully
	Dropped   int64 // lost to a full queue or the in-memory bound
}

// Writer moves records from the detection worker to the buffer file on its
// own goroutine so the detection worker never waits on disk I/O. Records
// that cannot be written are held in memory, in order, and retried.
type Writer struct {
	config   WriterConfig
	store    Store
	reporter Reporter
	logger   *slog.Logger

	inbox *inbox.Inbox[[]model.WindowRecord]

	// mu guards held. It is also held across each Append so PendingCount
	// never sees a record both in the store and in memory.
	mu   sync.Mutex
	held []model.WindowRecord

	// Owned by the run goroutine
	degraded bool

	written atomic.Int64
	dropped atomic.Int64

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewWriter creates a writer; call Start to begin persisting
func NewWriter(config WriterConfig, store Store, reporter Reporter, logger *slog.Logger) (*Writer, error) {
	if err := validateWriterConfig(config); err != nil {
		return nil, err
	}

	return &Writer{
		config:   config,
		store:    store,
		reporter: reporter,
		logger:   logger,
		inbox:    inbox.New[[]model.WindowRecord](config.QueueSize),
	}, nil
}

// Submit hands recs to the writer as one batch without blocking. It returns
// false when the hand-off queue is full; the whole batch is then lost and
// counted as dropped.
func (w *Writer) Submit(recs ...model.WindowRecord) bool {
	if len(recs) == 0 {
		return true
	}

	batch := make([]model.WindowRecord, len(recs))
	copy(batch, recs)
	if w.inbox.Offer(batch) {
		return true
	}

	w.dropped.Add(int64(len(batch)))
	w.logger.Error("record hand-off queue full, dropping records",
		"count", len(batch),
		"first_local_id", batch[0].LocalID,
		"window_start", batch[0].WindowStart,
		"queue_size", w.config.QueueSize)
	return false
}

// Start launches the background writer goroutine
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		batch, err := w.receive(ctx)
		if err == nil {
			w.hold(batch...)
			w.flush()
			continue
		}

		if errors.Is(err, inbox.ErrClosed) {
			// Final persist attempt for anything still held
			w.flush()
			break
		}
		if ctx.Err() != nil {
			for _, batch := range w.inbox.Drain() {
				w.hold(batch...)
			}
			w.flush()
			break
		}

		// Retry interval elapsed with nothing new
		w.flush()
	}

	if n := len(w.held); n > 0 {
		w.logger.Error("buffer writer stopped with unpersisted records", "count", n)
	}
	queue := w.inbox.GetStats()
	w.logger.Debug("buffer writer shut down",
		"batches", queue.TotalReceived,
		"max_queue_depth", queue.MaxDepthSeen)
}

// receive waits for the next batch. While records are held it gives up
// after the retry interval so they can be retried.
func (w *Writer) receive(ctx context.Context) ([]model.WindowRecord, error) {
	if len(w.held) == 0 {
		return w.inbox.Receive(ctx)
	}

	retryCtx, cancel := context.WithTimeout(ctx, w.config.WriteRetryInterval)
	defer cancel()
	return w.inbox.Receive(retryCtx)
}

// hold queues records for writing, dropping the oldest past the bound
func (w *Writer) hold(recs ...model.WindowRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.held = append(w.held, recs...)
	for len(w.held) > w.config.MaxInMemoryRecords {
		lost := w.held[0]
		w.held = w.held[1:]
		w.dropped.Add(1)
		w.logger.Error("in-memory record limit reached, dropping oldest record",
			"local_id", lost.LocalID,
			"window_start", lost.WindowStart,
			"limit", w.config.MaxInMemoryRecords)
	}
}

// flush appends held records in order and stops at the first failure
func (w *Writer) flush() {
	for len(w.held) > 0 {
		rec, err := w.appendNext()

		if errors.Is(err, ErrInvalidRecord) {
			w.logger.Error("discarding invalid record", "local_id", rec.LocalID, "error", err)
			continue
		}

		if err != nil {
			w.markDegraded(err)
			break
		}

		w.written.Add(1)
		w.logger.Debug("wrote window record",
			"local_id", rec.LocalID,
			"window_start", rec.WindowStart,
			"blink_count", rec.BlinkCount)
	}

	if len(w.held) == 0 && w.degraded {
		w.degraded = false
		w.logger.Info("buffer storage recovered")
		w.reporter.SetStorageDegraded(false)
	}
	w.reporter.SetPendingCount(w.PendingCount())
}

// appendNext writes the oldest held record and releases it from memory
// unless the store must retry it
func (w *Writer) appendNext() (model.WindowRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := w.held[0]
	err := w.store.Append(rec)
	if err == nil || errors.Is(err, ErrInvalidRecord) {
		w.held = w.held[1:]
	}
	return rec, err
}

func (w *Writer) markDegraded(err error) {
	if w.degraded {
		w.logger.Debug("buffer append still failing", "held", len(w.held), "error", err)
		return
	}
	w.degraded = true

	attrs := []any{"held", len(w.held), "error", err}
	var we *WriteError
	if errors.As(err, &we) {
		attrs = append(attrs, "disk_full", we.DiskFull(), "permission_denied", we.PermissionDenied())
	}
	w.logger.Error("buffer append failed, keeping records in memory", attrs...)
	w.reporter.SetStorageDegraded(true)
}

// PendingCount returns the records not yet synced: those in the store plus
// those held in memory. A record being appended is counted exactly once.
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.PendingCount() + len(w.held)
}

// Stats returns current writer statistics
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	held := len(w.held)
	w.mu.Unlock()

	queue := w.inbox.GetStats()
	return WriterStats{
		Queued:    queue.CurrentDepth,
		MaxQueued: queue.MaxDepthSeen,
		Held:      held,
		Written:   w.written.Load(),
		Dropped:   w.dropped.Load(),
	}
}

// Shutdown stops accepting records, writes everything still queued with a
// final persist attempt, and waits for the writer goroutine to exit. Submit
// must not be called once Shutdown has started.
func (w *Writer) Shutdown() error {
	w.shutdownOnce.Do(func() {
		w.logger.Info("starting buffer writer shutdown", "queued", w.inbox.Len())
		w.inbox.Close()
	})
	w.wg.Wait()

	if n := w.Stats().Held; n > 0 {
		return &WriteError{Op: "shutdown", Err: fmt.Errorf("%d records not persisted", n)}
	}
	w.logger.Info("buffer writer shutdown complete")
	return nil
}
