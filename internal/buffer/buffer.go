// Package buffer is the durable local store of window records. Records are
// appended by the detection side, read oldest-first and marked synced by the
// sync engine, and removed by Compact once synced.
package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/livinlefevreloca/blinksync/internal/db"
	"github.com/livinlefevreloca/blinksync/internal/model"
	"github.com/livinlefevreloca/blinksync/tools/migrator"
)

// Buffer is safe for concurrent use. A single mutex serializes Append
// against MarkSynced and Compact.
type Buffer struct {
	config Config
	logger *slog.Logger
	lock   *flock.Flock

	mu      sync.Mutex
	db      *db.DB
	pending int
	closed  bool
	now     func() time.Time
}

// Open acquires the buffer's lock file, opens or creates the buffer file,
// applies the schema and loads it. Malformed rows are dropped with a
// warning; a file that fails its integrity check is moved aside and replaced
// by an empty one. Open fails only when the file cannot be opened at all or
// another process holds it.
func Open(config Config, logger *slog.Logger) (*Buffer, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o700); err != nil {
		return nil, writeError("create directory", err)
	}

	lock := flock.New(config.Path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire buffer lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, config.Path)
	}

	b := &Buffer{
		config: config,
		logger: logger,
		lock:   lock,
		now:    time.Now,
	}

	if err := b.load(); err != nil {
		lock.Unlock()
		return nil, err
	}

	logger.Info("buffer opened",
		"path", config.Path,
		"pending", b.pending)

	return b, nil
}

func (b *Buffer) load() error {
	database, err := b.openChecked()
	if err != nil {
		return err
	}

	if err := migrator.RunMigrations(database.DB, db.Migrations, db.MigrationsDir); err != nil {
		database.Close()
		return fmt.Errorf("migrate buffer: %w", err)
	}

	b.db = database
	if err := b.dropMalformed(); err != nil {
		database.Close()
		return err
	}

	counts, err := database.CountWindows()
	if err != nil {
		database.Close()
		return fmt.Errorf("count buffered records: %w", err)
	}
	b.pending = counts.Pending
	return nil
}

// openChecked opens the file and verifies it. A damaged file is renamed so
// its contents can still be inspected, and a fresh file takes its place.
func (b *Buffer) openChecked() (*db.DB, error) {
	database, err := db.Open(b.config.Path, b.config.DB)
	if err == nil {
		err = database.QuickCheck()
		if err == nil {
			return database, nil
		}
		database.Close()
	}

	if !db.IsCorrupt(err) {
		return nil, fmt.Errorf("open buffer: %w", err)
	}

	aside := fmt.Sprintf("%s.corrupt-%d", b.config.Path, time.Now().Unix())
	b.logger.Error("buffer file is damaged, starting a new one",
		"path", b.config.Path,
		"moved_to", aside,
		"error", err)

	if err := os.Rename(b.config.Path, aside); err != nil {
		return nil, fmt.Errorf("move damaged buffer aside: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(b.config.Path+suffix, aside+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("failed to move buffer sidecar file", "file", b.config.Path+suffix, "error", err)
		}
	}

	database, err = db.Open(b.config.Path, b.config.DB)
	if err != nil {
		return nil, fmt.Errorf("open buffer: %w", err)
	}
	return database, nil
}

// dropMalformed deletes rows that do not decode into valid records
func (b *Buffer) dropMalformed() error {
	_, malformed, err := b.db.ListWindows(db.WindowFilter{IncludeSynced: true})
	if err != nil {
		return fmt.Errorf("load buffer: %w", err)
	}
	return b.deleteMalformed(malformed)
}

func (b *Buffer) deleteMalformed(malformed []db.MalformedRow) error {
	if len(malformed) == 0 {
		return nil
	}

	seqs := make([]int64, len(malformed))
	for i, m := range malformed {
		b.logger.Warn("dropping malformed buffer record",
			"seq", m.Seq,
			"reason", m.Reason)
		seqs[i] = m.Seq
	}

	if _, err := b.db.DeleteWindows(seqs); err != nil {
		return writeError("drop malformed", err)
	}
	return nil
}

// Append durably stores rec. When it returns nil the record is on disk and
// will be present after a restart; on error nothing was stored. Appending a
// local_id that is already buffered is a no-op.
func (b *Buffer) Append(rec model.WindowRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if err := b.db.InsertWindow(&rec); err != nil {
		if db.IsDuplicate(err) {
			b.logger.Debug("record already buffered", "local_id", rec.LocalID)
			return nil
		}
		return writeError("append", err)
	}

	b.pending++
	return nil
}

// Pending returns unsynced records in insertion order. limit <= 0 returns
// all of them.
func (b *Buffer) Pending(limit int) ([]model.WindowRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	rows, malformed, err := b.db.ListWindows(db.WindowFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("read pending records: %w", err)
	}
	if len(malformed) > 0 {
		// Rows edited behind our back; drop them like on load
		if err := b.deleteMalformed(malformed); err != nil {
			b.logger.Warn("failed to drop malformed records", "error", err)
		} else {
			b.pending -= len(malformed)
		}
	}

	records := make([]model.WindowRecord, len(rows))
	for i, row := range rows {
		records[i] = row.WindowRecord
	}
	return records, nil
}

// MarkSynced flags ids as confirmed by the remote. Unknown and already
// synced ids are ignored. It returns how many records changed.
func (b *Buffer) MarkSynced(ids []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	changed, err := b.db.MarkSynced(ids, b.now())
	if err != nil {
		return 0, writeError("mark synced", err)
	}

	b.pending -= int(changed)
	return int(changed), nil
}

// Compact removes synced records and returns how many were removed
func (b *Buffer) Compact() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	removed, err := b.db.DeleteSynced()
	if err != nil {
		return 0, writeError("compact", err)
	}

	if removed > 0 {
		b.logger.Debug("buffer compacted", "removed", removed)
	}
	return int(removed), nil
}

// PendingCount returns the number of unsynced records
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// List returns stored rows, including synced ones when includeSynced is set
func (b *Buffer) List(includeSynced bool, limit int) ([]db.WindowRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	rows, _, err := b.db.ListWindows(db.WindowFilter{IncludeSynced: includeSynced, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return rows, nil
}

// Counts returns total, pending and synced record counts
func (b *Buffer) Counts() (db.WindowCounts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return db.WindowCounts{}, ErrClosed
	}
	return b.db.CountWindows()
}

// Path returns the buffer file location
func (b *Buffer) Path() string {
	return b.config.Path
}

// Close closes the file and releases the lock. It is safe to call twice.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	err := b.db.Close()
	if unlockErr := b.lock.Unlock(); unlockErr != nil {
		b.logger.Warn("failed to release buffer lock", "error", unlockErr)
	}

	b.logger.Info("buffer closed", "pending", b.pending)
	return err
}
