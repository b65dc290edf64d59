package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DB wraps sql.DB with additional context
type DB struct {
	*sql.DB
	path string
}

// Tx wraps sql.Tx with additional context
type Tx struct {
	*sql.Tx
	db *DB
}

// Config holds the connection settings for a buffer file
type Config struct {
	// BusyTimeout bounds how long a statement waits on a locked file
	BusyTimeout time.Duration `toml:"busy_timeout"`

	// Synchronous is the SQLite synchronous pragma. FULL fsyncs on every
	// commit so an acknowledged append survives power loss.
	Synchronous string `toml:"synchronous"`
}

// DefaultConfig returns crash-safe settings
func DefaultConfig() Config {
	return Config{
		BusyTimeout: 5 * time.Second,
		Synchronous: "FULL",
	}
}

// Standard errors
var (
	ErrCorrupt = errors.New("db: integrity check failed")
)

// Open opens the SQLite file at path in WAL mode. The pool is limited to a
// single connection so every write is serialized through one handle.
func Open(path string, config Config) (*DB, error) {
	switch strings.ToUpper(config.Synchronous) {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return nil, fmt.Errorf("invalid synchronous mode %q", config.Synchronous)
	}

	db, err := sql.Open("sqlite3", dsn(path, config))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{
		DB:   db,
		path: path,
	}, nil
}

func dsn(path string, config Config) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", strings.ToUpper(config.Synchronous))
	params.Set("_busy_timeout", fmt.Sprintf("%d", config.BusyTimeout.Milliseconds()))
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}

// Path returns the file backing the database
func (db *DB) Path() string {
	return db.path
}

// Begin starts a new transaction
func (db *DB) Begin() (*Tx, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (db *DB) WithTransaction(fn func(*Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// QuickCheck runs SQLite's quick_check and returns ErrCorrupt if the file
// fails it
func (db *DB) QuickCheck() error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		if IsCorrupt(err) {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return err
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

// Error classification functions

func sqliteCode(err error) (sqlite3.ErrNo, bool) {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok && code == sqlite3.ErrConstraint {
		return strings.Contains(err.Error(), "UNIQUE")
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsDiskFull checks if the write failed because the disk or quota is full
func IsDiskFull(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok {
		return code == sqlite3.ErrFull
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "database or disk is full") ||
		strings.Contains(errMsg, "no space left on device")
}

// IsReadOnly checks if the write failed because the file is not writable
func IsReadOnly(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok {
		return code == sqlite3.ErrReadonly || code == sqlite3.ErrPerm
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "readonly database") ||
		strings.Contains(errMsg, "read-only file system")
}

// IsCorrupt checks if the file is damaged or not a database at all
func IsCorrupt(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCorrupt) {
		return true
	}
	if code, ok := sqliteCode(err); ok {
		return code == sqlite3.ErrCorrupt || code == sqlite3.ErrNotADB
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "malformed") ||
		strings.Contains(errMsg, "file is not a database")
}
