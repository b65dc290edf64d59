package buffer

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/livinlefevreloca/blinksync/internal/db"
)

var (
	// ErrWriteFailed matches every WriteError
	ErrWriteFailed = errors.New("buffer: write failed")

	// ErrClosed is returned by operations on a closed buffer
	ErrClosed = errors.New("buffer: closed")

	// ErrLocked means another process holds the buffer file
	ErrLocked = errors.New("buffer: in use by another process")

	// ErrInvalidRecord wraps record validation failures on Append
	ErrInvalidRecord = errors.New("buffer: invalid record")
)

// WriteError reports that the buffer file could not be changed. The
// operation had no effect; the caller still owns the data.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("buffer: %s failed: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrWriteFailed) hold for any WriteError
func (e *WriteError) Is(target error) bool {
	return target == ErrWriteFailed
}

// DiskFull reports whether the disk or quota is exhausted
func (e *WriteError) DiskFull() bool {
	return db.IsDiskFull(e.Err)
}

// PermissionDenied reports whether the file or directory is not writable
func (e *WriteError) PermissionDenied() bool {
	return db.IsReadOnly(e.Err) || errors.Is(e.Err, fs.ErrPermission)
}

func writeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &WriteError{Op: op, Err: err}
}
