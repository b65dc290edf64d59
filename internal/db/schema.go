package db

import (
	"embed"
	"time"

	"github.com/livinlefevreloca/blinksync/internal/model"
)

// Migrations holds the buffer file schema, applied by tools/migrator
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations holding the files
const MigrationsDir = "migrations"

// timeLayout is used for every timestamp column. Stored as UTC text so the
// file stays readable with the sqlite3 shell.
const timeLayout = time.RFC3339Nano

// WindowRow is a window_records row
type WindowRow struct {
	model.WindowRecord
	CreatedAt time.Time
	SyncedAt  time.Time // zero while unsynced
}

// WindowFilter selects rows for ListWindows
type WindowFilter struct {
	IncludeSynced bool
	Limit         int // <= 0 means no limit
}

// MalformedRow is a row that could not be decoded into a valid record
type MalformedRow struct {
	Seq    int64
	Reason error
}

// WindowCounts summarizes the buffer contents
type WindowCounts struct {
	Total   int
	Pending int
	Synced  int
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
