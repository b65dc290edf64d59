package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/livinlefevreloca/blinksync/internal/model"
)

// markBatchSize keeps IN lists well under SQLite's bound parameter limit
const markBatchSize = 500

// =============================================================================
// Window Record Operations
// =============================================================================

const insertWindowQuery = `
	INSERT INTO window_records (local_id, session_id, window_start, window_end,
		blink_count, blink_rate, cpu_usage, memory_usage, synced, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
`

// InsertWindow stores a new unsynced record and sets rec.Seq
func (db *DB) InsertWindow(rec *model.WindowRecord) error {
	return insertWindow(db.DB, rec)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertWindow(ex execer, rec *model.WindowRecord) error {
	result, err := ex.Exec(insertWindowQuery,
		rec.LocalID,
		rec.SessionID,
		formatTime(rec.WindowStart),
		formatTime(rec.WindowEnd),
		rec.BlinkCount,
		rec.BlinkRate,
		rec.CPUUsage,
		rec.MemoryUsage,
		formatTime(time.Now()),
	)
	if err != nil {
		return err
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.Seq = seq
	rec.Synced = false
	return nil
}

// ListWindows returns rows in insertion order. Rows that cannot be decoded
// are returned separately instead of failing the whole scan.
func (db *DB) ListWindows(filter WindowFilter) ([]WindowRow, []MalformedRow, error) {
	query := `
		SELECT seq, local_id, session_id, window_start, window_end, blink_count,
			blink_rate, cpu_usage, memory_usage, synced, created_at, synced_at
		FROM window_records
	`
	var args []any
	if !filter.IncludeSynced {
		query += " WHERE synced = 0"
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var windows []WindowRow
	var malformed []MalformedRow
	for rows.Next() {
		var seq int64
		raw := make([]any, 11)
		dest := make([]any, 0, 12)
		dest = append(dest, &seq)
		for i := range raw {
			dest = append(dest, &raw[i])
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, nil, err
		}

		row, err := decodeWindow(seq, raw)
		if err != nil {
			malformed = append(malformed, MalformedRow{Seq: seq, Reason: err})
			continue
		}
		windows = append(windows, row)
	}

	if err = rows.Err(); err != nil {
		return nil, nil, err
	}

	// Return empty slice instead of nil
	if windows == nil {
		windows = []WindowRow{}
	}

	return windows, malformed, nil
}

// MarkSynced flags the given records as synced in one transaction. Unknown
// ids and rows that are already synced are ignored. It returns the number of
// rows that changed.
func (db *DB) MarkSynced(ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var changed int64
	err := db.WithTransaction(func(tx *Tx) error {
		for start := 0; start < len(ids); start += markBatchSize {
			end := min(start+markBatchSize, len(ids))
			chunk := ids[start:end]

			query := `
				UPDATE window_records
				SET synced = 1, synced_at = ?
				WHERE synced = 0 AND local_id IN (` + placeholders(len(chunk)) + `)
			`
			args := make([]any, 0, len(chunk)+1)
			args = append(args, formatTime(at))
			for _, id := range chunk {
				args = append(args, id)
			}

			result, err := tx.Exec(query, args...)
			if err != nil {
				return err
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			changed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// DeleteSynced removes every synced record
func (db *DB) DeleteSynced() (int64, error) {
	result, err := db.Exec("DELETE FROM window_records WHERE synced = 1")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteWindows removes rows by sequence number
func (db *DB) DeleteWindows(seqs []int64) (int64, error) {
	if len(seqs) == 0 {
		return 0, nil
	}

	var deleted int64
	err := db.WithTransaction(func(tx *Tx) error {
		for start := 0; start < len(seqs); start += markBatchSize {
			end := min(start+markBatchSize, len(seqs))
			chunk := seqs[start:end]

			args := make([]any, len(chunk))
			for i, seq := range chunk {
				args[i] = seq
			}

			result, err := tx.Exec("DELETE FROM window_records WHERE seq IN ("+placeholders(len(chunk))+")", args...)
			if err != nil {
				return err
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// CountWindows returns total, pending and synced row counts
func (db *DB) CountWindows() (WindowCounts, error) {
	var counts WindowCounts
	query := `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0)
		FROM window_records
	`
	if err := db.QueryRow(query).Scan(&counts.Total, &counts.Pending); err != nil {
		return WindowCounts{}, err
	}
	counts.Synced = counts.Total - counts.Pending
	return counts, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// =============================================================================
// Row decoding
// =============================================================================

// decodeWindow converts raw column values. Values arrive as the driver's
// storage classes (int64, float64, string, []byte, nil).
func decodeWindow(seq int64, raw []any) (WindowRow, error) {
	var row WindowRow
	var err error
	row.Seq = seq

	if row.LocalID, err = asString(raw[0], "local_id"); err != nil {
		return row, err
	}
	if row.SessionID, err = asString(raw[1], "session_id"); err != nil {
		return row, err
	}
	if row.WindowStart, err = asTime(raw[2], "window_start"); err != nil {
		return row, err
	}
	if row.WindowEnd, err = asTime(raw[3], "window_end"); err != nil {
		return row, err
	}
	count, err := asInt(raw[4], "blink_count")
	if err != nil {
		return row, err
	}
	row.BlinkCount = int(count)
	if row.BlinkRate, err = asFloat(raw[5], "blink_rate"); err != nil {
		return row, err
	}
	if row.CPUUsage, err = asFloat(raw[6], "cpu_usage"); err != nil {
		return row, err
	}
	if row.MemoryUsage, err = asFloat(raw[7], "memory_usage"); err != nil {
		return row, err
	}
	synced, err := asInt(raw[8], "synced")
	if err != nil {
		return row, err
	}
	row.Synced = synced != 0
	if row.CreatedAt, err = asTime(raw[9], "created_at"); err != nil {
		return row, err
	}
	if raw[10] != nil {
		if row.SyncedAt, err = asTime(raw[10], "synced_at"); err != nil {
			return row, err
		}
	}

	if err := row.WindowRecord.Validate(); err != nil {
		return row, err
	}
	return row, nil
}

func asString(v any, column string) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("%s: unexpected value %T", column, v)
	}
}

func asTime(v any, column string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string, []byte:
		s, _ := asString(t, column)
		parsed, err := time.Parse(timeLayout, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", column, err)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("%s: unexpected value %T", column, v)
	}
}

func asInt(v any, column string) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("%s: unexpected value %T", column, v)
	}
}

func asFloat(v any, column string) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case int64:
		return float64(f), nil
	default:
		return 0, fmt.Errorf("%s: unexpected value %T", column, v)
	}
}
