// Package model holds the value types shared by the detection worker, the
// buffer and the sync engine.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ConnectivityState is the process-wide sync connectivity indicator.
// Only the sync engine changes it.
type ConnectivityState int

const (
	Offline ConnectivityState = iota
	Online
	Syncing
)

func (s ConnectivityState) String() string {
	switch s {
	case Offline:
		return "offline"
	case Online:
		return "online"
	case Syncing:
		return "syncing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON and TOML output
func (s ConnectivityState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *ConnectivityState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "offline":
		*s = Offline
	case "online":
		*s = Online
	case "syncing":
		*s = Syncing
	default:
		return fmt.Errorf("unknown connectivity state %q", string(text))
	}
	return nil
}

// WindowRecord is the aggregated result of one blink window.
// Everything except Synced is fixed once the aggregator creates it.
type WindowRecord struct {
	Seq         int64 // insertion order inside the buffer, assigned on append
	LocalID     string
	SessionID   string
	WindowStart time.Time
	WindowEnd   time.Time
	BlinkCount  int
	BlinkRate   float64 // blinks per minute
	CPUUsage    float64 // average process CPU percent over the window
	MemoryUsage float64 // average memory in use, MB
	Synced      bool
}

// Errors returned by WindowRecord.Validate
var (
	ErrMissingLocalID  = errors.New("record: missing local id")
	ErrEmptyWindow     = errors.New("record: window end must be after window start")
	ErrNegativeCount   = errors.New("record: negative blink count")
	ErrInvalidRate     = errors.New("record: invalid blink rate")
	ErrInvalidResource = errors.New("record: invalid resource usage")
)

// Validate checks the structural invariants of a record
func (r WindowRecord) Validate() error {
	if r.LocalID == "" {
		return ErrMissingLocalID
	}
	if !r.WindowEnd.After(r.WindowStart) {
		return ErrEmptyWindow
	}
	if r.BlinkCount < 0 {
		return ErrNegativeCount
	}
	if r.BlinkRate < 0 || r.BlinkRate != r.BlinkRate {
		return ErrInvalidRate
	}
	if r.CPUUsage < 0 || r.MemoryUsage < 0 {
		return ErrInvalidResource
	}
	return nil
}

// Duration returns the length of the record's window
func (r WindowRecord) Duration() time.Duration {
	return r.WindowEnd.Sub(r.WindowStart)
}

// AlertKind identifies what an Alert is about
type AlertKind int

const (
	AlertLowBlinkRate AlertKind = iota
	AlertStorageDegraded
	AlertNeedsReauth
)

func (k AlertKind) String() string {
	switch k {
	case AlertLowBlinkRate:
		return "low_blink_rate"
	case AlertStorageDegraded:
		return "storage_degraded"
	case AlertNeedsReauth:
		return "needs_reauth"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// MarshalText renders the kind by name
func (k AlertKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name
func (k *AlertKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "low_blink_rate":
		*k = AlertLowBlinkRate
	case "storage_degraded":
		*k = AlertStorageDegraded
	case "needs_reauth":
		*k = AlertNeedsReauth
	default:
		return fmt.Errorf("unknown alert kind %q", string(text))
	}
	return nil
}

// Alert is a discrete notification for the presentation layer.
// Window fields and rates are only set for AlertLowBlinkRate.
type Alert struct {
	Kind        AlertKind `json:"kind"`
	WindowStart time.Time `json:"window_start,omitzero"`
	WindowEnd   time.Time `json:"window_end,omitzero"`
	BlinkRate   float64   `json:"blink_rate,omitempty"`
	Threshold   float64   `json:"threshold,omitempty"`
	RaisedAt    time.Time `json:"raised_at"`
}

// SyncAttempt describes one batch submission. It is never persisted.
type SyncAttempt struct {
	IDs      []string
	Accepted int
	Err      error
	At       time.Time
}

// Succeeded reports whether every id in the batch was confirmed
func (a SyncAttempt) Succeeded() bool {
	return a.Err == nil && a.Accepted == len(a.IDs)
}
