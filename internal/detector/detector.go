// Package detector turns a stream of eye open/closed readings into blink events.
package detector

import (
	"fmt"
	"time"
)

// EyeState is the detector's two-state machine
type EyeState int

const (
	EyeOpen EyeState = iota
	EyeClosed
)

func (s EyeState) String() string {
	switch s {
	case EyeOpen:
		return "open"
	case EyeClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// BlinkEvent marks a completed closed -> open transition.
// At keeps Go's monotonic reading alongside the wall clock.
type BlinkEvent struct {
	At  time.Time
	Seq uint64 // 1-based count of blinks since the detector was created or reset
}

// Config controls debouncing
type Config struct {
	// Closed readings required before a reopen counts as a blink.
	// 1 counts every closed -> open edge.
	MinClosedFrames int `toml:"min_closed_frames"`
}

// DefaultConfig counts every closed -> open edge
func DefaultConfig() Config {
	return Config{MinClosedFrames: 1}
}

func validateConfig(config Config) error {
	if config.MinClosedFrames <= 0 {
		return fmt.Errorf("MinClosedFrames must be positive, got %d", config.MinClosedFrames)
	}
	return nil
}

// Detector is not safe for concurrent use; it belongs to the detection worker
type Detector struct {
	config       Config
	state        EyeState
	closedFrames int
	blinks       uint64
}

// New creates a detector starting in EyeOpen
func New(config Config) (*Detector, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return &Detector{config: config, state: EyeOpen}, nil
}

// Observe feeds one classifier reading. It returns an event only when the
// eye reopens after having been closed; repeated identical readings never emit.
func (d *Detector) Observe(eyeOpen bool, at time.Time) (BlinkEvent, bool) {
	if !eyeOpen {
		d.state = EyeClosed
		d.closedFrames++
		return BlinkEvent{}, false
	}

	if d.state == EyeOpen {
		return BlinkEvent{}, false
	}

	closed := d.closedFrames
	d.state = EyeOpen
	d.closedFrames = 0

	if closed < d.config.MinClosedFrames {
		return BlinkEvent{}, false
	}

	d.blinks++
	return BlinkEvent{At: at, Seq: d.blinks}, true
}

// State returns the current eye state
func (d *Detector) State() EyeState {
	return d.state
}

// Blinks returns the number of events emitted so far
func (d *Detector) Blinks() uint64 {
	return d.blinks
}

// Reset returns the detector to EyeOpen with a zero count, as after a restart
func (d *Detector) Reset() {
	d.state = EyeOpen
	d.closedFrames = 0
	d.blinks = 0
}
