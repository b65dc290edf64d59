// Package capture is the boundary between the detection worker and the
// camera. A Source produces frames and a Classifier turns each frame into an
// eye-open reading. Camera access and face landmark models live behind these
// interfaces; this package ships a replay implementation of both.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors shared by sources and classifiers
var (
	ErrEndOfStream = errors.New("capture: end of stream")
	ErrNoFace      = errors.New("capture: no face in frame")
)

// Frame is one captured image. Data must not be modified once the frame has
// been handed out.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time // source time, not processing time
	Seq       uint64
}

// Source produces frames in capture order
type Source interface {
	// Next blocks until the next frame is available or ctx is done.
	// It returns ErrEndOfStream when the source is exhausted.
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Classifier reports whether the eyes in a frame are open. A frame without a
// usable face yields ErrNoFace.
type Classifier interface {
	Classify(frame Frame) (eyeOpen bool, err error)
}

// Config defines the frame source
type Config struct {
	// Frames per second to deliver
	FPS float64 `toml:"fps"`

	// Replay script to read frames from
	ReplayPath string `toml:"replay_path"`

	// Restart the replay script when it ends
	Loop bool `toml:"loop"`

	// How long the detection worker waits for a frame before advancing
	// windows by the clock
	FrameTimeout time.Duration `toml:"frame_timeout"`
}

// DefaultConfig returns a 30 fps source
func DefaultConfig() Config {
	return Config{
		FPS:          30,
		FrameTimeout: 1 * time.Second,
	}
}

// Validate checks the capture configuration
func (c Config) Validate() error {
	if c.FPS <= 0 {
		return fmt.Errorf("FPS must be positive, got %v", c.FPS)
	}
	if c.FPS > 240 {
		return fmt.Errorf("FPS must be at most 240, got %v", c.FPS)
	}
	if c.FrameTimeout <= 0 {
		return fmt.Errorf("FrameTimeout must be positive, got %v", c.FrameTimeout)
	}
	return nil
}

// Period returns the time between frames
func (c Config) Period() time.Duration {
	return time.Duration(float64(time.Second) / c.FPS)
}
