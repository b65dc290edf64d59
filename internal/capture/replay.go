package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Replay frame states, carried as the single byte of Frame.Data
const (
	StateOpen   byte = 'o'
	StateClosed byte = 'c'
	StateNoFace byte = '-'
)

// ParseReplay reads a replay script. Each line holds whitespace-separated
// tokens; a token is a state (open/o/1, closed/c/0, none/-) optionally
// followed by *N to repeat it N times. Text after # is ignored.
func ParseReplay(r io.Reader) ([]byte, error) {
	var frames []byte
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}

		for _, token := range strings.Fields(line) {
			state, count, err := parseToken(token)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			for i := 0; i < count; i++ {
				frames = append(frames, state)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading replay: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("replay contains no frames")
	}
	return frames, nil
}

func parseToken(token string) (byte, int, error) {
	name, repeat, hasRepeat := strings.Cut(token, "*")

	count := 1
	if hasRepeat {
		n, err := strconv.Atoi(repeat)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid repeat count in %q", token)
		}
		count = n
	}

	switch strings.ToLower(name) {
	case "o", "open", "1":
		return StateOpen, count, nil
	case "c", "closed", "0":
		return StateClosed, count, nil
	case "-", "none":
		return StateNoFace, count, nil
	default:
		return 0, 0, fmt.Errorf("unknown frame state %q", name)
	}
}

// LoadReplay parses the replay script at path
func LoadReplay(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay: %w", err)
	}
	defer f.Close()

	frames, err := ParseReplay(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return frames, nil
}

// ReplayOptions controls frame timing
type ReplayOptions struct {
	FPS  float64
	Loop bool

	// Realtime paces delivery at FPS and stamps frames with the wall clock.
	// Otherwise frames are returned immediately, stamped Start + seq/FPS.
	Realtime bool
	Start    time.Time
}

// ReplaySource plays back a parsed replay script
type ReplaySource struct {
	frames []byte
	opts   ReplayOptions
	period time.Duration
	now    func() time.Time

	mu     sync.Mutex
	pos    int
	seq    uint64
	next   time.Time
	closed bool
}

// NewReplaySource creates a source over frames
func NewReplaySource(frames []byte, opts ReplayOptions) *ReplaySource {
	if opts.FPS <= 0 {
		opts.FPS = DefaultConfig().FPS
	}
	s := &ReplaySource{
		frames: frames,
		opts:   opts,
		period: Config{FPS: opts.FPS}.Period(),
		now:    time.Now,
	}
	if s.opts.Start.IsZero() {
		s.opts.Start = s.now()
	}
	return s
}

// Next returns the next frame, waiting for its slot in realtime mode
func (s *ReplaySource) Next(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Frame{}, ErrEndOfStream
	}
	if s.pos >= len(s.frames) {
		if !s.opts.Loop {
			return Frame{}, ErrEndOfStream
		}
		s.pos = 0
	}

	at := s.opts.Start.Add(time.Duration(s.seq) * s.period)
	if s.opts.Realtime {
		if err := s.wait(ctx); err != nil {
			return Frame{}, err
		}
		at = s.now()
	}

	frame := Frame{
		Data:      []byte{s.frames[s.pos]},
		Width:     1,
		Height:    1,
		Timestamp: at,
		Seq:       s.seq,
	}
	s.pos++
	s.seq++
	return frame, nil
}

// wait sleeps until the next frame slot. A source that fell behind does not
// try to catch up.
func (s *ReplaySource) wait(ctx context.Context) error {
	now := s.now()
	if s.next.IsZero() || s.next.Before(now) {
		s.next = now
	}

	if d := s.next.Sub(now); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.next = s.next.Add(s.period)
	return nil
}

// Len returns the number of frames in one pass of the script
func (s *ReplaySource) Len() int {
	return len(s.frames)
}

// Close stops the source; later Next calls return ErrEndOfStream
func (s *ReplaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// StateClassifier classifies replay frames by their state byte
type StateClassifier struct{}

// Classify implements Classifier
func (StateClassifier) Classify(frame Frame) (bool, error) {
	if len(frame.Data) != 1 {
		return false, fmt.Errorf("capture: unsupported frame of %d bytes", len(frame.Data))
	}

	switch frame.Data[0] {
	case StateOpen:
		return true, nil
	case StateClosed:
		return false, nil
	case StateNoFace:
		return false, ErrNoFace
	default:
		return false, fmt.Errorf("capture: unknown frame state %q", frame.Data[0])
	}
}
