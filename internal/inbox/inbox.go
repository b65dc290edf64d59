// Package inbox provides the bounded hand-off channel between a producer that
// must never block (the detection worker) and a consumer that may (the buffer
// writer).
package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Receive once the inbox is closed and empty
var ErrClosed = errors.New("inbox: closed")

// Inbox provides a generic typed interface for bounded message channels
// T is the message type that will be sent through the inbox
type Inbox[T any] struct {
	ch    chan T
	stats *Stats

	closeOnce sync.Once
	maxDepth  atomic.Int64
}

// Stats tracks inbox usage and performance metrics
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	DroppedCount  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates a new inbox with the specified buffer size
func New[T any](bufferSize int) *Inbox[T] {
	return &Inbox[T]{
		ch:    make(chan T, bufferSize),
		stats: &Stats{},
	}
}

// Offer enqueues msg only if there is room right now.
// Returns false, and counts a drop, when the inbox is full.
func (ib *Inbox[T]) Offer(msg T) bool {
	select {
	case ib.ch <- msg:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		ib.observeDepth()
		return true
	default:
		atomic.AddInt64(&ib.stats.DroppedCount, 1)
		return false
	}
}

// TryReceive attempts to receive a message without blocking
// Returns the message and true if available, zero value and false otherwise
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg, ok := <-ib.ch:
		if ok {
			atomic.AddInt64(&ib.stats.TotalReceived, 1)
		}
		return msg, ok
	default:
		var zero T
		return zero, false
	}
}

// Receive blocks until a message is available. It returns ErrClosed once
// the inbox is closed and empty, or ctx.Err() when ctx is done first.
func (ib *Inbox[T]) Receive(ctx context.Context) (T, error) {
	select {
	case msg, ok := <-ib.ch:
		if !ok {
			return msg, ErrClosed
		}
		atomic.AddInt64(&ib.stats.TotalReceived, 1)
		return msg, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Drain returns everything currently queued without blocking
func (ib *Inbox[T]) Drain() []T {
	var out []T
	for {
		msg, ok := ib.TryReceive()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func (ib *Inbox[T]) observeDepth() {
	depth := int64(len(ib.ch))
	for {
		seen := ib.maxDepth.Load()
		if depth <= seen || ib.maxDepth.CompareAndSwap(seen, depth) {
			return
		}
	}
}

// GetStats returns a copy of the current inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	return Stats{
		TotalSent:     atomic.LoadInt64(&ib.stats.TotalSent),
		TotalReceived: atomic.LoadInt64(&ib.stats.TotalReceived),
		DroppedCount:  atomic.LoadInt64(&ib.stats.DroppedCount),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  int(ib.maxDepth.Load()),
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close closes the inbox channel. Queued messages can still be received.
// Offer must not be called after Close.
func (ib *Inbox[T]) Close() {
	ib.closeOnce.Do(func() {
		close(ib.ch)
	})
}
