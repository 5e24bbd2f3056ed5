package output

import (
	"sync"
	"sync/atomic"

	"github.com/zsiec/playout/media"
)

// Queue is a bounded frame buffer between a channel and a consumer's own
// goroutine. When full, the oldest frame is dropped to make room; a live
// output would rather skip than fall further behind.
type Queue struct {
	mu      sync.Mutex
	ch      chan *media.Frame
	closed  bool
	pushed  atomic.Int64
	dropped atomic.Int64
}

// NewQueue creates a queue holding up to capacity frames.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		panic("output.Queue: capacity must be positive")
	}
	return &Queue{ch: make(chan *media.Frame, capacity)}
}

// Push enqueues f without blocking, dropping the oldest frame when full.
// It reports whether a frame was dropped.
func (q *Queue) Push(f *media.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pushed.Add(1)
	select {
	case q.ch <- f:
		return false
	default:
	}
	// Full: drop the oldest, add the newest. The reader may have drained
	// in between, so neither step blocks.
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- f:
	default:
		q.dropped.Add(1)
	}
	return true
}

// C returns the receive side. It is closed by Close.
func (q *Queue) C() <-chan *media.Frame { return q.ch }

// Len returns the number of queued frames.
func (q *Queue) Len() int { return len(q.ch) }

// Pushed returns the number of frames offered to the queue.
func (q *Queue) Pushed() int64 { return q.pushed.Load() }

// Dropped returns the number of frames discarded because the queue was full.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Close closes the receive side. Later pushes are ignored.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
