// Package output fans mixed channel frames out to consumers: monitors,
// encoders, network senders.
package output

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/playout/media"
)

// Consumer receives every mixed frame of a channel. Send is called from the
// channel's mixing goroutine and must not block; slow consumers queue and
// drop on their own.
type Consumer interface {
	ID() string
	Send(frame *media.Frame)
	Stats() ConsumerStats
}

// ConsumerStats captures per-consumer delivery metrics.
type ConsumerStats struct {
	ID        string `json:"id"`
	Sent      int64  `json:"sent"`
	Dropped   int64  `json:"dropped"`
	BytesSent int64  `json:"bytesSent"`
	Connected bool   `json:"connected"`
}

// Output is the fan-out hub for a single channel. It caches the most
// recent frame so a consumer added mid-stream gets a picture immediately.
type Output struct {
	log       *slog.Logger
	mu        sync.RWMutex
	consumers map[string]Consumer

	lastMu sync.RWMutex
	last   *media.Frame

	frames atomic.Int64
}

// New creates an Output with no consumers. If log is nil, slog.Default()
// is used.
func New(log *slog.Logger) *Output {
	if log == nil {
		log = slog.Default()
	}
	return &Output{
		log:       log.With("component", "output"),
		consumers: make(map[string]Consumer),
	}
}

// Add replays the cached frame to c and registers it for live delivery in
// one step under the consumer lock, so every frame after the replayed one
// reaches c exactly once. A consumer with the same ID is replaced.
func (o *Output) Add(c Consumer) {
	o.mu.Lock()
	if last := o.Last(); last != nil {
		c.Send(last)
	}
	o.consumers[c.ID()] = c
	n := len(o.consumers)
	o.mu.Unlock()

	o.log.Info("consumer added", "consumer", c.ID(), "consumers", n)
}

// Remove unregisters a consumer by ID. It reports whether one was found.
func (o *Output) Remove(id string) bool {
	o.mu.Lock()
	_, ok := o.consumers[id]
	delete(o.consumers, id)
	n := len(o.consumers)
	o.mu.Unlock()

	if ok {
		o.log.Info("consumer removed", "consumer", id, "consumers", n)
	}
	return ok
}

// Send caches frame and delivers it to every consumer.
func (o *Output) Send(frame *media.Frame) {
	if frame == nil {
		return
	}
	o.frames.Add(1)

	o.mu.RLock()
	defer o.mu.RUnlock()

	o.lastMu.Lock()
	o.last = frame
	o.lastMu.Unlock()

	for _, c := range o.consumers {
		c.Send(frame)
	}
}

// Last returns the most recent frame, or nil before the first.
func (o *Output) Last() *media.Frame {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	return o.last
}

// Frames returns how many frames have been sent.
func (o *Output) Frames() int64 { return o.frames.Load() }

// Count returns the number of registered consumers.
func (o *Output) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.consumers)
}

// StatsAll returns delivery metrics for every consumer.
func (o *Output) StatsAll() []ConsumerStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	stats := make([]ConsumerStats, 0, len(o.consumers))
	for _, c := range o.consumers {
		stats = append(stats, c.Stats())
	}
	return stats
}
