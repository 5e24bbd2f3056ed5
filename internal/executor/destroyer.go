package executor

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// Destroyer tears down replaced sources on its own goroutine so a slow
// Close never runs on a channel's scheduling goroutine. One Destroyer may be
// shared by several channels.
type Destroyer struct {
	log  *slog.Logger
	exec *Executor

	destroyed atomic.Int64
	failed    atomic.Int64
}

// NewDestroyer starts a single-worker destruction queue. If log is nil,
// slog.Default() is used.
func NewDestroyer(log *slog.Logger) *Destroyer {
	if log == nil {
		log = slog.Default()
	}
	return &Destroyer{
		log:  log.With("component", "destroyer"),
		exec: New("destroyer", log, 0),
	}
}

// Destroy schedules c.Close. If the destroyer is already closed, c is closed
// on the calling goroutine instead so nothing leaks.
func (d *Destroyer) Destroy(c io.Closer) {
	if c == nil {
		return
	}
	if !d.exec.Post(func() { d.close(c) }) {
		d.close(c)
	}
}

func (d *Destroyer) close(c io.Closer) {
	label := describe(c)
	if err := c.Close(); err != nil {
		d.failed.Add(1)
		d.log.Warn("close failed", "source", label, "error", err)
		return
	}
	d.destroyed.Add(1)
	d.log.Debug("destroyed", "source", label)
}

// Destroyed returns the number of successful teardowns.
func (d *Destroyer) Destroyed() int64 { return d.destroyed.Load() }

// Failed returns the number of teardowns whose Close returned an error.
func (d *Destroyer) Failed() int64 { return d.failed.Load() }

// Close drains pending teardowns and stops the worker.
func (d *Destroyer) Close() {
	d.exec.Close()
}

func describe(c io.Closer) string {
	if s, ok := c.(interface{ Print() string }); ok {
		return s.Print()
	}
	return fmt.Sprintf("%T", c)
}
