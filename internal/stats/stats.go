// Package stats accumulates per-channel playout telemetry with atomic
// counters and produces JSON snapshots for the status API.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// TickStats summarizes the scheduler loop.
type TickStats struct {
	Ticks          int64   `json:"ticks"`
	LateTicks      int64   `json:"lateTicks"`
	FrameRate      float64 `json:"frameRate"`
	LastTickMicros int64   `json:"lastTickMicros"`
	MaxTickMicros  int64   `json:"maxTickMicros"`
}

// LayerTotals counts what layers contributed across all ticks.
type LayerTotals struct {
	Active       int   `json:"active"`
	Contributed  int64 `json:"contributed"`
	Excluded     int64 `json:"excluded"`
	LateFrames   int64 `json:"lateFrames"`
	Faults       int64 `json:"faults"`
	CaptionCount int64 `json:"captionCount"`
}

// FaultEvent records a recovered layer fault.
type FaultEvent struct {
	Timestamp int64  `json:"ts"`
	Layer     int    `json:"layer"`
	Error     string `json:"error"`
}

// ChannelSnapshot is the point-in-time view of one channel.
type ChannelSnapshot struct {
	Timestamp    int64        `json:"ts"`
	UptimeMs     int64        `json:"uptimeMs"`
	Channel      int          `json:"channel"`
	Format       string       `json:"format"`
	Ticks        TickStats    `json:"ticks"`
	Layers       LayerTotals  `json:"layers"`
	RecentFaults []FaultEvent `json:"recentFaults,omitempty"`
}

const (
	maxRecentFaults = 20
	fpsWindow       = 2 * time.Second
)

// Channel accumulates telemetry for one channel. The scheduler records from
// its tick goroutine while the API reads snapshots concurrently.
type Channel struct {
	index  int
	format string
	start  time.Time

	ticks       atomic.Int64
	lateTicks   atomic.Int64
	lastTick    atomic.Int64
	maxTick     atomic.Int64
	active      atomic.Int32
	contributed atomic.Int64
	excluded    atomic.Int64
	lateFrames  atomic.Int64
	faults      atomic.Int64
	captions    atomic.Int64

	// faultMu guards faultLog
	faultMu  sync.Mutex
	faultLog []FaultEvent

	// windowMu guards tickWindow
	windowMu   sync.Mutex
	tickWindow []time.Time
}

// NewChannel creates an empty accumulator for channel index.
func NewChannel(index int, format string) *Channel {
	return &Channel{index: index, format: format, start: time.Now()}
}

// SetFormat updates the format label reported in snapshots.
func (c *Channel) SetFormat(format string) {
	c.windowMu.Lock()
	c.format = format
	c.windowMu.Unlock()
}

// RecordTick records one completed tick and how long its work took.
func (c *Channel) RecordTick(elapsed time.Duration, late bool) {
	c.ticks.Add(1)
	if late {
		c.lateTicks.Add(1)
	}
	us := elapsed.Microseconds()
	c.lastTick.Store(us)
	for {
		cur := c.maxTick.Load()
		if us <= cur || c.maxTick.CompareAndSwap(cur, us) {
			break
		}
	}

	now := time.Now()
	c.windowMu.Lock()
	c.tickWindow = append(c.tickWindow, now)
	cutoff := now.Add(-fpsWindow)
	i := 0
	for i < len(c.tickWindow) && c.tickWindow[i].Before(cutoff) {
		i++
	}
	c.tickWindow = c.tickWindow[i:]
	c.windowMu.Unlock()
}

// RecordLayers records one tick's layer outcome: how many layers exist,
// how many contributed a frame, how many were excluded, and how many of the
// excluded were late.
func (c *Channel) RecordLayers(active, contributed, excluded, late int) {
	c.active.Store(int32(active))
	c.contributed.Add(int64(contributed))
	c.excluded.Add(int64(excluded))
	c.lateFrames.Add(int64(late))
}

// RecordCaptions counts caption payloads mixed into the output.
func (c *Channel) RecordCaptions(n int) {
	c.captions.Add(int64(n))
}

// RecordFault records a recovered layer fault.
func (c *Channel) RecordFault(layer int, err error) {
	c.faults.Add(1)
	ev := FaultEvent{Timestamp: time.Now().UnixMilli(), Layer: layer}
	if err != nil {
		ev.Error = err.Error()
	}
	c.faultMu.Lock()
	c.faultLog = append(c.faultLog, ev)
	if len(c.faultLog) > maxRecentFaults {
		c.faultLog = c.faultLog[len(c.faultLog)-maxRecentFaults:]
	}
	c.faultMu.Unlock()
}

// FrameRate computes the achieved tick rate from a 2-second sliding window.
func (c *Channel) FrameRate() float64 {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()

	if len(c.tickWindow) < 2 {
		return 0
	}
	first := c.tickWindow[0]
	last := c.tickWindow[len(c.tickWindow)-1]
	dur := last.Sub(first).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(c.tickWindow)-1) / dur
}

// Snapshot produces a point-in-time view of the channel.
func (c *Channel) Snapshot() ChannelSnapshot {
	c.faultMu.Lock()
	faults := make([]FaultEvent, len(c.faultLog))
	copy(faults, c.faultLog)
	c.faultMu.Unlock()

	c.windowMu.Lock()
	format := c.format
	c.windowMu.Unlock()

	now := time.Now()
	return ChannelSnapshot{
		Timestamp: now.UnixMilli(),
		UptimeMs:  now.Sub(c.start).Milliseconds(),
		Channel:   c.index,
		Format:    format,
		Ticks: TickStats{
			Ticks:          c.ticks.Load(),
			LateTicks:      c.lateTicks.Load(),
			FrameRate:      c.FrameRate(),
			LastTickMicros: c.lastTick.Load(),
			MaxTickMicros:  c.maxTick.Load(),
		},
		Layers: LayerTotals{
			Active:       int(c.active.Load()),
			Contributed:  c.contributed.Load(),
			Excluded:     c.excluded.Load(),
			LateFrames:   c.lateFrames.Load(),
			Faults:       c.faults.Load(),
			CaptionCount: c.captions.Load(),
		},
		RecentFaults: faults,
	}
}
