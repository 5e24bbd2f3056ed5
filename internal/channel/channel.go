// Package channel implements the per-channel scheduler: one tick per output
// frame, pulling every layer concurrently and handing the composite to the
// mixer.
//
// The layer table is owned by the channel's serialized task queue. Ticks and
// control operations (load, play, stop, ...) are tasks on that queue, so they
// interleave in submission order and never touch the table concurrently.
// Between ticks the queue is idle until the frame deadline, which is when
// control operations run.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/playout/internal/executor"
	"github.com/zsiec/playout/internal/layer"
	"github.com/zsiec/playout/internal/metrics"
	"github.com/zsiec/playout/internal/mixer"
	"github.com/zsiec/playout/internal/muxer"
	"github.com/zsiec/playout/internal/producer"
	"github.com/zsiec/playout/internal/stats"
	"github.com/zsiec/playout/media"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel: closed")

// ErrStarted is returned by Start on a running channel.
var ErrStarted = errors.New("channel: already started")

// Config configures a Channel.
type Config struct {
	Index  int
	Format media.ChannelFormat
	Mixer  mixer.Mixer

	// Destroyer receives replaced sources. Nil means the channel runs its
	// own and closes it on Close.
	Destroyer *executor.Destroyer

	Logger  *slog.Logger
	Stats   *stats.Channel   // optional
	Metrics *metrics.Metrics // optional
	Clock   Clock            // nil means the system clock
}

// Channel is one playout channel.
type Channel struct {
	index  int
	log    *slog.Logger
	format media.ChannelFormat
	hints  media.Hints

	exec       *executor.Executor
	mixer      mixer.Mixer
	destroyer  *executor.Destroyer
	ownDestroy bool
	stats      *stats.Channel
	metrics    *metrics.Metrics
	clock      Clock

	// Owned by exec.
	layers   map[int]*layer.Layer
	tickNum  uint64
	deadline time.Time

	started atomic.Bool
	closing atomic.Bool
	ticks   atomic.Uint64

	timerMu sync.Mutex
	timer   Timer

	closeOnce sync.Once
}

// New creates a channel. It does not tick until Start.
func New(cfg Config) (*Channel, error) {
	if cfg.Mixer == nil {
		return nil, fmt.Errorf("channel %d: mixer is required", cfg.Index)
	}
	if len(cfg.Format.AudioCadence) == 0 || cfg.Format.FrameDuration() <= 0 {
		return nil, fmt.Errorf("channel %d: invalid format %q", cfg.Index, cfg.Format.Name)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "channel", "channel", cfg.Index)

	c := &Channel{
		index:     cfg.Index,
		log:       log,
		format:    cfg.Format,
		exec:      executor.New("channel-"+strconv.Itoa(cfg.Index), log, 0),
		mixer:     cfg.Mixer,
		destroyer: cfg.Destroyer,
		stats:     cfg.Stats,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		layers:    make(map[int]*layer.Layer),
	}
	if c.destroyer == nil {
		c.destroyer = executor.NewDestroyer(log)
		c.ownDestroy = true
	}
	if c.clock == nil {
		c.clock = SystemClock()
	}
	if c.stats == nil {
		c.stats = stats.NewChannel(cfg.Index, cfg.Format.Name)
	}
	// Progressive channels ask sources for progressive pictures.
	if !cfg.Format.Interlaced {
		c.hints = media.HintDeinterlace
	}
	return c, nil
}

// Index returns the channel number.
func (c *Channel) Index() int { return c.index }

// Format returns the channel's video and audio format.
func (c *Channel) Format() media.ChannelFormat { return c.format }

// Stats returns the channel's telemetry accumulator.
func (c *Channel) Stats() *stats.Channel { return c.stats }

// Ticks returns the number of completed ticks.
func (c *Channel) Ticks() uint64 { return c.ticks.Load() }

// Start posts the first tick.
func (c *Channel) Start() error {
	if c.closing.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	c.log.Info("channel started", "format", c.format.Name, "frameDuration", c.format.FrameDuration())
	if !c.exec.Post(c.tick) {
		return ErrClosed
	}
	return nil
}

// Close stops scheduling ticks, lets an in-flight tick finish, clears every
// layer and waits for the queue to drain. It is safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)

		c.timerMu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timerMu.Unlock()

		_, _ = executor.Invoke(c.exec, func() error {
			for idx, l := range c.layers {
				l.Clear()
				delete(c.layers, idx)
			}
			return nil
		}).Get()
		c.exec.Close()
		if c.ownDestroy {
			c.destroyer.Close()
		}
		c.log.Info("channel closed", "ticks", c.ticks.Load())
	})
}

func (c *Channel) tick() {
	if c.closing.Load() {
		return
	}
	start := c.clock.Now()

	indices := slices.Sorted(maps.Keys(c.layers))
	results := make([]media.Result, len(indices))

	var g errgroup.Group
	for i, idx := range indices {
		l := c.layers[idx]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("layer panicked", "layer", idx, "panic", r, "stack", string(debug.Stack()))
					c.recordFault(idx, fmt.Errorf("layer panic: %v", r))
					results[i] = media.Empty()
				}
			}()
			results[i] = l.Receive(c.hints)
			return nil
		})
	}
	_ = g.Wait()

	composite := media.CompositeFrame{Tick: c.tickNum, Format: c.format}
	late := 0
	for i, r := range results {
		switch {
		case r.IsReal():
			composite.Layers = append(composite.Layers, media.LayerFrame{Index: indices[i], Frame: r.Frame})
		case r.IsLate():
			late++
		}
	}
	c.mixer.Mix(composite)

	// Layers that ended or faulted with nothing queued leave the table.
	for _, idx := range indices {
		c.eraseIfIdle(idx)
	}

	c.tickNum++
	c.ticks.Add(1)
	c.stats.RecordLayers(len(indices), len(composite.Layers), len(indices)-len(composite.Layers), late)
	c.metrics.SetActiveLayers(c.index, len(indices))
	c.metrics.IncTicks(c.index)

	c.schedule(start)
}

// schedule posts the next tick at the next frame deadline. A tick that
// finished past its deadline is counted late and the schedule re-anchors
// to now rather than bursting to catch up.
func (c *Channel) schedule(start time.Time) {
	now := c.clock.Now()
	if c.deadline.IsZero() {
		c.deadline = start
	}
	c.deadline = c.deadline.Add(c.format.FrameDuration())

	late := now.After(c.deadline)
	if late {
		c.log.Debug("late tick", "tick", c.tickNum, "overrun", now.Sub(c.deadline))
		c.deadline = now
		c.metrics.IncLateTicks(c.index)
	}
	c.stats.RecordTick(now.Sub(start), late)

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.closing.Load() {
		return
	}
	c.timer = c.clock.AfterFunc(c.deadline.Sub(now), func() {
		c.exec.Post(c.tick)
	})
}

func (c *Channel) recordFault(idx int, err error) {
	c.stats.RecordFault(idx, err)
	c.metrics.IncLayerFaults(c.index)
	if errors.Is(err, muxer.ErrOverflow) {
		c.metrics.IncMuxerOverflows()
	}
}

// layerAt returns the layer at idx, creating it if create is set.
func (c *Channel) layerAt(idx int, create bool) *layer.Layer {
	l, ok := c.layers[idx]
	if !ok && create {
		l = layer.New(idx, c.destroyer, c.log)
		l.OnFault(func(err error) { c.recordFault(l.Index(), err) })
		c.layers[idx] = l
	}
	return l
}

// eraseIfIdle drops a layer that holds nothing.
func (c *Channel) eraseIfIdle(idx int) {
	if l, ok := c.layers[idx]; ok && l.IsEmpty() {
		delete(c.layers, idx)
	}
}

// do runs fn on the channel queue.
func (c *Channel) do(fn func() error) *executor.Future[struct{}] {
	if c.closing.Load() {
		return executor.Resolved(struct{}{}, ErrClosed)
	}
	return executor.Invoke(c.exec, fn)
}

// Load queues src on layer index, promoting it immediately with autoplay.
func (c *Channel) Load(index int, src producer.Source, autoplay bool) *executor.Future[struct{}] {
	return c.load(index, src, autoplay, false)
}

// Preview queues src on layer index and shows its first frame paused.
func (c *Channel) Preview(index int, src producer.Source) *executor.Future[struct{}] {
	return c.load(index, src, false, true)
}

func (c *Channel) load(index int, src producer.Source, autoplay, preview bool) *executor.Future[struct{}] {
	if c.closing.Load() {
		c.destroyer.Destroy(src)
		return executor.Resolved(struct{}{}, ErrClosed)
	}
	return c.do(func() error {
		if c.closing.Load() {
			c.destroyer.Destroy(src)
			return ErrClosed
		}
		c.layerAt(index, true).Load(src, autoplay, preview)
		c.log.Debug("loaded", "layer", index, "source", printOf(src), "autoplay", autoplay, "preview", preview)
		return nil
	})
}

// Play starts or resumes layer index.
func (c *Channel) Play(index int) *executor.Future[struct{}] {
	return c.do(func() error {
		if l := c.layerAt(index, false); l != nil {
			l.Play()
		}
		return nil
	})
}

// Pause holds layer index on its last picture.
func (c *Channel) Pause(index int) *executor.Future[struct{}] {
	return c.do(func() error {
		if l := c.layerAt(index, false); l != nil {
			l.Pause()
		}
		return nil
	})
}

// Stop drops the playing source of layer index, keeping the background.
func (c *Channel) Stop(index int) *executor.Future[struct{}] {
	return c.do(func() error {
		if l := c.layerAt(index, false); l != nil {
			l.Stop()
			c.eraseIfIdle(index)
		}
		return nil
	})
}

// Clear empties layer index and removes it.
func (c *Channel) Clear(index int) *executor.Future[struct{}] {
	return c.do(func() error {
		if l := c.layerAt(index, false); l != nil {
			l.Clear()
			delete(c.layers, index)
		}
		return nil
	})
}

// ClearAll empties and removes every layer.
func (c *Channel) ClearAll() *executor.Future[struct{}] {
	return c.do(func() error {
		for idx, l := range c.layers {
			l.Clear()
			delete(c.layers, idx)
		}
		return nil
	})
}

// Swap exchanges layers a and b, including empty slots.
func (c *Channel) Swap(a, b int) *executor.Future[struct{}] {
	return c.do(func() error {
		la, oka := c.layers[a]
		lb, okb := c.layers[b]
		delete(c.layers, a)
		delete(c.layers, b)
		if oka {
			la.Reindex(b)
			c.layers[b] = la
		}
		if okb {
			lb.Reindex(a)
			c.layers[a] = lb
		}
		return nil
	})
}

// Foreground returns the playing source of layer index, or the empty
// source.
func (c *Channel) Foreground(index int) *executor.Future[producer.Source] {
	return c.query(func() producer.Source {
		if l := c.layerAt(index, false); l != nil {
			return l.Foreground()
		}
		return producer.Empty()
	})
}

// Background returns the queued source of layer index, or the empty
// source.
func (c *Channel) Background(index int) *executor.Future[producer.Source] {
	return c.query(func() producer.Source {
		if l := c.layerAt(index, false); l != nil {
			return l.Background()
		}
		return producer.Empty()
	})
}

func (c *Channel) query(fn func() producer.Source) *executor.Future[producer.Source] {
	if c.closing.Load() {
		return executor.Resolved(producer.Empty(), ErrClosed)
	}
	return executor.Begin(c.exec, func() (producer.Source, error) {
		return fn(), nil
	})
}

// Layers returns a status snapshot of every layer, by ascending index.
func (c *Channel) Layers() *executor.Future[[]layer.Info] {
	if c.closing.Load() {
		return executor.Resolved[[]layer.Info](nil, ErrClosed)
	}
	return executor.Begin(c.exec, func() ([]layer.Info, error) {
		infos := make([]layer.Info, 0, len(c.layers))
		for _, idx := range slices.Sorted(maps.Keys(c.layers)) {
			infos = append(infos, c.layers[idx].Info())
		}
		return infos, nil
	})
}

func printOf(s producer.Source) string {
	if s == nil {
		return "empty"
	}
	return s.Print()
}
