// Package mixer turns a channel's per-tick composite into one output frame.
//
// The real compositor (GPU blending, transforms, keying) lives outside this
// module; Reference is a CPU stand-in that keeps the channel's frame and
// audio cadence intact so outputs can be exercised end to end.
package mixer

import (
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/zsiec/ccx"

	"github.com/zsiec/playout/internal/executor"
	"github.com/zsiec/playout/media"
)

// Mixer consumes composite frames. Mix must return quickly; the channel
// calls it once per tick from its scheduling goroutine.
type Mixer interface {
	Mix(media.CompositeFrame)
}

// Sink receives mixed frames.
type Sink interface {
	Send(*media.Frame)
}

// Stats counts mixer activity.
type Stats struct {
	Mixed    int64 `json:"mixed"`
	Blank    int64 `json:"blank"`
	Captions int64 `json:"captions"`
	Clipped  int64 `json:"clippedSamples"`
}

// Reference is a CPU mixer: the top-most layer's picture wins, audio from
// every layer is summed with saturation, and captions from every layer are
// passed through in layer order. Mixing runs on its own executor so Mix
// never blocks the tick.
type Reference struct {
	log    *slog.Logger
	label  string
	sink   Sink
	exec   *executor.Executor
	cursor int

	mixed    atomic.Int64
	blank    atomic.Int64
	captions atomic.Int64
	clipped  atomic.Int64
}

// NewReference creates a reference mixer writing to sink. label is stamped
// on mixed frames as their Source.
func NewReference(label string, sink Sink, log *slog.Logger) *Reference {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "mixer", "channel", label)
	return &Reference{
		log:   log,
		label: label,
		sink:  sink,
		exec:  executor.New("mixer-"+label, log, 0),
	}
}

// Mix queues the composite for mixing.
func (m *Reference) Mix(c media.CompositeFrame) {
	if !m.exec.Post(func() { m.mix(c) }) {
		m.log.Debug("mix after close dropped", "tick", c.Tick)
	}
}

// Flush returns a future resolved once every composite queued so far has
// been mixed and delivered.
func (m *Reference) Flush() *executor.Future[struct{}] {
	return executor.Invoke(m.exec, func() error { return nil })
}

// Stats returns a snapshot of the counters.
func (m *Reference) Stats() Stats {
	return Stats{
		Mixed:    m.mixed.Load(),
		Blank:    m.blank.Load(),
		Captions: m.captions.Load(),
		Clipped:  m.clipped.Load(),
	}
}

// Close mixes what is queued and stops the worker.
func (m *Reference) Close() {
	m.exec.Close()
}

func (m *Reference) mix(c media.CompositeFrame) {
	f := m.compose(c)
	m.mixed.Add(1)
	if m.sink != nil {
		m.sink.Send(f)
	}
}

func (m *Reference) compose(c media.CompositeFrame) *media.Frame {
	format := c.Format
	ch := format.Channels
	if ch <= 0 {
		ch = media.DefaultChannels
	}

	var top *media.VideoFrame
	var captions []*ccx.CaptionFrame
	for _, lf := range c.Layers {
		if lf.Frame == nil || lf.Frame.Video == nil {
			continue
		}
		top = lf.Frame.Video
		captions = append(captions, lf.Frame.Video.Captions...)
	}

	// Output always carries the channel cadence. Layer audio is cut or
	// zero-padded to it: held frames and muxers out of phase with the
	// channel must not make the output drift.
	samples := 0
	if len(format.AudioCadence) > 0 {
		samples = format.AudioCadence[m.cursor%len(format.AudioCadence)]
		m.cursor = (m.cursor + 1) % len(format.AudioCadence)
	}

	acc := make([]int64, samples*ch)
	for _, lf := range c.Layers {
		if lf.Frame == nil {
			continue
		}
		addAudio(acc, lf.Frame.Audio, ch)
	}
	out := make([]int32, len(acc))
	for i, v := range acc {
		switch {
		case v > math.MaxInt32:
			out[i] = math.MaxInt32
			m.clipped.Add(1)
		case v < math.MinInt32:
			out[i] = math.MinInt32
			m.clipped.Add(1)
		default:
			out[i] = int32(v)
		}
	}

	var video *media.VideoFrame
	if top == nil {
		m.blank.Add(1)
		video = &media.VideoFrame{Width: format.Width, Height: format.Height, Tag: "blank"}
	} else {
		cp := *top
		cp.Captions = captions
		video = &cp
	}
	m.captions.Add(int64(len(captions)))

	return media.NewFrame(video, media.AudioBuffer{Samples: out, Channels: ch}, m.label)
}

// addAudio sums b into acc, mapping b's channels onto ch.
func addAudio(acc []int64, b media.AudioBuffer, ch int) {
	if b.Channels <= 0 {
		return
	}
	n := min(b.SampleCount(), len(acc)/ch)
	for i := range n {
		for c := range min(ch, b.Channels) {
			acc[i*ch+c] += int64(b.Samples[i*b.Channels+c])
		}
	}
}
