// Package muxer aligns independently decoded video frames and variable-size
// audio sample batches into the channel cadence: one video frame paired with
// exactly AudioCadence[cursor] samples per output frame.
//
// Both queues are organized as generations. A generation is the run of data
// between two flush markers, produced by one decoder or filter lifetime.
// After a seek or loop the oldest generations are truncated together so a
// partial leftover from the stream that just ended never stalls the new one.
// When only one queue was flushed, its unready oldest generation is dropped
// on its own as soon as the other queue can supply the pair.
//
// A Muxer is owned by the single goroutine feeding its content stream and is
// not safe for concurrent use.
package muxer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/playout/media"
)

// Default overflow bounds. A generation that grows past them without being
// drainable almost always means the input declared the wrong frame rate.
const (
	DefaultMaxVideoFrames = 32
	DefaultMaxAudioFrames = 32
)

// ErrOverflow is wrapped by *OverflowError.
var ErrOverflow = errors.New("muxer: queue overflow")

// OverflowError reports which queue overflowed and by how much.
type OverflowError struct {
	Stream string // "video" or "audio"
	Queued int    // frames for video, samples for audio
	Limit  int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("muxer: %s queue overflow: %d queued, limit %d (wrong input frame rate?)", e.Stream, e.Queued, e.Limit)
}

func (e *OverflowError) Unwrap() error { return ErrOverflow }

// Config configures a Muxer.
type Config struct {
	Format media.ChannelFormat
	Label  string // stamped on emitted frames as Frame.Source
	Logger *slog.Logger

	// MaxVideoFrames bounds a single video generation. Zero means
	// DefaultMaxVideoFrames.
	MaxVideoFrames int
	// MaxAudioFrames bounds a single audio generation, in frames' worth of
	// the largest cadence entry. Zero means DefaultMaxAudioFrames.
	MaxAudioFrames int

	// Filter builds the video conversion pipeline. Nil means Passthrough.
	Filter FilterFactory
}

type videoGeneration struct {
	frames []*media.VideoFrame
}

type audioGeneration struct {
	samples []int32 // interleaved, Format.Channels wide
}

// Muxer is the cadence muxer for one content stream.
type Muxer struct {
	log    *slog.Logger
	format media.ChannelFormat
	label  string

	cadence       []int
	cursor        int
	silenceCursor int

	video []*videoGeneration
	audio []*audioGeneration

	pending []*media.Frame

	filterFactory FilterFactory
	filter        Filter

	maxVideo int
	maxAudio int
	err      error

	stats Stats
}

// Stats counts muxer activity for diagnostics.
type Stats struct {
	FramesEmitted  int64 `json:"framesEmitted"`
	SamplesEmitted int64 `json:"samplesEmitted"`
	Truncations    int64 `json:"truncations"`
	DroppedFrames  int64 `json:"droppedFrames"`
	DroppedSamples int64 `json:"droppedSamples"`
	FilterRebuilds int64 `json:"filterRebuilds"`
}

// New creates a Muxer. The format's cadence table is copied so streams
// never share rotation state.
func New(cfg Config) (*Muxer, error) {
	if len(cfg.Format.AudioCadence) == 0 {
		return nil, fmt.Errorf("muxer: format %q has no audio cadence", cfg.Format.Name)
	}
	for _, c := range cfg.Format.AudioCadence {
		if c <= 0 {
			return nil, fmt.Errorf("muxer: format %q has invalid cadence %v", cfg.Format.Name, cfg.Format.AudioCadence)
		}
	}
	if cfg.Format.Channels <= 0 {
		cfg.Format.Channels = media.DefaultChannels
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxVideoFrames <= 0 {
		cfg.MaxVideoFrames = DefaultMaxVideoFrames
	}
	if cfg.MaxAudioFrames <= 0 {
		cfg.MaxAudioFrames = DefaultMaxAudioFrames
	}
	if cfg.Filter == nil {
		cfg.Filter = Passthrough
	}

	m := &Muxer{
		log:           log.With("component", "muxer", "source", cfg.Label),
		format:        cfg.Format,
		label:         cfg.Label,
		cadence:       append([]int(nil), cfg.Format.AudioCadence...),
		filterFactory: cfg.Filter,
		maxVideo:      cfg.MaxVideoFrames,
		maxAudio:      cfg.MaxAudioFrames * cfg.Format.MaxCadence(),
	}
	m.reset()
	return m, nil
}

func (m *Muxer) reset() {
	m.video = []*videoGeneration{{}}
	m.audio = []*audioGeneration{{}}
	m.pending = nil
	m.cursor = 0
	m.silenceCursor = 0
}

// Err returns the overflow error that poisoned the muxer, if any.
func (m *Muxer) Err() error { return m.err }

// Cursor returns the current rotation offset into the cadence table.
func (m *Muxer) Cursor() int { return m.cursor }

// Cadence returns the sample count the next emitted frame will carry.
func (m *Muxer) Cadence() int { return m.cadence[m.cursor] }

// Stats returns a copy of the muxer counters.
func (m *Muxer) Stats() Stats { return m.stats }

// Generations returns the number of queued video and audio generations.
func (m *Muxer) Generations() (video, audio int) {
	return len(m.video), len(m.audio)
}

// PushVideo adds a decoded frame or marker. hints select the filter
// variant; timecode is stamped on every resulting frame.
func (m *Muxer) PushVideo(in VideoInput, hints media.Hints, timecode int64) error {
	if m.err != nil {
		return m.err
	}

	switch in.kind {
	case inputFlush:
		m.video = append(m.video, &videoGeneration{})
		return nil
	case inputEmpty:
		gen := m.video[len(m.video)-1]
		gen.frames = append(gen.frames, m.blankFrame(hints, timecode))
	default:
		frames, err := m.filterFrame(in.frame, hints)
		if err != nil {
			return err
		}
		gen := m.video[len(m.video)-1]
		for _, f := range frames {
			f.Timecode = timecode
			gen.frames = append(gen.frames, f)
		}
	}

	if n := len(m.video[len(m.video)-1].frames); n > m.maxVideo {
		m.err = &OverflowError{Stream: "video", Queued: n, Limit: m.maxVideo}
		m.log.Error("overflow", "error", m.err)
		return m.err
	}
	return nil
}

// PushAudio adds a decoded sample batch or marker.
func (m *Muxer) PushAudio(in AudioInput) error {
	if m.err != nil {
		return m.err
	}

	switch in.kind {
	case inputFlush:
		m.audio = append(m.audio, &audioGeneration{})
		return nil
	case inputEmpty:
		gen := m.audio[len(m.audio)-1]
		n := m.cadence[m.silenceCursor] * m.format.Channels
		m.silenceCursor = (m.silenceCursor + 1) % len(m.cadence)
		gen.samples = append(gen.samples, make([]int32, n)...)
	default:
		gen := m.audio[len(m.audio)-1]
		gen.samples = appendRemapped(gen.samples, in.buffer, m.format.Channels)
	}

	if n := len(m.audio[len(m.audio)-1].samples) / m.format.Channels; n > m.maxAudio {
		m.err = &OverflowError{Stream: "audio", Queued: n, Limit: m.maxAudio}
		m.log.Error("overflow", "error", m.err)
		return m.err
	}
	return nil
}

// VideoReady reports whether a video frame can be supplied for the next
// pair: another generation is queued behind the oldest, or the oldest holds
// at least one frame.
func (m *Muxer) VideoReady() bool {
	return len(m.video) > 1 || m.videoFrontReady()
}

// AudioReady reports whether audio can be supplied for the next pair:
// another generation is queued, or the oldest holds at least the current
// cadence's sample count.
func (m *Muxer) AudioReady() bool {
	return len(m.audio) > 1 || m.audioFrontReady()
}

func (m *Muxer) videoFrontReady() bool {
	return len(m.video[0].frames) >= 1
}

func (m *Muxer) audioFrontReady() bool {
	return len(m.audio[0].samples)/m.format.Channels >= m.cadence[m.cursor]
}

// Poll returns the next composited frame, if one can be formed. Frames
// buffered by Peek are returned first.
func (m *Muxer) Poll() (*media.Frame, bool) {
	if len(m.pending) > 0 {
		f := m.pending[0]
		m.pending[0] = nil
		m.pending = m.pending[1:]
		return f, true
	}
	return m.compose()
}

// Peek composes the next frame, if possible, and buffers it so the
// following Poll returns it. It does not hand the frame over twice.
func (m *Muxer) Peek() (*media.Frame, bool) {
	if len(m.pending) > 0 {
		return m.pending[0], true
	}
	f, ok := m.compose()
	if ok {
		m.pending = append(m.pending, f)
	}
	return f, ok
}

func (m *Muxer) compose() (*media.Frame, bool) {
	if m.err != nil {
		return nil, false
	}

	switch {
	case len(m.video) > 1 && len(m.audio) > 1:
		if !m.videoFrontReady() || !m.audioFrontReady() {
			m.truncate()
		}
	case len(m.video) > 1 && !m.videoFrontReady() && m.audioFrontReady():
		m.dropVideoFront()
	case len(m.audio) > 1 && !m.audioFrontReady() && m.videoFrontReady():
		m.dropAudioFront()
	}

	if !m.videoFrontReady() || !m.audioFrontReady() {
		return nil, false
	}

	vgen := m.video[0]
	video := vgen.frames[0]
	vgen.frames[0] = nil
	vgen.frames = vgen.frames[1:]

	n := m.cadence[m.cursor]
	ch := m.format.Channels
	agen := m.audio[0]
	samples := make([]int32, n*ch)
	copy(samples, agen.samples[:n*ch])
	agen.samples = agen.samples[n*ch:]

	m.cursor = (m.cursor + 1) % len(m.cadence)
	m.stats.FramesEmitted++
	m.stats.SamplesEmitted += int64(n)

	return media.NewFrame(video, media.AudioBuffer{Samples: samples, Channels: ch}, m.label), true
}

func (m *Muxer) truncate() {
	frames := len(m.video[0].frames)
	samples := len(m.audio[0].samples) / m.format.Channels
	if frames > 0 || samples > 0 {
		m.log.Debug("truncating generation", "frames", frames, "samples", samples)
	}
	m.stats.Truncations++
	m.stats.DroppedFrames += int64(frames)
	m.stats.DroppedSamples += int64(samples)

	m.video[0] = nil
	m.video = m.video[1:]
	m.audio[0] = nil
	m.audio = m.audio[1:]
}

// dropVideoFront discards the oldest video generation when only the video
// queue was flushed and audio is waiting to be paired.
func (m *Muxer) dropVideoFront() {
	frames := len(m.video[0].frames)
	m.log.Debug("dropping video generation", "frames", frames)
	m.stats.Truncations++
	m.stats.DroppedFrames += int64(frames)
	m.video[0] = nil
	m.video = m.video[1:]
}

// dropAudioFront discards the oldest audio generation when only the audio
// queue was flushed and video is waiting to be paired.
func (m *Muxer) dropAudioFront() {
	samples := len(m.audio[0].samples) / m.format.Channels
	m.log.Debug("dropping audio generation", "samples", samples)
	m.stats.Truncations++
	m.stats.DroppedSamples += int64(samples)
	m.audio[0] = nil
	m.audio = m.audio[1:]
}

// Clear drops all generations and buffered frames and rewinds the cadence
// to its first entry. Used on seek.
func (m *Muxer) Clear() {
	m.reset()
}

func (m *Muxer) filterFrame(frame *media.VideoFrame, hints media.Hints) ([]*media.VideoFrame, error) {
	desc := frame.Descriptor()
	if m.filter == nil || m.filter.Descriptor() != desc {
		if m.filter != nil {
			m.log.Info("video format changed, rebuilding filter",
				"from", m.filter.Descriptor().String(), "to", desc.String())
		}
		f, err := m.filterFactory(desc, m.format)
		if err != nil {
			return nil, fmt.Errorf("muxer: build filter for %s: %w", desc, err)
		}
		m.filter = f
		m.stats.FilterRebuilds++
	}
	frames, err := m.filter.Apply(frame, hints)
	if err != nil {
		return nil, fmt.Errorf("muxer: filter %s: %w", desc, err)
	}
	return frames, nil
}

func (m *Muxer) blankFrame(hints media.Hints, timecode int64) *media.VideoFrame {
	return &media.VideoFrame{
		Width:    m.format.Width,
		Height:   m.format.Height,
		Hints:    hints,
		Timecode: timecode,
		Tag:      "blank",
	}
}

// appendRemapped appends b to dst converted to the given channel count.
// Missing channels are silent; extra channels are dropped.
func appendRemapped(dst []int32, b media.AudioBuffer, channels int) []int32 {
	if b.Channels == channels || b.Channels <= 0 {
		return append(dst, b.Samples...)
	}
	n := b.SampleCount()
	for i := range n {
		frame := b.Samples[i*b.Channels : (i+1)*b.Channels]
		for c := range channels {
			if c < len(frame) {
				dst = append(dst, frame[c])
			} else {
				dst = append(dst, 0)
			}
		}
	}
	return dst
}
