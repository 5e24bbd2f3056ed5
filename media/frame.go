// Package media defines the frame and format types that flow through the
// playout engine, from sources through layers and the channel scheduler to
// the mixer and output consumers.
package media

import (
	"fmt"

	"github.com/zsiec/ccx"
)

// Hints select variants of a frame a source may produce, such as a
// deinterlaced picture or an alpha-only key signal.
type Hints uint8

const HintNone Hints = 0

const (
	HintDeinterlace Hints = 1 << iota
	HintAlphaOnly
)

// Has reports whether all bits of h2 are set in h.
func (h Hints) Has(h2 Hints) bool { return h&h2 == h2 }

// VideoFrame is a single picture. Picture is opaque to the engine: pixel
// layout is owned by the producer and the mixer.
type VideoFrame struct {
	Width       int
	Height      int
	PixelFormat string
	Picture     []byte
	Timecode    int64
	Hints       Hints
	Captions    []*ccx.CaptionFrame
	Tag         string // producer-assigned identity, for diagnostics and tests
}

// Descriptor identifies the geometry a conversion pipeline is built for.
type Descriptor struct {
	Width       int
	Height      int
	PixelFormat string
}

// Descriptor returns the geometry of the frame.
func (v *VideoFrame) Descriptor() Descriptor {
	return Descriptor{Width: v.Width, Height: v.Height, PixelFormat: v.PixelFormat}
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%dx%d/%s", d.Width, d.Height, d.PixelFormat)
}

// Frame is one picture with the audio that plays during it. Frames are
// immutable once built and are shared freely between layers, the mixer and
// consumers; use WithoutAudio to derive a silenced copy.
type Frame struct {
	Video  *VideoFrame
	Audio  AudioBuffer
	Source string
}

// NewFrame pairs a picture with its audio.
func NewFrame(video *VideoFrame, audio AudioBuffer, source string) *Frame {
	return &Frame{Video: video, Audio: audio, Source: source}
}

// WithoutAudio returns a copy sharing the picture but carrying silence of
// the same length. Held frames use it so a pause never repeats audio.
func (f *Frame) WithoutAudio() *Frame {
	return &Frame{
		Video:  f.Video,
		Audio:  Silence(f.Audio.SampleCount(), f.Audio.Channels),
		Source: f.Source,
	}
}

// Kind tags a Result.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindReal
	KindEOF
	KindLate
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindReal:
		return "frame"
	case KindEOF:
		return "eof"
	case KindLate:
		return "late"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Result is what a source produces for one tick: a real frame or one of
// the empty, end-of-file and late markers. The zero value is Empty.
type Result struct {
	Kind  Kind
	Frame *Frame
}

// RealFrame wraps f. A nil frame yields Empty.
func RealFrame(f *Frame) Result {
	if f == nil {
		return Result{Kind: KindEmpty}
	}
	return Result{Kind: KindReal, Frame: f}
}

// Empty means the source has nothing to show this tick.
func Empty() Result { return Result{Kind: KindEmpty} }

// EOF means the source has finished.
func EOF() Result { return Result{Kind: KindEOF} }

// Late means the source could not produce a frame in time.
func Late() Result { return Result{Kind: KindLate} }

func (r Result) IsReal() bool  { return r.Kind == KindReal && r.Frame != nil }
func (r Result) IsEmpty() bool { return r.Kind == KindEmpty }
func (r Result) IsEOF() bool   { return r.Kind == KindEOF }
func (r Result) IsLate() bool  { return r.Kind == KindLate }

func (r Result) String() string {
	if r.IsReal() {
		return fmt.Sprintf("frame(%s)", r.Frame.Source)
	}
	return r.Kind.String()
}

// LayerFrame is one layer's contribution to a tick.
type LayerFrame struct {
	Index int
	Frame *Frame
}

// CompositeFrame is everything the scheduler gathered in one tick, ordered
// by ascending layer index (bottom first).
type CompositeFrame struct {
	Tick   uint64
	Format ChannelFormat
	Layers []LayerFrame
}
