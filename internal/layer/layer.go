// Package layer implements the per-layer playback state machine: a
// foreground source being played, a background source queued behind it,
// pause hold, EOF auto-chaining and safe stop on a source fault.
//
// A Layer is not safe for concurrent use. Its channel calls it from the
// channel's task queue, and a tick calls Receive on each layer from its own
// goroutine while no control task runs.
package layer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/zsiec/playout/internal/producer"
	"github.com/zsiec/playout/media"
)

// MaxChainLength bounds how many EOF auto-chain steps a single Receive may
// take before the layer gives up.
const MaxChainLength = 16

// ErrChainTooLong is reported when following links keep resolving to
// sources that end immediately, usually a cycle of empty clips.
var ErrChainTooLong = errors.New("layer: following chain too long")

// Destroyer closes replaced sources off the caller's goroutine.
type Destroyer interface {
	Destroy(io.Closer)
}

// State is the observable playback state of a layer.
type State int

const (
	StateEmpty State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "empty"
	}
}

// FaultError wraps a source fault with the source label.
type FaultError struct {
	Source string
	Err    error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("layer: source %s: %v", e.Source, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Info is a status snapshot of a layer.
type Info struct {
	Index      int    `json:"index"`
	State      string `json:"state"`
	Paused     bool   `json:"paused"`
	Foreground string `json:"foreground"`
	Background string `json:"background"`
	LastFrame  string `json:"lastFrame"`
	Frames     int64  `json:"frames"`
	Chains     int64  `json:"chains"`
	Faults     int64  `json:"faults"`
	Late       int64  `json:"late"`
}

// Layer holds a foreground and a background source for one layer index.
type Layer struct {
	index     int
	base      *slog.Logger
	log       *slog.Logger
	destroyer Destroyer
	onFault   func(error)

	foreground producer.Source
	background producer.Source
	last       media.Result
	paused     bool

	frames int64
	chains int64
	faults int64
	late   int64
}

// New creates an empty layer. If log is nil, slog.Default() is used.
func New(index int, destroyer Destroyer, log *slog.Logger) *Layer {
	if log == nil {
		log = slog.Default()
	}
	return &Layer{
		index:      index,
		base:       log,
		log:        log.With("component", "layer", "layer", index),
		destroyer:  destroyer,
		foreground: producer.Empty(),
		background: producer.Empty(),
	}
}

// OnFault registers fn to be called with every source fault the layer
// recovers from.
func (l *Layer) OnFault(fn func(error)) { l.onFault = fn }

// Index returns the layer index.
func (l *Layer) Index() int { return l.index }

// Reindex moves the layer to a new index, as when two layers are swapped.
func (l *Layer) Reindex(index int) {
	l.index = index
	l.log = l.base.With("component", "layer", "layer", index)
}

// Load queues src as the background. With preview the source is promoted,
// one frame is pulled for display, and the layer is left paused on it. With
// autoplay the source is promoted immediately.
func (l *Layer) Load(src producer.Source, autoplay, preview bool) {
	if src == nil {
		src = producer.Empty()
	}
	if l.background != src {
		l.destroy(l.background)
	}
	l.background = src
	l.paused = false

	if preview {
		l.Play()
		l.Receive(media.HintNone)
		l.Pause()
	}
	if autoplay {
		l.Play()
	}
}

// Play promotes the background to the foreground. A layer paused on a
// foreground only resumes, so repeated play never skips ahead; a stopped
// layer has nothing to resume and promotes. The replaced foreground becomes
// the new foreground's leading source.
func (l *Layer) Play() {
	resumable := l.paused && !producer.IsEmpty(l.foreground)
	if !resumable && !producer.IsEmpty(l.background) {
		l.promote(l.background)
		l.background = producer.Empty()
	}
	l.paused = false
}

// Pause holds the last picture. Foreground and background are untouched.
func (l *Layer) Pause() { l.paused = true }

// Stop pauses the layer and drops the foreground and the held frame. The
// background stays queued.
func (l *Layer) Stop() {
	l.paused = true
	l.last = media.Empty()
	l.destroy(l.foreground)
	l.foreground = producer.Empty()
}

// Clear drops both sources and the held frame and clears the pause flag.
func (l *Layer) Clear() {
	l.destroy(l.foreground)
	l.destroy(l.background)
	l.foreground = producer.Empty()
	l.background = producer.Empty()
	l.last = media.Empty()
	l.paused = false
}

// Receive returns the layer's frame for this tick. A paused layer repeats
// its last picture with silent audio. A source that ends is replaced by its
// following source. A source fault stops the layer and yields Empty.
func (l *Layer) Receive(hints media.Hints) media.Result {
	if l.paused {
		if !l.last.IsReal() {
			return media.Empty()
		}
		return media.RealFrame(l.last.Frame.WithoutAudio())
	}

	for step := 0; ; step++ {
		r, err := l.pull(hints)
		if err != nil {
			l.fault(err)
			return media.Empty()
		}

		switch {
		case r.IsReal():
			l.last = r
			l.frames++
			return r
		case r.IsLate():
			l.late++
			return r
		case !r.IsEOF():
			return r
		}

		if step >= MaxChainLength {
			l.fault(fmt.Errorf("%w: %d steps from %s", ErrChainTooLong, step, l.foreground.Print()))
			return media.Empty()
		}
		l.chain()
	}
}

// chain replaces an ended foreground with its following source.
func (l *Layer) chain() {
	old := l.foreground
	next := old.Following()
	if next == nil {
		next = producer.Empty()
	}
	if !producer.IsEmpty(next) {
		l.chains++
		l.log.Debug("auto-chain", "from", old.Print(), "to", next.Print())
	}
	l.promote(next)
}

// promote makes next the foreground, linking the old foreground as its
// leading source and handing the old one to the destroyer.
func (l *Layer) promote(next producer.Source) {
	old := l.foreground
	if old == next {
		return
	}
	next.SetLeading(old)
	if oc, ok := old.(producer.Contextual); ok {
		if nc, ok := next.(producer.Contextual); ok && nc.PrintContext() == "" && oc.PrintContext() != "" {
			nc.SetPrintContext(oc.PrintContext())
		}
	}
	l.foreground = next
	l.destroy(old)
}

// pull calls the foreground, converting a panic into an error.
func (l *Layer) pull(hints media.Hints) (r media.Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v\n%s", v, debug.Stack())
		}
	}()
	return l.foreground.Receive(hints)
}

func (l *Layer) fault(err error) {
	l.faults++
	ferr := &FaultError{Source: l.foreground.Print(), Err: err}
	l.log.Error("source fault, stopping layer", "source", ferr.Source, "error", err)
	l.Stop()
	if l.onFault != nil {
		l.onFault(ferr)
	}
}

func (l *Layer) destroy(s producer.Source) {
	if producer.IsEmpty(s) {
		return
	}
	if l.destroyer == nil {
		if err := s.Close(); err != nil {
			l.log.Warn("close failed", "source", s.Print(), "error", err)
		}
		return
	}
	l.destroyer.Destroy(s)
}

// Foreground returns the playing source, or the empty source.
func (l *Layer) Foreground() producer.Source { return l.foreground }

// Background returns the queued source, or the empty source.
func (l *Layer) Background() producer.Source { return l.background }

// Paused reports whether the pause flag is set.
func (l *Layer) Paused() bool { return l.paused }

// State derives the playback state from the foreground and pause flag.
func (l *Layer) State() State {
	switch {
	case producer.IsEmpty(l.foreground):
		return StateEmpty
	case l.paused:
		return StatePaused
	default:
		return StatePlaying
	}
}

// IsEmpty reports whether the layer has nothing loaded at all.
func (l *Layer) IsEmpty() bool {
	return producer.IsEmpty(l.foreground) && producer.IsEmpty(l.background)
}

// LastFrame returns the most recent real frame the layer produced.
func (l *Layer) LastFrame() media.Result { return l.last }

// Info returns a status snapshot.
func (l *Layer) Info() Info {
	return Info{
		Index:      l.index,
		State:      l.State().String(),
		Paused:     l.paused,
		Foreground: l.foreground.Print(),
		Background: l.background.Print(),
		LastFrame:  l.last.String(),
		Frames:     l.frames,
		Chains:     l.chains,
		Faults:     l.faults,
		Late:       l.late,
	}
}
