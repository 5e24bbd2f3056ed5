// Package producer defines the Source contract consumed by layers, the
// shared empty source, and the built-in content sources.
package producer

import (
	"sync"

	"github.com/zsiec/playout/media"
)

// Source is any content generator a layer can play: a file decoder, a live
// input, a still, or a composite of other sources.
//
// Receive and LastFrame are only called from the owning layer, one call at
// a time. Close is called exactly once, on the destruction goroutine, after
// the layer has dropped the source.
type Source interface {
	// Receive produces the next frame or an Empty, EOF or Late marker. An
	// error is a source fault: the layer logs it and stops.
	Receive(hints media.Hints) (media.Result, error)
	// LastFrame returns the most recent real frame, or Empty.
	LastFrame() media.Result
	// Following returns the source to switch to when this one reaches EOF.
	Following() Source
	// SetLeading records the source this one replaces.
	SetLeading(Source)
	// Leading returns the source this one replaced, if any.
	Leading() Source
	// Print returns a diagnostic label.
	Print() string
	// IsEmpty reports whether this is the empty source.
	IsEmpty() bool
	Close() error
}

// Chainable is implemented by sources whose following link can be set,
// which is what Sequence needs to build a playlist.
type Chainable interface {
	Source
	SetFollowing(Source)
}

// Contextual is implemented by sources that accept a parent diagnostic
// label, so chained sources log as part of their playlist.
type Contextual interface {
	SetPrintContext(parent string)
	PrintContext() string
}

// Base carries the chaining links and print context common to every
// source. Embed it and set Name.
type Base struct {
	Name string

	mu        sync.Mutex
	following Source
	leading   Source
	parent    string
	last      media.Result
}

// LastFrame returns the most recent frame passed to Remember.
func (b *Base) LastFrame() media.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Remember records r as the last frame if it is real, and returns r.
func (b *Base) Remember(r media.Result) media.Result {
	if r.IsReal() {
		b.mu.Lock()
		b.last = r
		b.mu.Unlock()
	}
	return r
}

// Following returns the source to continue with at EOF, or Empty().
func (b *Base) Following() Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.following == nil {
		return Empty()
	}
	return b.following
}

// SetFollowing sets the source to continue with at EOF.
func (b *Base) SetFollowing(s Source) {
	b.mu.Lock()
	b.following = s
	b.mu.Unlock()
}

// SetLeading records the source this one replaces.
func (b *Base) SetLeading(s Source) {
	b.mu.Lock()
	b.leading = s
	b.mu.Unlock()
}

// Leading returns the source this one replaced, or Empty().
func (b *Base) Leading() Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.leading == nil {
		return Empty()
	}
	return b.leading
}

// SetPrintContext prefixes Print with a parent label.
func (b *Base) SetPrintContext(parent string) {
	b.mu.Lock()
	b.parent = parent
	b.mu.Unlock()
}

// PrintContext returns the parent label, if any.
func (b *Base) PrintContext() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parent
}

// Print returns the source label, prefixed by its print context.
func (b *Base) Print() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.parent != "" {
		return b.parent + "/" + b.Name
	}
	return b.Name
}

// IsEmpty reports false; only the empty source is empty.
func (b *Base) IsEmpty() bool { return false }

type emptySource struct{}

var empty Source = emptySource{}

// Empty returns the shared empty source. It is never nil and every layer
// slot holds it when nothing is loaded.
func Empty() Source { return empty }

func (emptySource) Receive(media.Hints) (media.Result, error) { return media.Empty(), nil }
func (emptySource) LastFrame() media.Result                    { return media.Empty() }
func (emptySource) Following() Source                          { return empty }
func (emptySource) SetLeading(Source)                          {}
func (emptySource) Leading() Source                            { return empty }
func (emptySource) Print() string                              { return "empty" }
func (emptySource) IsEmpty() bool                              { return true }
func (emptySource) Close() error                               { return nil }

// IsEmpty reports whether s is nil or the empty source.
func IsEmpty(s Source) bool {
	return s == nil || s.IsEmpty()
}
