package muxer

import "github.com/zsiec/playout/media"

// Filter is the conversion pipeline between a decoder and the muxer's video
// queue. A Filter is built for one input Descriptor; the muxer rebuilds it
// when a frame with a different descriptor arrives. Apply may return zero
// or more output frames per input (field separation, frame-rate doubling).
type Filter interface {
	Descriptor() media.Descriptor
	Apply(frame *media.VideoFrame, hints media.Hints) ([]*media.VideoFrame, error)
}

// FilterFactory builds a Filter for frames of the given descriptor.
type FilterFactory func(in media.Descriptor, format media.ChannelFormat) (Filter, error)

// passthrough tags frames with the requested hints and leaves the picture
// alone. Pixel conversion belongs to the mixer.
type passthrough struct {
	in media.Descriptor
}

// Passthrough is the default FilterFactory.
func Passthrough(in media.Descriptor, _ media.ChannelFormat) (Filter, error) {
	return &passthrough{in: in}, nil
}

func (p *passthrough) Descriptor() media.Descriptor { return p.in }

func (p *passthrough) Apply(frame *media.VideoFrame, hints media.Hints) ([]*media.VideoFrame, error) {
	out := *frame
	out.Hints = hints
	return []*media.VideoFrame{&out}, nil
}
