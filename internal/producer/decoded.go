package producer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/playout/internal/muxer"
	"github.com/zsiec/playout/media"
)

// maxReadsPerFrame bounds how many packets Receive pulls from the decoder
// before giving up on this tick and reporting Late.
const maxReadsPerFrame = 64

// DecodedPacket is one unit of decoder output. Video and Audio may both be
// set; Flush marks a discontinuity (new generation) before the payload.
type DecodedPacket struct {
	Video    *media.VideoFrame
	Audio    *media.AudioBuffer
	Flush    bool
	Timecode int64
}

// Decoder produces decoded packets in presentation order. Decode returns
// io.EOF at the end of the stream.
type Decoder interface {
	Decode() (DecodedPacket, error)
	Close() error
}

// Seeker is implemented by decoders that can reposition.
type Seeker interface {
	Seek(frame int64) error
}

// ErrNotSeekable is returned by Decoded.Seek when the decoder cannot seek.
var ErrNotSeekable = errors.New("producer: decoder is not seekable")

// DecodedOptions configures a Decoded source.
type DecodedOptions struct {
	Name   string
	Logger *slog.Logger
	Filter muxer.FilterFactory
}

// Decoded adapts a Decoder into a Source by feeding its packets through a
// cadence muxer.
type Decoded struct {
	Base

	log *slog.Logger
	dec Decoder
	mux *muxer.Muxer

	hints media.Hints
	eof   bool
}

// NewDecoded creates a source reading from dec.
func NewDecoded(format media.ChannelFormat, dec Decoder, opts DecodedOptions) (*Decoded, error) {
	if opts.Name == "" {
		opts.Name = "decoded"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	mux, err := muxer.New(muxer.Config{Format: format, Label: opts.Name, Logger: log, Filter: opts.Filter})
	if err != nil {
		return nil, fmt.Errorf("decoded %s: %w", opts.Name, err)
	}
	return &Decoded{
		Base: Base{Name: opts.Name},
		log:  log.With("component", "decoded", "source", opts.Name),
		dec:  dec,
		mux:  mux,
	}, nil
}

// Receive returns the next muxed frame. It returns Late when the decoder
// did not yield enough data within one tick's read budget, and EOF once the
// decoder is exhausted and nothing complete remains queued.
func (d *Decoded) Receive(hints media.Hints) (media.Result, error) {
	d.hints = hints
	if f, ok := d.mux.Poll(); ok {
		return d.Remember(media.RealFrame(f)), nil
	}
	if d.eof {
		return media.EOF(), nil
	}

	for range maxReadsPerFrame {
		pkt, err := d.dec.Decode()
		if errors.Is(err, io.EOF) {
			d.eof = true
			if f, ok := d.mux.Poll(); ok {
				return d.Remember(media.RealFrame(f)), nil
			}
			return media.EOF(), nil
		}
		if err != nil {
			return media.Result{}, fmt.Errorf("decode %s: %w", d.Print(), err)
		}
		if err := d.push(pkt); err != nil {
			return media.Result{}, err
		}
		if f, ok := d.mux.Poll(); ok {
			return d.Remember(media.RealFrame(f)), nil
		}
	}
	return media.Late(), nil
}

func (d *Decoded) push(pkt DecodedPacket) error {
	if pkt.Flush {
		if err := d.mux.PushVideo(muxer.FlushVideo(), d.hints, pkt.Timecode); err != nil {
			return err
		}
		if err := d.mux.PushAudio(muxer.FlushAudio()); err != nil {
			return err
		}
	}
	if pkt.Video != nil {
		if err := d.mux.PushVideo(muxer.VideoFrameInput(pkt.Video), d.hints, pkt.Timecode); err != nil {
			return err
		}
	}
	if pkt.Audio != nil {
		if err := d.mux.PushAudio(muxer.AudioSamples(*pkt.Audio)); err != nil {
			return err
		}
	}
	return nil
}

// Seek repositions the decoder and drops everything queued in the muxer.
func (d *Decoded) Seek(frame int64) error {
	s, ok := d.dec.(Seeker)
	if !ok {
		return ErrNotSeekable
	}
	if err := s.Seek(frame); err != nil {
		return fmt.Errorf("seek %s to %d: %w", d.Print(), frame, err)
	}
	d.mux.Clear()
	d.eof = false
	d.log.Debug("seeked", "frame", frame)
	return nil
}

// MuxerStats returns the underlying muxer counters.
func (d *Decoded) MuxerStats() muxer.Stats { return d.mux.Stats() }

// Close closes the decoder.
func (d *Decoded) Close() error {
	d.mux.Clear()
	return d.dec.Close()
}
