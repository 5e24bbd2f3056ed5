package producer

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/zsiec/ccx"

	"github.com/zsiec/playout/internal/muxer"
	"github.com/zsiec/playout/media"
)

// aacFrameSamples is the batch size the signal generator decodes audio in,
// matching an AAC access unit so the muxer sees realistic batching.
const aacFrameSamples = 1024

// SignalOptions configures a Signal source.
type SignalOptions struct {
	Name      string
	ToneHz    float64 // 0 means 1 kHz
	LevelDBFS float64 // 0 means -20 dBFS
	Frames    int     // length in frames; 0 means endless
	Loop      bool    // restart at the end instead of returning EOF
	Captions  bool    // emit a CEA-608 style caption once per second
	Logger    *slog.Logger
}

// SignalBars is the color bar pattern, left to right, as 0xAARRGGBB.
var SignalBars = []uint32{
	0xFFBFBFBF, 0xFFBFBF00, 0xFF00BFBF, 0xFF00BF00,
	0xFFBF00BF, 0xFFBF0000, 0xFF0000BF, 0xFF000000,
}

// Signal generates color bars and a continuous sine tone. Video and audio
// are produced separately, in frames and 1024-sample batches, and aligned
// by a cadence muxer the way a file decoder's output would be.
type Signal struct {
	Base

	log    *slog.Logger
	format media.ChannelFormat
	opts   SignalOptions
	mux    *muxer.Muxer
	bars   []byte

	frame      int   // frames pushed in the current run
	samplePos  int64 // samples generated in the current run
	total      int64 // frames emitted across loops
	amplitude  float64
	loops      int
	captionSeq int
}

// NewSignal creates a bars-and-tone source for the channel format.
func NewSignal(format media.ChannelFormat, opts SignalOptions) (*Signal, error) {
	if opts.Name == "" {
		opts.Name = "signal"
	}
	if opts.ToneHz == 0 {
		opts.ToneHz = 1000
	}
	if opts.LevelDBFS == 0 {
		opts.LevelDBFS = -20
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	mux, err := muxer.New(muxer.Config{Format: format, Label: opts.Name, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("signal %s: %w", opts.Name, err)
	}

	bars := make([]byte, 0, len(SignalBars)*4)
	for _, c := range SignalBars {
		bars = append(bars, byte(c), byte(c>>8), byte(c>>16), byte(c>>24))
	}

	return &Signal{
		Base:      Base{Name: opts.Name},
		log:       log.With("component", "signal", "source", opts.Name),
		format:    format,
		opts:      opts,
		mux:       mux,
		bars:      bars,
		amplitude: math.Pow(10, opts.LevelDBFS/20) * math.MaxInt32,
	}, nil
}

// Receive produces the next frame through the muxer.
func (s *Signal) Receive(hints media.Hints) (media.Result, error) {
	if s.opts.Frames > 0 && s.frame >= s.opts.Frames {
		if !s.opts.Loop {
			return media.EOF(), nil
		}
		s.restart()
	}

	if err := s.mux.PushVideo(muxer.VideoFrameInput(s.picture()), hints, s.total); err != nil {
		return media.Result{}, err
	}
	s.frame++

	for {
		if f, ok := s.mux.Poll(); ok {
			s.total++
			return s.Remember(media.RealFrame(f)), nil
		}
		if err := s.mux.PushAudio(muxer.AudioSamples(s.tone(aacFrameSamples))); err != nil {
			return media.Result{}, err
		}
	}
}

// restart begins a new generation in both queues, like a file decoder
// seeking back to the start.
func (s *Signal) restart() {
	s.loops++
	s.log.Debug("looping", "loop", s.loops)
	s.frame = 0
	s.samplePos = 0
	_ = s.mux.PushVideo(muxer.FlushVideo(), media.HintNone, 0)
	_ = s.mux.PushAudio(muxer.FlushAudio())
}

// Loops returns how many times the signal has restarted.
func (s *Signal) Loops() int { return s.loops }

// MuxerStats returns the underlying muxer counters.
func (s *Signal) MuxerStats() muxer.Stats { return s.mux.Stats() }

func (s *Signal) picture() *media.VideoFrame {
	v := &media.VideoFrame{
		Width:       len(SignalBars),
		Height:      1,
		PixelFormat: "bgra",
		Picture:     s.bars,
		Tag:         fmt.Sprintf("%s#%d", s.Name, s.frame),
	}
	if s.opts.Captions {
		fps := int(math.Round(s.format.FPS()))
		if fps > 0 && s.frame%fps == 0 {
			s.captionSeq++
			v.Captions = []*ccx.CaptionFrame{{
				PTS:     int64(s.frame) * 90000 * int64(s.format.FrameRate.Den) / int64(s.format.FrameRate.Num),
				Text:    fmt.Sprintf("%s %d", s.Name, s.captionSeq),
				Channel: 1,
			}}
		}
	}
	return v
}

func (s *Signal) tone(n int) media.AudioBuffer {
	ch := s.format.Channels
	out := make([]int32, n*ch)
	step := 2 * math.Pi * s.opts.ToneHz / float64(s.format.SampleRate)
	for i := range n {
		v := int32(s.amplitude * math.Sin(step*float64(s.samplePos+int64(i))))
		for c := range ch {
			out[i*ch+c] = v
		}
	}
	s.samplePos += int64(n)
	return media.AudioBuffer{Samples: out, Channels: ch}
}

// Close releases the muxer queues.
func (s *Signal) Close() error {
	s.mux.Clear()
	return nil
}
