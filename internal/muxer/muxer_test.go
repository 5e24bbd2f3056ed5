package muxer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zsiec/ccx"

	"github.com/zsiec/playout/media"
)

func mustFormat(t *testing.T, name string) media.ChannelFormat {
	t.Helper()
	f, ok := media.LookupFormat(name)
	require.True(t, ok, "format %s", name)
	return f
}

func newMuxer(t *testing.T, format media.ChannelFormat) *Muxer {
	t.Helper()
	m, err := New(Config{Format: format, Label: "test"})
	require.NoError(t, err)
	return m
}

func videoFrame(tag string) *media.VideoFrame {
	return &media.VideoFrame{Width: 1920, Height: 1080, PixelFormat: "bgra", Tag: tag}
}

// ramp returns n stereo samples whose left channel counts up from start.
func ramp(start, n int) media.AudioBuffer {
	s := make([]int32, 0, n*2)
	for i := range n {
		s = append(s, int32(start+i), int32(-(start + i)))
	}
	return media.AudioBuffer{Samples: s, Channels: 2}
}

func TestPollNeedsBothQueues(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p2500"))

	_, ok := m.Poll()
	assert.False(t, ok, "empty muxer must not emit")

	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("v0")), media.HintNone, 0))
	_, ok = m.Poll()
	assert.False(t, ok, "video without audio must not emit")

	require.NoError(t, m.PushAudio(AudioSamples(ramp(0, 1919))))
	_, ok = m.Poll()
	assert.False(t, ok, "one sample short must not emit")

	require.NoError(t, m.PushAudio(AudioSamples(ramp(1919, 1))))
	f, ok := m.Poll()
	require.True(t, ok)
	assert.Equal(t, "v0", f.Video.Tag)
	assert.Equal(t, 1920, f.Audio.SampleCount())
	assert.Equal(t, "test", f.Source)
}

func TestCadenceSumOverCycle(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"PAL", "NTSC", "1080p2398", "1080p5994", "720p5994", "1080p6000"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			format := mustFormat(t, name)
			L := len(format.AudioCadence)

			for rotation := range L {
				m := newMuxer(t, format)
				// Feed odd-sized batches to make sure batch boundaries never matter.
				fed := 0
				feed := func() {
					require.NoError(t, m.PushAudio(AudioSamples(ramp(fed, 1024))))
					fed += 1024
				}
				poll := func() int {
					require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("v")), media.HintNone, 0))
					for {
						if f, ok := m.Poll(); ok {
							return f.Audio.SampleCount()
						}
						feed()
					}
				}

				for range rotation {
					poll()
				}
				require.Equal(t, rotation, m.Cursor())

				sum := 0
				for range L {
					sum += poll()
				}
				assert.Equal(t, format.SamplesPerCycle(), sum, "rotation %d", rotation)
				assert.Equal(t, rotation, m.Cursor(), "cursor must wrap back after a full cycle")
			}
		})
	}
}

func TestNoDriftOverLongRun(t *testing.T) {
	t.Parallel()
	format := mustFormat(t, "1080i5994")
	m := newMuxer(t, format)

	const frames = 30000 // a little over 16 minutes
	next := 0
	emitted := 0
	for i := range frames {
		require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame(fmt.Sprint(i))), media.HintNone, int64(i)))
		for {
			f, ok := m.Poll()
			if ok {
				// Samples must come out contiguous and in order.
				require.Equal(t, int32(emitted), f.Audio.Samples[0], "frame %d", i)
				emitted += f.Audio.SampleCount()
				break
			}
			require.NoError(t, m.PushAudio(AudioSamples(ramp(next, 1024))))
			next += 1024
		}
	}

	want := frames / len(format.AudioCadence) * format.SamplesPerCycle()
	assert.Equal(t, want, emitted)
	assert.Equal(t, int64(want), m.Stats().SamplesEmitted)
}

func TestOutputPreservesVideoOrder(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p5000"))

	for i := range 5 {
		require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame(fmt.Sprintf("v%d", i))), media.HintNone, int64(i)))
	}
	require.NoError(t, m.PushAudio(AudioSamples(ramp(0, 960*5))))

	for i := range 5 {
		f, ok := m.Poll()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("v%d", i), f.Video.Tag)
		assert.Equal(t, int64(i), f.Video.Timecode)
		assert.Equal(t, int32(960*i), f.Audio.Samples[0])
	}
	_, ok := m.Poll()
	assert.False(t, ok)
}

func TestTruncationOnDesync(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p2500"))

	// Generation 0: one frame and too little audio, then the stream loops.
	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("old")), media.HintNone, 0))
	require.NoError(t, m.PushAudio(AudioSamples(ramp(0, 100))))
	require.NoError(t, m.PushVideo(FlushVideo(), media.HintNone, 0))
	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("new")), media.HintNone, 0))

	v, a := m.Generations()
	require.Equal(t, 2, v)
	require.Equal(t, 1, a)

	_, ok := m.Poll()
	assert.False(t, ok, "audio has not caught up; poll must return without blocking")

	// Audio reaches the loop point and the new generation begins.
	require.NoError(t, m.PushAudio(FlushAudio()))
	require.NoError(t, m.PushAudio(AudioSamples(ramp(5000, 1920))))

	f, ok := m.Poll()
	require.True(t, ok, "poll must succeed once audio catches up")
	assert.Equal(t, "new", f.Video.Tag, "oldest video generation must be discarded")
	assert.Equal(t, int32(5000), f.Audio.Samples[0], "oldest audio generation must be discarded")

	st := m.Stats()
	assert.Equal(t, int64(1), st.Truncations)
	assert.Equal(t, int64(1), st.DroppedFrames)
	assert.Equal(t, int64(100), st.DroppedSamples)

	v, a = m.Generations()
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, a)
}

func TestNoTruncationWhenOldestIsReady(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p2500"))

	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("last-of-old")), media.HintNone, 0))
	require.NoError(t, m.PushAudio(AudioSamples(ramp(0, 1920))))
	require.NoError(t, m.PushVideo(FlushVideo(), media.HintNone, 0))
	require.NoError(t, m.PushAudio(FlushAudio()))
	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("first-of-new")), media.HintNone, 0))
	require.NoError(t, m.PushAudio(AudioSamples(ramp(10000, 1920))))

	f, ok := m.Poll()
	require.True(t, ok)
	assert.Equal(t, "last-of-old", f.Video.Tag, "a fully ready generation drains before truncation")

	f, ok = m.Poll()
	require.True(t, ok)
	assert.Equal(t, "first-of-new", f.Video.Tag)
	assert.Equal(t, int32(10000), f.Audio.Samples[0])
	assert.Equal(t, int64(1), m.Stats().Truncations, "the drained, empty generation is dropped")
	assert.Equal(t, int64(0), m.Stats().DroppedFrames)
}

func TestVideoOnlyFlushDoesNotStall(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p2500"))

	require.NoError(t, m.PushVideo(FlushVideo(), media.HintNone, 0))
	emitted := 0
	for i := range 2 * DefaultMaxVideoFrames {
		require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame(fmt.Sprint(i))), media.HintNone, int64(i)))
		require.NoError(t, m.PushAudio(AudioSamples(ramp(i*1920, 1920))))
		require.True(t, m.VideoReady())
		require.True(t, m.AudioReady())
		f, ok := m.Poll()
		require.True(t, ok, "frame %d", i)
		assert.Equal(t, fmt.Sprint(i), f.Video.Tag)
		assert.Equal(t, int32(i*1920), f.Audio.Samples[0])
		emitted++
	}
	assert.Equal(t, 2*DefaultMaxVideoFrames, emitted)
	require.NoError(t, m.Err())
	assert.Equal(t, int64(0), m.Stats().DroppedFrames)
	assert.Equal(t, int64(0), m.Stats().DroppedSamples)
}

func TestAudioOnlyFlushDropsLeftover(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p2500"))

	// A partial batch from the old stream, then audio restarts alone.
	require.NoError(t, m.PushAudio(AudioSamples(ramp(0, 100))))
	require.NoError(t, m.PushAudio(FlushAudio()))
	require.NoError(t, m.PushAudio(AudioSamples(ramp(5000, 1920))))
	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("v")), media.HintNone, 0))

	f, ok := m.Poll()
	require.True(t, ok)
	assert.Equal(t, "v", f.Video.Tag)
	assert.Equal(t, int32(5000), f.Audio.Samples[0])
	assert.Equal(t, int64(100), m.Stats().DroppedSamples)

	v, a := m.Generations()
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, a)
}

func TestOneSidedFlushWaitsForPairableData(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p2500"))

	require.NoError(t, m.PushVideo(FlushVideo(), media.HintNone, 0))
	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("v")), media.HintNone, 0))
	_, ok := m.Poll()
	assert.False(t, ok)
	v, _ := m.Generations()
	assert.Equal(t, 2, v, "nothing to pair with yet; the empty generation stays queued")
}

func TestReadinessPredicates(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p2500"))

	assert.False(t, m.VideoReady())
	assert.False(t, m.AudioReady())

	require.NoError(t, m.PushVideo(FlushVideo(), media.HintNone, 0))
	assert.True(t, m.VideoReady(), "a queued second generation makes the oldest drainable")

	require.NoError(t, m.PushAudio(AudioSamples(ramp(0, 1920))))
	assert.True(t, m.AudioReady())
}

func TestVideoOverflow(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p2500"))

	var err error
	for i := 0; i < 40 && err == nil; i++ {
		err = m.PushVideo(VideoFrameInput(videoFrame("v")), media.HintNone, 0)
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverflow))

	var oe *OverflowError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "video", oe.Stream)
	assert.Equal(t, DefaultMaxVideoFrames, oe.Limit)
	assert.Equal(t, DefaultMaxVideoFrames+1, oe.Queued)

	// The stream is poisoned.
	assert.ErrorIs(t, m.PushAudio(AudioSamples(ramp(0, 1920))), ErrOverflow)
	assert.ErrorIs(t, m.Err(), ErrOverflow)
	_, ok := m.Poll()
	assert.False(t, ok)
}

func TestAudioOverflow(t *testing.T) {
	t.Parallel()
	m, err := New(Config{Format: mustFormat(t, "1080p2500"), MaxAudioFrames: 4})
	require.NoError(t, err)

	require.NoError(t, m.PushAudio(AudioSamples(ramp(0, 1920*4))))
	err = m.PushAudio(AudioSamples(ramp(0, 1)))

	var oe *OverflowError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "audio", oe.Stream)
	assert.Equal(t, 1920*4, oe.Limit)
}

func TestClearResetsCursorAndQueues(t *testing.T) {
	t.Parallel()
	format := mustFormat(t, "NTSC")
	m := newMuxer(t, format)

	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("a")), media.HintNone, 0))
	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("b")), media.HintNone, 0))
	require.NoError(t, m.PushAudio(AudioSamples(ramp(0, 5000))))
	_, ok := m.Poll()
	require.True(t, ok)
	_, ok = m.Peek()
	require.True(t, ok)
	require.NoError(t, m.PushVideo(FlushVideo(), media.HintNone, 0))
	require.Equal(t, 2, m.Cursor())

	m.Clear()

	assert.Equal(t, 0, m.Cursor())
	assert.Equal(t, format.AudioCadence[0], m.Cadence())
	v, a := m.Generations()
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, a)
	_, ok = m.Poll()
	assert.False(t, ok, "clear must drop buffered frames too")
}

func TestPeekBuffersFrame(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p2500"))

	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("a")), media.HintNone, 0))
	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("b")), media.HintNone, 0))
	require.NoError(t, m.PushAudio(AudioSamples(ramp(0, 3840))))

	peeked, ok := m.Peek()
	require.True(t, ok)
	again, ok := m.Peek()
	require.True(t, ok)
	assert.Same(t, peeked, again)
	assert.Equal(t, 1, m.Cursor(), "peek composes once")

	polled, ok := m.Poll()
	require.True(t, ok)
	assert.Same(t, peeked, polled, "buffered frame is returned first")

	next, ok := m.Poll()
	require.True(t, ok)
	assert.Equal(t, "b", next.Video.Tag)
}

func TestEmptyInputsHoldTiming(t *testing.T) {
	t.Parallel()
	format := mustFormat(t, "NTSC")
	m := newMuxer(t, format)

	total := 0
	for range len(format.AudioCadence) {
		require.NoError(t, m.PushVideo(EmptyVideo(), media.HintNone, 0))
		require.NoError(t, m.PushAudio(EmptyAudio()))
		f, ok := m.Poll()
		require.True(t, ok)
		assert.Equal(t, "blank", f.Video.Tag)
		assert.Equal(t, format.Width, f.Video.Width)
		assert.True(t, f.Audio.IsSilent())
		total += f.Audio.SampleCount()
	}
	assert.Equal(t, format.SamplesPerCycle(), total)
	v, a := m.Generations()
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, a)
}

func captionFrames(text string) []*ccx.CaptionFrame {
	return []*ccx.CaptionFrame{{PTS: 0, Text: text, Channel: 1}}
}

type countingFilter struct {
	in media.Descriptor
}

func (c *countingFilter) Descriptor() media.Descriptor { return c.in }

func (c *countingFilter) Apply(frame *media.VideoFrame, hints media.Hints) ([]*media.VideoFrame, error) {
	out := *frame
	out.PixelFormat = "bgra"
	out.Hints = hints
	return []*media.VideoFrame{&out}, nil
}

func TestFormatChangeRebuildsFilter(t *testing.T) {
	t.Parallel()
	built := 0
	var descs []media.Descriptor
	m, err := New(Config{
		Format: mustFormat(t, "1080p2500"),
		Filter: func(in media.Descriptor, _ media.ChannelFormat) (Filter, error) {
			built++
			descs = append(descs, in)
			return &countingFilter{in: in}, nil
		},
	})
	require.NoError(t, err)

	push := func(w, h int, pix string) {
		require.NoError(t, m.PushVideo(VideoFrameInput(&media.VideoFrame{Width: w, Height: h, PixelFormat: pix}), media.HintDeinterlace, 0))
	}
	push(1920, 1080, "yuv420p")
	push(1920, 1080, "yuv420p")
	push(1280, 720, "yuv420p")
	push(1280, 720, "yuv422p10")

	assert.Equal(t, 3, built)
	assert.Equal(t, int64(3), m.Stats().FilterRebuilds)
	assert.Equal(t, media.Descriptor{Width: 1280, Height: 720, PixelFormat: "yuv422p10"}, descs[2])

	require.NoError(t, m.PushAudio(AudioSamples(ramp(0, 1920*4))))
	for range 4 {
		f, ok := m.Poll()
		require.True(t, ok, "rebuild must be transparent to poll")
		assert.Equal(t, "bgra", f.Video.PixelFormat)
		assert.True(t, f.Video.Hints.Has(media.HintDeinterlace))
	}
}

func TestFilterErrorIsReturned(t *testing.T) {
	t.Parallel()
	m, err := New(Config{
		Format: mustFormat(t, "1080p2500"),
		Filter: func(media.Descriptor, media.ChannelFormat) (Filter, error) {
			return nil, errors.New("unsupported pixel format")
		},
	})
	require.NoError(t, err)

	err = m.PushVideo(VideoFrameInput(videoFrame("v")), media.HintNone, 0)
	assert.ErrorContains(t, err, "unsupported pixel format")
	assert.NoError(t, m.Err(), "a filter error does not poison the stream")
}

func TestMonoAudioIsRemapped(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p2500"))

	mono := make([]int32, 1920)
	for i := range mono {
		mono[i] = 7
	}
	require.NoError(t, m.PushAudio(AudioSamples(media.AudioBuffer{Samples: mono, Channels: 1})))
	require.NoError(t, m.PushVideo(VideoFrameInput(videoFrame("v")), media.HintNone, 0))

	f, ok := m.Poll()
	require.True(t, ok)
	assert.Equal(t, 2, f.Audio.Channels)
	assert.Equal(t, 1920, f.Audio.SampleCount())
	assert.Equal(t, []int32{7, 0}, f.Audio.Samples[:2])
}

func TestNewRejectsBadFormat(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Format: media.ChannelFormat{Name: "broken"}})
	assert.Error(t, err)

	_, err = New(Config{Format: media.ChannelFormat{Name: "zero", AudioCadence: []int{0}}})
	assert.Error(t, err)
}

func TestCaptionsPassThrough(t *testing.T) {
	t.Parallel()
	m := newMuxer(t, mustFormat(t, "1080p2500"))

	v := videoFrame("cc")
	v.Captions = captionFrames("HELLO")
	require.NoError(t, m.PushVideo(VideoFrameInput(v), media.HintNone, 0))
	require.NoError(t, m.PushAudio(AudioSamples(ramp(0, 1920))))

	f, ok := m.Poll()
	require.True(t, ok)
	require.Len(t, f.Video.Captions, 1)
	assert.Equal(t, "HELLO", f.Video.Captions[0].Text)
}
