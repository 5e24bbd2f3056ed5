package muxer

import "github.com/zsiec/playout/media"

type inputKind uint8

const (
	inputData inputKind = iota
	inputEmpty
	inputFlush
)

// VideoInput is one item pushed into the video queue: a decoded frame, an
// empty marker that holds timing with a blank picture, or a flush marker
// that starts a new generation.
type VideoInput struct {
	kind  inputKind
	frame *media.VideoFrame
}

// VideoFrameInput wraps a decoded frame. A nil frame is treated as EmptyVideo.
func VideoFrameInput(f *media.VideoFrame) VideoInput {
	if f == nil {
		return EmptyVideo()
	}
	return VideoInput{kind: inputData, frame: f}
}

// EmptyVideo holds timing for one frame without a picture.
func EmptyVideo() VideoInput { return VideoInput{kind: inputEmpty} }

// FlushVideo starts a new video generation (seek, loop, decoder restart).
func FlushVideo() VideoInput { return VideoInput{kind: inputFlush} }

// AudioInput is one item pushed into the audio queue: a batch of decoded
// samples, an empty marker worth one frame of silence, or a flush marker.
type AudioInput struct {
	kind   inputKind
	buffer media.AudioBuffer
}

// AudioSamples wraps a decoded sample batch.
func AudioSamples(b media.AudioBuffer) AudioInput {
	return AudioInput{kind: inputData, buffer: b}
}

// EmptyAudio adds one frame's worth of silence.
func EmptyAudio() AudioInput { return AudioInput{kind: inputEmpty} }

// FlushAudio starts a new audio generation.
func FlushAudio() AudioInput { return AudioInput{kind: inputFlush} }
