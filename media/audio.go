package media

// AudioBuffer holds interleaved signed 32-bit PCM. A sample is one value per
// channel, so len(Samples) == SampleCount()*Channels.
type AudioBuffer struct {
	Samples  []int32
	Channels int
}

// Silence returns n samples of silence for the given channel count.
func Silence(n, channels int) AudioBuffer {
	if channels <= 0 {
		channels = 1
	}
	return AudioBuffer{Samples: make([]int32, n*channels), Channels: channels}
}

// SampleCount returns the number of per-channel samples in the buffer.
func (b AudioBuffer) SampleCount() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Slice returns samples [from, to) sharing the underlying array.
func (b AudioBuffer) Slice(from, to int) AudioBuffer {
	return AudioBuffer{Samples: b.Samples[from*b.Channels : to*b.Channels], Channels: b.Channels}
}

// IsSilent reports whether every sample is zero.
func (b AudioBuffer) IsSilent() bool {
	for _, s := range b.Samples {
		if s != 0 {
			return false
		}
	}
	return true
}
