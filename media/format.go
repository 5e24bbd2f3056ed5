package media

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Rational is a frame rate or time base expressed as Num/Den.
type Rational struct {
	Num int
	Den int
}

// NewRational creates a rational number. A zero denominator becomes 1.
func NewRational(num, den int) Rational {
	if den == 0 {
		den = 1
	}
	return Rational{Num: num, Den: den}
}

// Float64 returns the floating point representation.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Invert returns Den/Num.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

// Duration returns the length of one frame at this frame rate.
func (r Rational) Duration() time.Duration {
	if r.Num <= 0 {
		return 0
	}
	return time.Duration(int64(time.Second) * int64(r.Den) / int64(r.Num))
}

func (r Rational) String() string {
	if r.Den == 1 {
		return fmt.Sprintf("%d", r.Num)
	}
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Common frame rates.
var (
	FrameRate23_976 = Rational{Num: 24000, Den: 1001}
	FrameRate24     = Rational{Num: 24, Den: 1}
	FrameRate25     = Rational{Num: 25, Den: 1}
	FrameRate29_97  = Rational{Num: 30000, Den: 1001}
	FrameRate30     = Rational{Num: 30, Den: 1}
	FrameRate50     = Rational{Num: 50, Den: 1}
	FrameRate59_94  = Rational{Num: 60000, Den: 1001}
	FrameRate60     = Rational{Num: 60, Den: 1}
)

// DefaultSampleRate and DefaultChannels describe the channel audio bus.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
)

// ChannelFormat describes a channel's output cadence. It is immutable after
// construction; AudioCadence must not be modified by callers.
type ChannelFormat struct {
	Name         string   `json:"name"`
	Width        int      `json:"width"`
	Height       int      `json:"height"`
	Interlaced   bool     `json:"interlaced"`
	FrameRate    Rational `json:"-"`
	SampleRate   int      `json:"sampleRate"`
	Channels     int      `json:"channels"`
	AudioCadence []int    `json:"audioCadence"`
}

// NewChannelFormat builds a format and its audio cadence table.
func NewChannelFormat(name string, width, height int, rate Rational, sampleRate, channels int) (ChannelFormat, error) {
	if rate.Num <= 0 || rate.Den <= 0 {
		return ChannelFormat{}, fmt.Errorf("format %s: invalid frame rate %s", name, rate)
	}
	if sampleRate <= 0 {
		return ChannelFormat{}, fmt.Errorf("format %s: invalid sample rate %d", name, sampleRate)
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	return ChannelFormat{
		Name:         name,
		Width:        width,
		Height:       height,
		FrameRate:    rate,
		SampleRate:   sampleRate,
		Channels:     channels,
		AudioCadence: Cadence(rate, sampleRate),
	}, nil
}

// FrameDuration returns the duration of one output frame.
func (f ChannelFormat) FrameDuration() time.Duration {
	return f.FrameRate.Duration()
}

// FPS returns the frame rate as a float, for display.
func (f ChannelFormat) FPS() float64 {
	return f.FrameRate.Float64()
}

// SamplesPerCycle returns the sum of the cadence table: the number of audio
// samples in len(AudioCadence) frames.
func (f ChannelFormat) SamplesPerCycle() int {
	n := 0
	for _, c := range f.AudioCadence {
		n += c
	}
	return n
}

// MaxCadence returns the largest element of the cadence table.
func (f ChannelFormat) MaxCadence() int {
	m := 0
	for _, c := range f.AudioCadence {
		m = max(m, c)
	}
	return m
}

func (f ChannelFormat) String() string {
	return f.Name
}

// Cadence computes the per-frame audio sample counts for a frame rate. For
// integral sample-per-frame rates the table has one element. Otherwise its
// length L is the smallest number of frames holding a whole number of
// samples, and element i is round(x*(i+1)) - round(x*i) where x is the exact
// samples-per-frame value, so the table sums to x*L exactly.
func Cadence(rate Rational, sampleRate int) []int {
	num := int64(rate.Num)
	scaled := int64(sampleRate) * int64(rate.Den) // x = scaled/num
	length := num / gcd(scaled, num)

	round := func(k int64) int64 {
		return (2*scaled*k + num) / (2 * num)
	}

	table := make([]int, length)
	for i := range length {
		table[i] = int(round(i+1) - round(i))
	}
	return table
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

var standardFormats = map[string]ChannelFormat{}

func register(name string, width, height int, interlaced bool, rate Rational) {
	f, err := NewChannelFormat(name, width, height, rate, DefaultSampleRate, DefaultChannels)
	if err != nil {
		panic(err)
	}
	f.Interlaced = interlaced
	standardFormats[strings.ToLower(name)] = f
}

func init() {
	register("PAL", 720, 576, true, FrameRate25)
	register("NTSC", 720, 486, true, FrameRate29_97)
	register("720p2500", 1280, 720, false, FrameRate25)
	register("720p5000", 1280, 720, false, FrameRate50)
	register("720p2997", 1280, 720, false, FrameRate29_97)
	register("720p5994", 1280, 720, false, FrameRate59_94)
	register("720p3000", 1280, 720, false, FrameRate30)
	register("720p6000", 1280, 720, false, FrameRate60)
	register("1080i5000", 1920, 1080, true, FrameRate25)
	register("1080i5994", 1920, 1080, true, FrameRate29_97)
	register("1080i6000", 1920, 1080, true, FrameRate30)
	register("1080p2398", 1920, 1080, false, FrameRate23_976)
	register("1080p2400", 1920, 1080, false, FrameRate24)
	register("1080p2500", 1920, 1080, false, FrameRate25)
	register("1080p2997", 1920, 1080, false, FrameRate29_97)
	register("1080p3000", 1920, 1080, false, FrameRate30)
	register("1080p5000", 1920, 1080, false, FrameRate50)
	register("1080p5994", 1920, 1080, false, FrameRate59_94)
	register("1080p6000", 1920, 1080, false, FrameRate60)
	register("2160p2500", 3840, 2160, false, FrameRate25)
	register("2160p2997", 3840, 2160, false, FrameRate29_97)
	register("2160p5000", 3840, 2160, false, FrameRate50)
	register("2160p5994", 3840, 2160, false, FrameRate59_94)
}

// LookupFormat returns a standard format by case-insensitive name.
func LookupFormat(name string) (ChannelFormat, bool) {
	f, ok := standardFormats[strings.ToLower(name)]
	return f, ok
}

// Formats returns all standard formats sorted by name.
func Formats() []ChannelFormat {
	out := make([]ChannelFormat, 0, len(standardFormats))
	for _, f := range standardFormats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
