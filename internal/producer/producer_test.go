package producer

import (
	"errors"
	"io"
	"testing"

	"github.com/zsiec/playout/internal/muxer"
	"github.com/zsiec/playout/media"
)

func mustFormat(t *testing.T, name string) media.ChannelFormat {
	t.Helper()
	f, ok := media.LookupFormat(name)
	if !ok {
		t.Fatalf("unknown format %q", name)
	}
	return f
}

func TestColorFollowsCadence(t *testing.T) {
	t.Parallel()

	format := mustFormat(t, "1080i5994")
	c := NewColor(format, 0xFF102030)
	for i := range 10 {
		r, err := c.Receive(media.HintNone)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if !r.IsReal() {
			t.Fatalf("frame %d: got %v, want real", i, r)
		}
		want := format.AudioCadence[i%len(format.AudioCadence)]
		if got := r.Frame.Audio.SampleCount(); got != want {
			t.Errorf("frame %d: %d samples, want %d", i, got, want)
		}
		if !r.Frame.Audio.IsSilent() {
			t.Errorf("frame %d: color audio should be silent", i)
		}
	}
	if got := c.Print(); got != "color[#FF102030]" {
		t.Errorf("Print = %q", got)
	}
}

func TestColorWithLength(t *testing.T) {
	t.Parallel()

	c := NewColor(mustFormat(t, "1080p2500"), 0xFF000000).WithLength(3)
	for range 3 {
		if r, _ := c.Receive(media.HintNone); !r.IsReal() {
			t.Fatalf("got %v, want real", r)
		}
	}
	if r, _ := c.Receive(media.HintNone); !r.IsEOF() {
		t.Fatalf("got %v, want eof", r)
	}
	if !c.LastFrame().IsReal() {
		t.Error("last frame should survive EOF")
	}
}

func TestParseColor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"black", 0xFF000000, false},
		{"#FF0000", 0xFFFF0000, false},
		{"#80FF0000", 0x80FF0000, false},
		{"ff00ff", 0xFFFF00FF, false},
		{"#FFF", 0, true},
		{"nope", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseColor(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseColor(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseColor(%q) = %#08x, want %#08x", tt.in, got, tt.want)
		}
	}
}

func TestEmptySource(t *testing.T) {
	t.Parallel()

	e := Empty()
	if !IsEmpty(e) || !IsEmpty(nil) {
		t.Fatal("empty source should report empty")
	}
	if r, err := e.Receive(media.HintNone); err != nil || !r.IsEmpty() {
		t.Errorf("Receive = %v, %v", r, err)
	}
	if e.Following() != e || e.Leading() != e {
		t.Error("empty links should point at empty")
	}
	if IsEmpty(NewColor(mustFormat(t, "PAL"), 0)) {
		t.Error("color should not be empty")
	}
}

func TestSignalEndsAfterFrames(t *testing.T) {
	t.Parallel()

	format := mustFormat(t, "1080i5994")
	s, err := NewSignal(format, SignalOptions{Frames: 12})
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	for i := range 12 {
		r, err := s.Receive(media.HintNone)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if !r.IsReal() {
			t.Fatalf("frame %d: got %v, want real", i, r)
		}
		want := format.AudioCadence[i%len(format.AudioCadence)]
		if got := r.Frame.Audio.SampleCount(); got != want {
			t.Errorf("frame %d: %d samples, want %d", i, got, want)
		}
	}
	if r, _ := s.Receive(media.HintNone); !r.IsEOF() {
		t.Fatalf("got %v, want eof", r)
	}
}

func TestSignalLoops(t *testing.T) {
	t.Parallel()

	s, err := NewSignal(mustFormat(t, "1080p2500"), SignalOptions{Frames: 5, Loop: true})
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	for i := range 12 {
		r, err := s.Receive(media.HintNone)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if !r.IsReal() {
			t.Fatalf("frame %d: got %v, want real", i, r)
		}
		if got := r.Frame.Audio.SampleCount(); got != 1920 {
			t.Errorf("frame %d: %d samples, want 1920", i, got)
		}
	}
	if got := s.Loops(); got != 2 {
		t.Errorf("Loops = %d, want 2", got)
	}
	if got := s.MuxerStats().Truncations; got != 2 {
		t.Errorf("Truncations = %d, want 2", got)
	}
}

func TestSignalCaptions(t *testing.T) {
	t.Parallel()

	s, err := NewSignal(mustFormat(t, "1080p2500"), SignalOptions{Name: "bars", Captions: true})
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	var captioned []int
	for i := range 51 {
		r, err := s.Receive(media.HintNone)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if len(r.Frame.Video.Captions) > 0 {
			captioned = append(captioned, i)
		}
	}
	if len(captioned) != 3 || captioned[0] != 0 || captioned[1] != 25 || captioned[2] != 50 {
		t.Errorf("captioned frames = %v, want [0 25 50]", captioned)
	}
}

func TestSignalToneIsNotSilent(t *testing.T) {
	t.Parallel()

	s, err := NewSignal(mustFormat(t, "1080p2500"), SignalOptions{})
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	r, _ := s.Receive(media.HintNone)
	if r.Frame.Audio.IsSilent() {
		t.Error("tone should not be silent")
	}
}

func TestSequenceLinksItems(t *testing.T) {
	t.Parallel()

	format := mustFormat(t, "PAL")
	a := NewColor(format, 0xFF000001)
	b := NewColor(format, 0xFF000002)
	c := NewColor(format, 0xFF000003)

	first, err := Sequence("list", a, b, c)
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if first != Source(a) {
		t.Fatal("Sequence should return the first item")
	}
	if a.Following() != Source(b) || b.Following() != Source(c) {
		t.Error("items should be linked in order")
	}
	if !IsEmpty(c.Following()) {
		t.Error("last item should be followed by empty")
	}
	if got := b.Print(); got != "list/color[#FF000002]" {
		t.Errorf("Print = %q", got)
	}

	if _, err := Sequence("none"); !errors.Is(err, ErrEmptySequence) {
		t.Errorf("err = %v, want ErrEmptySequence", err)
	}
}

type scriptedDecoder struct {
	packets []DecodedPacket
	err     error
	seeks   []int64
	closed  bool
}

func (d *scriptedDecoder) Decode() (DecodedPacket, error) {
	if d.err != nil {
		return DecodedPacket{}, d.err
	}
	if len(d.packets) == 0 {
		return DecodedPacket{}, io.EOF
	}
	p := d.packets[0]
	d.packets = d.packets[1:]
	return p, nil
}

func (d *scriptedDecoder) Close() error {
	d.closed = true
	return nil
}

type seekableDecoder struct {
	scriptedDecoder
}

func (d *seekableDecoder) Seek(frame int64) error {
	d.seeks = append(d.seeks, frame)
	return nil
}

func packet(samples int) DecodedPacket {
	audio := media.Silence(samples, 2)
	return DecodedPacket{
		Video: &media.VideoFrame{Width: 16, Height: 9, PixelFormat: "bgra"},
		Audio: &audio,
	}
}

func TestDecodedPlaysToEOF(t *testing.T) {
	t.Parallel()

	dec := &scriptedDecoder{packets: []DecodedPacket{packet(1920), packet(1920), packet(1920)}}
	d, err := NewDecoded(mustFormat(t, "1080p2500"), dec, DecodedOptions{Name: "clip"})
	if err != nil {
		t.Fatalf("NewDecoded: %v", err)
	}
	for i := range 3 {
		if r, err := d.Receive(media.HintNone); err != nil || !r.IsReal() {
			t.Fatalf("frame %d: got %v, %v", i, r, err)
		}
	}
	if r, err := d.Receive(media.HintNone); err != nil || !r.IsEOF() {
		t.Fatalf("got %v, %v, want eof", r, err)
	}
	if err := d.Close(); err != nil || !dec.closed {
		t.Errorf("Close = %v, closed = %v", err, dec.closed)
	}
}

func TestDecodedLateWhenDecoderStarves(t *testing.T) {
	t.Parallel()

	packets := make([]DecodedPacket, maxReadsPerFrame+1)
	d, err := NewDecoded(mustFormat(t, "1080p2500"), &scriptedDecoder{packets: packets}, DecodedOptions{})
	if err != nil {
		t.Fatalf("NewDecoded: %v", err)
	}
	if r, err := d.Receive(media.HintNone); err != nil || !r.IsLate() {
		t.Fatalf("got %v, %v, want late", r, err)
	}
}

func TestDecodedOverflowIsFault(t *testing.T) {
	t.Parallel()

	var packets []DecodedPacket
	for range 40 {
		packets = append(packets, DecodedPacket{Video: &media.VideoFrame{Width: 16, Height: 9}})
	}
	d, err := NewDecoded(mustFormat(t, "1080p2500"), &scriptedDecoder{packets: packets}, DecodedOptions{})
	if err != nil {
		t.Fatalf("NewDecoded: %v", err)
	}
	_, err = d.Receive(media.HintNone)
	if !errors.Is(err, muxer.ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
}

func TestDecodedDecodeErrorIsFault(t *testing.T) {
	t.Parallel()

	boom := errors.New("corrupt stream")
	d, err := NewDecoded(mustFormat(t, "1080p2500"), &scriptedDecoder{err: boom}, DecodedOptions{})
	if err != nil {
		t.Fatalf("NewDecoded: %v", err)
	}
	if _, err := d.Receive(media.HintNone); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestDecodedSeekClearsMuxer(t *testing.T) {
	t.Parallel()

	dec := &seekableDecoder{}
	dec.packets = []DecodedPacket{packet(1000), packet(3000)}
	d, err := NewDecoded(mustFormat(t, "1080p2500"), dec, DecodedOptions{})
	if err != nil {
		t.Fatalf("NewDecoded: %v", err)
	}
	if r, _ := d.Receive(media.HintNone); !r.IsReal() {
		t.Fatalf("got %v, want real", r)
	}
	// One video frame and 2080 samples remain queued.
	if err := d.Seek(100); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if len(dec.seeks) != 1 || dec.seeks[0] != 100 {
		t.Errorf("seeks = %v", dec.seeks)
	}
	if r, _ := d.Receive(media.HintNone); !r.IsEOF() {
		t.Fatalf("got %v, want eof after seek cleared the queue", r)
	}

	plain, err := NewDecoded(mustFormat(t, "1080p2500"), &scriptedDecoder{}, DecodedOptions{})
	if err != nil {
		t.Fatalf("NewDecoded: %v", err)
	}
	if err := plain.Seek(0); !errors.Is(err, ErrNotSeekable) {
		t.Errorf("err = %v, want ErrNotSeekable", err)
	}
}
