package producer

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/zsiec/playout/media"
)

// Color is a still of a single color with silent audio. It never ends
// unless given a length.
type Color struct {
	Base

	format media.ChannelFormat
	bgra   []byte
	length int
	played int
	cursor int
}

// NewColor creates a color source for the channel format. argb is packed
// as 0xAARRGGBB.
func NewColor(format media.ChannelFormat, argb uint32) *Color {
	bgra := make([]byte, 4)
	binary.LittleEndian.PutUint32(bgra, argb)
	return &Color{
		Base:   Base{Name: fmt.Sprintf("color[#%08X]", argb)},
		format: format,
		bgra:   bgra,
	}
}

// WithLength makes the source end after n frames. Zero means endless.
func (c *Color) WithLength(n int) *Color {
	c.length = n
	return c
}

// Receive returns the next frame, or EOF once the length is reached.
func (c *Color) Receive(hints media.Hints) (media.Result, error) {
	if c.length > 0 && c.played >= c.length {
		return media.EOF(), nil
	}
	n := c.format.AudioCadence[c.cursor]
	c.cursor = (c.cursor + 1) % len(c.format.AudioCadence)
	c.played++

	video := &media.VideoFrame{
		Width:       1,
		Height:      1,
		PixelFormat: "bgra",
		Picture:     c.bgra,
		Hints:       hints,
		Tag:         c.Name,
	}
	return c.Remember(media.RealFrame(media.NewFrame(video, media.Silence(n, c.format.Channels), c.Print()))), nil
}

// Close releases nothing; a color holds no resources.
func (c *Color) Close() error { return nil }

// ParseColor parses "#RRGGBB", "#AARRGGBB" or a few well-known names into
// 0xAARRGGBB.
func ParseColor(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "black":
		return 0xFF000000, nil
	case "white":
		return 0xFFFFFFFF, nil
	case "red":
		return 0xFFFF0000, nil
	case "green":
		return 0xFF00FF00, nil
	case "blue":
		return 0xFF0000FF, nil
	case "transparent", "empty":
		return 0x00000000, nil
	}

	hex := strings.TrimPrefix(s, "#")
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse color %q: %w", s, err)
	}
	switch len(hex) {
	case 6:
		return 0xFF000000 | uint32(v), nil
	case 8:
		return uint32(v), nil
	default:
		return 0, fmt.Errorf("parse color %q: want #RRGGBB or #AARRGGBB", s)
	}
}
