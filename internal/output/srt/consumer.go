// Package srt sends a channel's mixed audio to a remote SRT listener for
// confidence monitoring.
package srt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/playout/internal/metrics"
	"github.com/zsiec/playout/internal/output"
	"github.com/zsiec/playout/media"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// queueDepth is how many frames may wait for the socket before the oldest
// is dropped. About a second at 25fps.
const queueDepth = 32

const dialTimeout = 10 * time.Second

// maxPayload is the SRT live-mode payload size. Packets are written in
// chunks of at most this many bytes; the receiver reads them as a stream.
const maxPayload = 1316

// Consumer writes every frame it is sent to a connection as a monitor
// packet. It implements output.Consumer.
type Consumer struct {
	id      string
	log     *slog.Logger
	metrics *metrics.Metrics
	conn    io.WriteCloser
	queue   *output.Queue

	seq       uint64
	sent      atomic.Int64
	bytesSent atomic.Int64
	reported  atomic.Int64
	connected atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to an SRT listener at addr and returns a Consumer for the
// given channel. The stream ID is "playout/<channel>".
func Dial(ctx context.Context, addr string, channel int, m *metrics.Metrics, log *slog.Logger) (*Consumer, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = fmt.Sprintf("playout/%d", channel)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", addr, res.err)
		}
		return New(fmt.Sprintf("srt-%d-%s", channel, addr), res.conn, m, log), nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("SRT dial %s timed out after %s", addr, dialTimeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}

// New starts a Consumer writing to conn. The consumer owns conn and closes
// it on Close or on the first write error.
func New(id string, conn io.WriteCloser, m *metrics.Metrics, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	c := &Consumer{
		id:      id,
		log:     log.With("component", "srt-monitor", "consumer", id),
		metrics: m,
		conn:    conn,
		queue:   output.NewQueue(queueDepth),
		done:    make(chan struct{}),
	}
	c.connected.Store(true)
	go c.run()
	return c
}

func (c *Consumer) ID() string { return c.id }

// Send queues f for the writer goroutine. It never blocks.
func (c *Consumer) Send(f *media.Frame) {
	if f == nil || !c.connected.Load() {
		return
	}
	if c.queue.Push(f) {
		c.reportDrops()
	}
}

func (c *Consumer) Stats() output.ConsumerStats {
	return output.ConsumerStats{
		ID:        c.id,
		Sent:      c.sent.Load(),
		Dropped:   c.queue.Dropped(),
		BytesSent: c.bytesSent.Load(),
		Connected: c.connected.Load(),
	}
}

// Done is closed once the writer goroutine has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Close stops the writer and closes the connection. Queued frames are
// still written first.
func (c *Consumer) Close() error {
	c.closeOnce.Do(c.queue.Close)
	<-c.done
	return nil
}

func (c *Consumer) run() {
	defer close(c.done)
	defer func() {
		c.connected.Store(false)
		if err := c.conn.Close(); err != nil {
			c.log.Debug("close error", "error", err)
		}
	}()

	var buf []byte
	for f := range c.queue.C() {
		buf = AppendPacket(buf[:0], c.seq, f.Audio)
		c.seq++
		if err := c.write(buf); err != nil {
			c.log.Warn("write failed, disconnecting", "error", err)
			c.closeOnce.Do(c.queue.Close)
			return
		}
		c.sent.Add(1)
	}
	c.log.Info("monitor stopped", "sent", c.sent.Load(), "dropped", c.queue.Dropped())
}

func (c *Consumer) write(b []byte) error {
	for len(b) > 0 {
		chunk := b[:min(len(b), maxPayload)]
		n, err := c.conn.Write(chunk)
		c.bytesSent.Add(int64(n))
		if err != nil {
			return err
		}
		b = b[len(chunk):]
	}
	return nil
}

func (c *Consumer) reportDrops() {
	total := c.queue.Dropped()
	prev := c.reported.Swap(total)
	if d := total - prev; d > 0 {
		c.metrics.AddConsumerDrops(c.id, int(d))
	}
}

// AppendPacket appends one monitor packet to b: varint sequence number,
// varint sample count, varint channel count, then the interleaved samples
// as 16-bit little-endian PCM.
func AppendPacket(b []byte, seq uint64, audio media.AudioBuffer) []byte {
	b = quicvarint.Append(b, seq)
	b = quicvarint.Append(b, uint64(audio.SampleCount()))
	b = quicvarint.Append(b, uint64(max(audio.Channels, 0)))
	for _, s := range audio.Samples {
		b = binary.LittleEndian.AppendUint16(b, uint16(int16(s>>16)))
	}
	return b
}

// Packet is one decoded monitor packet.
type Packet struct {
	Seq      uint64
	Channels int
	Samples  []int16 // interleaved
}

// Bounds on a packet's header fields against corrupt input. maxPacketSamples
// also bounds the interleaved total.
const (
	maxPacketSamples  = 1 << 20
	maxPacketChannels = 64
)

var errBadPacket = errors.New("srt: malformed monitor packet")

// ReadPacket reads one packet written by AppendPacket.
func ReadPacket(r quicvarint.Reader) (Packet, error) {
	seq, err := quicvarint.Read(r)
	if err != nil {
		return Packet{}, err
	}
	samples, err := quicvarint.Read(r)
	if err != nil {
		return Packet{}, noEOF(err)
	}
	channels, err := quicvarint.Read(r)
	if err != nil {
		return Packet{}, noEOF(err)
	}
	if samples > maxPacketSamples || channels > maxPacketChannels || samples*channels > maxPacketSamples {
		return Packet{}, fmt.Errorf("%w: %d samples x %d channels", errBadPacket, samples, channels)
	}
	pcm := make([]byte, 2*samples*channels)
	if _, err := io.ReadFull(r, pcm); err != nil {
		return Packet{}, noEOF(err)
	}
	p := Packet{Seq: seq, Channels: int(channels), Samples: make([]int16, samples*channels)}
	for i := range p.Samples {
		p.Samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return p, nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
