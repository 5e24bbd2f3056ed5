// monitor-listen accepts SRT monitor connections from playout and prints
// the audio peak of each channel once a second.
//
//	go run ./test/tools/monitor-listen -addr :7000
//	go run ./cmd/playout --srt-monitor 127.0.0.1:7000
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"

	srt "github.com/zsiec/srtgo"

	monitor "github.com/zsiec/playout/internal/output/srt"
)

func main() {
	addrFlag := flag.String("addr", ":7000", "SRT listen address")
	flag.Parse()

	cfg := srt.DefaultConfig()
	cfg.Latency = 120_000_000

	l, err := srt.Listen(*addrFlag, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()
	fmt.Printf("listening on %s\n", *addrFlag)

	for {
		conn, err := l.Accept()
		if err != nil {
			fmt.Fprintf(os.Stderr, "accept: %v\n", err)
			continue
		}
		go handle(conn)
	}
}

func handle(conn *srt.Conn) {
	defer conn.Close()
	id := conn.StreamID()
	fmt.Printf("%s: connected from %s\n", id, conn.RemoteAddr())

	r := bufio.NewReaderSize(conn, 64*1024)
	var peak int16
	var samples, gaps int
	var next uint64
	rate := 48000

	for {
		p, err := monitor.ReadPacket(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			}
			fmt.Printf("%s: disconnected\n", id)
			return
		}
		if p.Seq != next {
			gaps++
		}
		next = p.Seq + 1

		for _, s := range p.Samples {
			a := max(s, -math.MaxInt16)
			if a < 0 {
				a = -a
			}
			peak = max(peak, a)
		}
		if p.Channels > 0 {
			samples += len(p.Samples) / p.Channels
		}
		if samples >= rate {
			fmt.Printf("%s: seq=%d peak=%s gaps=%d\n", id, p.Seq, dbfs(peak), gaps)
			peak, samples = 0, 0
		}
	}
}

func dbfs(peak int16) string {
	if peak == 0 {
		return "-inf dBFS"
	}
	return fmt.Sprintf("%.1f dBFS", 20*math.Log10(float64(peak)/math.MaxInt16))
}
