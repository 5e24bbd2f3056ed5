package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/playout/internal/api"
	"github.com/zsiec/playout/internal/certs"
	"github.com/zsiec/playout/internal/channel"
	"github.com/zsiec/playout/internal/config"
	"github.com/zsiec/playout/internal/executor"
	"github.com/zsiec/playout/internal/logger"
	"github.com/zsiec/playout/internal/metrics"
	"github.com/zsiec/playout/internal/mixer"
	"github.com/zsiec/playout/internal/output"
	"github.com/zsiec/playout/internal/output/srt"
	"github.com/zsiec/playout/internal/producer"
	"github.com/zsiec/playout/media"
)

var version = "dev"

// Demo layout: a black background with bars and tone above it.
const (
	backgroundLayer = 0
	signalLayer     = 10
)

func main() {
	envErr := config.Load()
	registerFlags()
	flag.Parse()

	if flagHelp {
		help()
		return
	}
	if flagVersion {
		fmt.Println("playout", version)
		return
	}

	level := flagLogLevel
	if os.Getenv("DEBUG") != "" {
		level = "debug"
	}
	log := logger.New(level, flagLogFormat)
	slog.SetDefault(log)
	if envErr != nil {
		log.Warn("reading .env", "error", envErr)
	}

	if err := run(log); err != nil {
		log.Error("playout failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	format, ok := media.LookupFormat(flagFormat)
	if !ok {
		return fmt.Errorf("unknown format %q", flagFormat)
	}
	if flagChannels < 1 {
		return fmt.Errorf("channels must be at least 1, got %d", flagChannels)
	}

	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		return fmt.Errorf("generate cert: %w", err)
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		log:       log,
		format:    format,
		metrics:   metrics.New(),
		destroyer: executor.NewDestroyer(log),
		mgr:       channel.NewManager(log),
		outputs:   make(map[int]*output.Output),
	}
	defer a.shutdown()

	for i := 1; i <= flagChannels; i++ {
		if err := a.addChannel(ctx, i); err != nil {
			return err
		}
	}

	apiSrv, err := api.NewServer(api.Config{
		Addr:     flagAPIAddr,
		H3Addr:   flagH3Addr,
		Cert:     cert,
		Channels: a.mgr,
		Outputs:  a.outputStats,
		Metrics:  a.metrics,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	log.Info("playout starting",
		"version", version,
		"format", format.Name,
		"channels", flagChannels,
		"api", flagAPIAddr,
		"h3", flagH3Addr,
		"srt_monitor", flagSRTMonitor,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return apiSrv.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	})
	return g.Wait()
}

type app struct {
	log       *slog.Logger
	format    media.ChannelFormat
	metrics   *metrics.Metrics
	destroyer *executor.Destroyer
	mgr       *channel.Manager

	outputs  map[int]*output.Output
	mixers   []*mixer.Reference
	monitors []*srt.Consumer
}

func (a *app) addChannel(ctx context.Context, index int) error {
	out := output.New(a.log.With("channel", index))
	mix := mixer.NewReference(strconv.Itoa(index), out, a.log)
	a.outputs[index] = out
	a.mixers = append(a.mixers, mix)

	ch, err := channel.New(channel.Config{
		Index:     index,
		Format:    a.format,
		Mixer:     mix,
		Destroyer: a.destroyer,
		Logger:    a.log,
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	a.mgr.Add(ch)

	if err := a.loadDemo(ch); err != nil {
		return fmt.Errorf("channel %d: %w", index, err)
	}
	if flagSRTMonitor != "" {
		mon, err := srt.Dial(ctx, flagSRTMonitor, index, a.metrics, a.log)
		if err != nil {
			a.log.Warn("SRT monitor unavailable", "channel", index, "error", err)
		} else {
			out.Add(mon)
			a.monitors = append(a.monitors, mon)
		}
	}
	return ch.Start()
}

// loadDemo fills the channel with a black background and, above it, a
// playlist of one second of slate followed by looping bars and tone.
func (a *app) loadDemo(ch *channel.Channel) error {
	format := ch.Format()
	bg := producer.NewColor(format, 0xFF000000)
	if _, err := ch.Load(backgroundLayer, bg, true).Get(); err != nil {
		return err
	}

	fps := int(format.FPS() + 0.5)
	slate := producer.NewColor(format, 0xFF202040).WithLength(fps)
	bars, err := producer.NewSignal(format, producer.SignalOptions{
		Name:     "bars",
		Frames:   10 * fps,
		Loop:     true,
		Captions: flagCaptions,
		Logger:   a.log,
	})
	if err != nil {
		return err
	}
	demo, err := producer.Sequence("demo", slate, bars)
	if err != nil {
		return err
	}
	_, err = ch.Load(signalLayer, demo, true).Get()
	return err
}

func (a *app) outputStats(index int) []output.ConsumerStats {
	out, ok := a.outputs[index]
	if !ok {
		return nil
	}
	return out.StatsAll()
}

// shutdown stops channels before mixers so no composite is mixed into a
// closed executor, then drains destruction.
func (a *app) shutdown() {
	a.mgr.Close()
	for _, m := range a.mixers {
		m.Close()
	}
	for _, mon := range a.monitors {
		mon.Close()
	}
	a.destroyer.Close()
}
