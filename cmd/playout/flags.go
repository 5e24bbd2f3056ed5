package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/zsiec/playout/internal/config"
)

var (
	flagFormat     string
	flagChannels   int
	flagAPIAddr    string
	flagH3Addr     string
	flagSRTMonitor string
	flagCaptions   bool
	flagLogLevel   string
	flagLogFormat  string
	flagHelp       bool
	flagVersion    bool
)

// registerFlags must run after config.Load so .env values become defaults.
func registerFlags() {
	flag.StringVarP(&flagFormat, "format", "f", config.GetEnv("PLAYOUT_FORMAT", "1080i5000"), "Channel video format")
	flag.IntVarP(&flagChannels, "channels", "c", config.GetEnvInt("PLAYOUT_CHANNELS", 1), "Number of channels")
	flag.StringVarP(&flagAPIAddr, "api-addr", "a", config.GetEnv("API_ADDR", ":4444"), "HTTPS status API address")
	flag.StringVar(&flagH3Addr, "h3-addr", config.GetEnv("H3_ADDR", ":4443"), "HTTP/3 status API address (empty disables)")
	flag.StringVarP(&flagSRTMonitor, "srt-monitor", "m", config.GetEnv("SRT_MONITOR", ""), "SRT listener receiving channel audio")
	flag.BoolVar(&flagCaptions, "captions", config.GetEnvBool("PLAYOUT_CAPTIONS", true), "Generate test captions")
	flag.StringVar(&flagLogLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.StringVar(&flagLogFormat, "log-format", config.GetEnv("LOG_FORMAT", "text"), "Log format: text or json")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Real-time broadcast playout engine

Usage: playout [OPTION]...

Channels:
  -f, --format=NAME        Video format, e.g. PAL, 1080i5000, 720p5994 (env PLAYOUT_FORMAT)
  -c, --channels=NUM       Number of channels to run (env PLAYOUT_CHANNELS)
      --captions           Generate a test caption every second (env PLAYOUT_CAPTIONS)

Outputs:
  -m, --srt-monitor=ADDR   Send channel audio to an SRT listener (env SRT_MONITOR)

Status API:
  -a, --api-addr=ADDR      HTTPS listen address (env API_ADDR)
      --h3-addr=ADDR       HTTP/3 listen address, empty to disable (env H3_ADDR)

Miscellaneous:
      --log-level=LEVEL    debug, info, warn or error (env LOG_LEVEL)
      --log-format=FORMAT  text or json (env LOG_FORMAT)
  -h, --help               Prints this help message and exits
  -v, --version            Prints version information and exits

Settings are also read from a .env file in the working directory.`

func help() {
	title := color.New(color.FgCyan, color.Bold)
	title.Fprintln(os.Stdout, "playout "+version)
	fmt.Println(helpString)
}
