// Command afedri-selftest opens an Afedri receiver, reads a few RX buffers
// and prints one status line per read.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/sdr"
	"github.com/rjboer/afedri/internal/selftest"
	"github.com/rjboer/afedri/internal/telemetry"
)

type cliConfig struct {
	args        string
	address     string
	port        int
	bindAddress string
	reads       int
	buffer      int
	format      string
	timeout     time.Duration
	logLevel    string
	logFormat   string
	webAddr     string
}

func main() {
	os.Exit(run(os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr))
}

func run(argv []string, lookup func(string) (string, bool), stdout, stderr io.Writer) int {
	cfg, err := parseConfig(argv, lookup, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "afedri-selftest: %v\n", err)
		return 2
	}
	kw, err := cfg.kwargs()
	if err != nil {
		fmt.Fprintf(stderr, "afedri-selftest: %v\n", err)
		return 2
	}
	format, err := sdr.ParseFormat(cfg.format)
	if err != nil {
		fmt.Fprintf(stderr, "afedri-selftest: %v\n", err)
		return 2
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "afedri-selftest: %v\n", err)
		return 2
	}
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var reporter telemetry.Reporter = telemetry.NewStdoutReporter(logger)
	if cfg.webAddr != "" {
		hub := telemetry.NewHub(0, logger)
		reporter = telemetry.MultiReporter{reporter, hub}
		webCtx, cancelWeb := context.WithCancel(ctx)
		defer cancelWeb()
		go func() {
			if err := telemetry.NewWebServer(cfg.webAddr, hub, logger).Start(webCtx, nil); err != nil {
				logger.Error("web telemetry", logging.F("error", err))
			}
		}()
	}

	_, err = selftest.Run(ctx, selftest.Config{
		Args:       kw,
		Reads:      cfg.reads,
		BufferSize: cfg.buffer,
		Format:     format,
		Timeout:    cfg.timeout,
		Logger:     logger,
		Reporter:   reporter,
	}, stdout)
	if err != nil {
		logger.Error("self test failed", logging.F("error", err))
		fmt.Fprintf(stderr, "afedri-selftest: %v\n", err)
		return 1
	}
	return 0
}

func parseConfig(argv []string, lookup func(string) (string, bool), output io.Writer) (cliConfig, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("afedri-selftest", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.args, "args", envString(lookup, "AFEDRI_ARGS", ""), "Device arguments, e.g. driver=afedri,address=10.0.0.5,port=50000")
	fs.StringVar(&cfg.address, "address", envString(lookup, "AFEDRI_ADDRESS", selftest.DefaultAddress), "Device IP address")
	fs.IntVar(&cfg.port, "port", envInt(lookup, "AFEDRI_PORT", selftest.DefaultPort), "Device TCP control port")
	fs.StringVar(&cfg.bindAddress, "bind-address", envString(lookup, "AFEDRI_BIND_ADDRESS", ""), "Local address for the UDP sample socket")
	fs.IntVar(&cfg.reads, "reads", envInt(lookup, "AFEDRI_READS", 5), "Number of stream reads")
	fs.IntVar(&cfg.buffer, "buffer", envInt(lookup, "AFEDRI_BUFFER", 1024), "Samples per read")
	fs.StringVar(&cfg.format, "format", envString(lookup, "AFEDRI_FORMAT", string(sdr.CF32)), "Stream format (CF32|CS16)")
	fs.DurationVar(&cfg.timeout, "timeout", envDuration(lookup, "AFEDRI_TIMEOUT", sdr.DefaultReadTimeout), "Per-read timeout")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "AFEDRI_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "AFEDRI_LOG_FORMAT", "text"), "Log format (text|json)")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "AFEDRI_WEB_ADDR", ""), "Optional web telemetry listen address (e.g. :8080)")

	if err := fs.Parse(argv); err != nil {
		return cliConfig{}, err
	}
	if fs.NArg() > 0 {
		return cliConfig{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if cfg.reads <= 0 || cfg.buffer <= 0 {
		return cliConfig{}, fmt.Errorf("reads and buffer must be positive")
	}
	return cfg, nil
}

// kwargs merges -args with the dedicated flags. Keys given in -args win.
func (c cliConfig) kwargs() (sdr.Kwargs, error) {
	kw, err := sdr.ParseKwargs(c.args)
	if err != nil {
		return nil, err
	}
	if !kw.Has("driver") {
		kw["driver"] = sdr.AfedriDriverName
	}
	if kw["driver"] != sdr.AfedriDriverName {
		return kw, nil
	}
	if !kw.Has("address") {
		kw["address"] = c.address
	}
	if !kw.Has("port") {
		kw["port"] = strconv.Itoa(c.port)
	}
	if !kw.Has("bind_address") && c.bindAddress != "" {
		kw["bind_address"] = c.bindAddress
	}
	return kw, nil
}

func newLogger(cfg cliConfig, out io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, out), nil
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}
