// Command afedri-sim runs a standalone Afedri SDR-Net simulator so the other
// tools can be exercised without hardware.
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
	"syscall"

	"github.com/rjboer/afedri/internal/afedri"
	"github.com/rjboer/afedri/internal/discovery"
	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/sim"
)

type cliConfig struct {
	listen     string
	discovery  string
	mdns       bool
	serial     string
	rxMode     int
	r820t      bool
	tone       float64
	amplitude  float64
	streamHost string
	streamPort int
	logLevel   string
	logFormat  string
}

func main() {
	os.Exit(run(os.Args[1:], os.LookupEnv, os.Stderr))
}

func run(argv []string, lookup func(string) (string, bool), stderr io.Writer) int {
	cfg, err := parseConfig(argv, lookup, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "afedri-sim: %v\n", err)
		return 2
	}
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "afedri-sim: %v\n", err)
		return 2
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		fmt.Fprintf(stderr, "afedri-sim: %v\n", err)
		return 2
	}
	logger := logging.New(level, format, stderr)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := sim.New(ctx, cfg.simConfig(logger))
	if err != nil {
		logger.Error("simulator failed to start", logging.F("error", err))
		return 1
	}
	fields := []logging.Field{logging.F("control", srv.Addr().String())}
	if d := srv.DiscoveryAddr(); d != nil {
		fields = append(fields, logging.F("discovery", d.String()))
	}
	logger.Info("afedri simulator running, press Ctrl+C to stop", fields...)

	<-ctx.Done()
	st := srv.State()
	logger.Info("shutting down",
		logging.F("commands", st.Commands),
		logging.F("packets", st.PacketsSent))
	if err := srv.Close(); err != nil {
		logger.Warn("close simulator", logging.F("error", err))
	}
	return 0
}

func parseConfig(argv []string, lookup func(string) (string, bool), output io.Writer) (cliConfig, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("afedri-sim", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.listen, "listen", envString(lookup, "AFEDRI_SIM_LISTEN", "0.0.0.0:50000"), "TCP control listen address")
	fs.StringVar(&cfg.discovery, "discovery", envString(lookup, "AFEDRI_SIM_DISCOVERY", fmt.Sprintf(":%d", discovery.ServerPort)), "UDP discovery listen address, empty to disable")
	fs.BoolVar(&cfg.mdns, "mdns", envBool(lookup, "AFEDRI_SIM_MDNS", false), "Advertise the control port over mDNS")
	fs.StringVar(&cfg.serial, "serial", envString(lookup, "AFEDRI_SIM_SERIAL", "SIM00001"), "Reported serial number")
	fs.IntVar(&cfg.rxMode, "rx-mode", envInt(lookup, "AFEDRI_SIM_RX_MODE", int(afedri.SingleChannel)), "Initial RX mode (0..5)")
	fs.BoolVar(&cfg.r820t, "r820t", envBool(lookup, "AFEDRI_SIM_R820T", false), "Report an R820T tuner")
	fs.Float64Var(&cfg.tone, "tone", envFloat(lookup, "AFEDRI_SIM_TONE", 10_000), "Baseband tone offset for channel 0 in Hz")
	fs.Float64Var(&cfg.amplitude, "amplitude", envFloat(lookup, "AFEDRI_SIM_AMPLITUDE", 0.3), "Tone amplitude relative to full scale")
	fs.StringVar(&cfg.streamHost, "stream-host", envString(lookup, "AFEDRI_SIM_STREAM_HOST", ""), "Send UDP samples to this host instead of the control client")
	fs.IntVar(&cfg.streamPort, "stream-port", envInt(lookup, "AFEDRI_SIM_STREAM_PORT", 0), "Send UDP samples to this port (0 = control port)")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "AFEDRI_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "AFEDRI_LOG_FORMAT", "text"), "Log format (text|json)")

	if err := fs.Parse(argv); err != nil {
		return cliConfig{}, err
	}
	if fs.NArg() > 0 {
		return cliConfig{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if !afedri.RXMode(cfg.rxMode).Valid() {
		return cliConfig{}, fmt.Errorf("rx-mode %d out of range", cfg.rxMode)
	}
	if cfg.amplitude <= 0 || cfg.amplitude > 1 {
		return cliConfig{}, fmt.Errorf("amplitude must be in (0, 1]")
	}
	return cfg, nil
}

func (c cliConfig) simConfig(logger logging.Logger) sim.Config {
	return sim.Config{
		ControlAddr:   c.listen,
		StreamHost:    c.streamHost,
		StreamPort:    c.streamPort,
		DiscoveryAddr: c.discovery,
		MDNS:          c.mdns,
		Serial:        c.serial,
		RXMode:        afedri.RXMode(c.rxMode),
		R820T:         c.r820t,
		ToneHz:        c.tone,
		Amplitude:     c.amplitude,
		Logger:        logger,
	}
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

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}
