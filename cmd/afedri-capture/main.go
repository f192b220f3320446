// Command afedri-capture tunes a receiver, reads a fixed number of buffers and
// reports the power and strongest tone per channel. Raw CS16 samples can be
// written to a file for offline analysis.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rjboer/afedri/internal/dsp"
	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/sdr"
	"github.com/rjboer/afedri/internal/selftest"
)

type cliConfig struct {
	configPath  string
	args        string
	address     string
	port        int
	bindAddress string
	frequency   float64
	sampleRate  float64
	gains       gainFlag
	channels    string
	buffers     int
	buffer      int
	timeout     time.Duration
	out         string
	logLevel    string
	logFormat   string
}

type persistentConfig struct {
	Args        string             `json:"args"`
	Address     string             `json:"address"`
	Port        int                `json:"port"`
	BindAddress string             `json:"bind_address"`
	Frequency   float64            `json:"frequency"`
	SampleRate  float64            `json:"sample_rate"`
	Gains       map[string]float64 `json:"gains"`
	Channels    string             `json:"channels"`
	Buffers     int                `json:"buffers"`
	Buffer      int                `json:"buffer"`
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		Address:    selftest.DefaultAddress,
		Port:       selftest.DefaultPort,
		Frequency:  7.1e6,
		SampleRate: 192e3,
		Gains:      map[string]float64{},
		Channels:   "0",
		Buffers:    16,
		Buffer:     4096,
	}
}

// gainFlag collects repeated -gain NAME=dB values.
type gainFlag map[string]float64

func (g gainFlag) String() string {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + strconv.FormatFloat(g[name], 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func (g gainFlag) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("gain %q: want NAME=dB", part)
		}
		db, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return fmt.Errorf("gain %q: %w", part, err)
		}
		g[strings.TrimSpace(name)] = db
	}
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr))
}

func run(argv []string, lookup func(string) (string, bool), stdout, stderr io.Writer) int {
	path := configPath(argv, lookup)
	defaults := defaultPersistentConfig()
	if path != "" {
		loaded, err := loadOrCreateConfig(path)
		if err != nil {
			fmt.Fprintf(stderr, "afedri-capture: load config: %v\n", err)
			return 1
		}
		defaults = loaded
	}

	cfg, err := parseConfig(argv, lookup, defaults, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "afedri-capture: %v\n", err)
		return 2
	}
	kw, err := cfg.kwargs()
	if err != nil {
		fmt.Fprintf(stderr, "afedri-capture: %v\n", err)
		return 2
	}
	channels, err := parseChannels(cfg.channels)
	if err != nil {
		fmt.Fprintf(stderr, "afedri-capture: %v\n", err)
		return 2
	}
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "afedri-capture: %v\n", err)
		return 2
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		fmt.Fprintf(stderr, "afedri-capture: %v\n", err)
		return 2
	}
	logger := logging.New(level, format, stderr)
	logging.SetDefault(logger)

	if cfg.configPath != "" {
		if err := saveConfig(cfg.configPath, persistentFromCLI(cfg)); err != nil {
			logger.Warn("failed to persist config", logging.F("error", err), logging.F("path", cfg.configPath))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dev, err := sdr.Open(ctx, kw, logger)
	if err != nil {
		logger.Error("open device", logging.F("error", err))
		return 1
	}
	defer func() {
		if err := dev.Close(); err != nil {
			logger.Warn("close device", logging.F("error", err))
		}
	}()

	var raw io.Writer
	if cfg.out != "" {
		f, err := os.Create(cfg.out)
		if err != nil {
			logger.Error("create output file", logging.F("error", err))
			return 1
		}
		defer f.Close()
		bw := bufio.NewWriter(f)
		defer bw.Flush()
		raw = bw
	}

	res, err := capture(ctx, dev, captureConfig{
		Frequency:  cfg.frequency,
		SampleRate: cfg.sampleRate,
		Gains:      cfg.gains,
		Channels:   channels,
		Buffers:    cfg.buffers,
		Buffer:     cfg.buffer,
		Timeout:    cfg.timeout,
	}, raw, logger)
	if err != nil {
		logger.Error("capture failed", logging.F("error", err))
		return 1
	}
	printReport(stdout, dev, res)
	return 0
}

// configPath finds -config before the full flag set is built, so the file can
// supply the defaults for the other flags.
func configPath(argv []string, lookup func(string) (string, bool)) string {
	path := envString(lookup, "AFEDRI_CONFIG", "")
	for i := 0; i < len(argv); i++ {
		a := strings.TrimLeft(argv[i], "-")
		if !strings.HasPrefix(argv[i], "-") {
			continue
		}
		if v, ok := strings.CutPrefix(a, "config="); ok {
			path = v
		} else if a == "config" && i+1 < len(argv) {
			path = argv[i+1]
			i++
		}
	}
	return path
}

func parseConfig(argv []string, lookup func(string) (string, bool), defaults persistentConfig, output io.Writer) (cliConfig, error) {
	cfg := cliConfig{gains: gainFlag{}}
	for name, db := range defaults.Gains {
		cfg.gains[name] = db
	}
	if env, ok := lookup("AFEDRI_GAINS"); ok {
		if err := cfg.gains.Set(env); err != nil {
			return cliConfig{}, fmt.Errorf("AFEDRI_GAINS: %w", err)
		}
	}

	fs := flag.NewFlagSet("afedri-capture", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.configPath, "config", envString(lookup, "AFEDRI_CONFIG", ""), "JSON file holding the last used settings")
	fs.StringVar(&cfg.args, "args", envString(lookup, "AFEDRI_ARGS", defaults.Args), "Device arguments, e.g. driver=afedri,rx_mode=2")
	fs.StringVar(&cfg.address, "address", envString(lookup, "AFEDRI_ADDRESS", defaults.Address), "Device IP address")
	fs.IntVar(&cfg.port, "port", envInt(lookup, "AFEDRI_PORT", defaults.Port), "Device TCP control port")
	fs.StringVar(&cfg.bindAddress, "bind-address", envString(lookup, "AFEDRI_BIND_ADDRESS", defaults.BindAddress), "Local address for the UDP sample socket")
	fs.Float64Var(&cfg.frequency, "freq", envFloat(lookup, "AFEDRI_FREQ", defaults.Frequency), "Center frequency in Hz")
	fs.Float64Var(&cfg.sampleRate, "rate", envFloat(lookup, "AFEDRI_RATE", defaults.SampleRate), "Sample rate in Hz")
	fs.Var(cfg.gains, "gain", "Gain element NAME=dB, repeatable (e.g. -gain FE=10 -gain RF=-10)")
	fs.StringVar(&cfg.channels, "channels", envString(lookup, "AFEDRI_CHANNELS", defaults.Channels), "Comma separated RX channels")
	fs.IntVar(&cfg.buffers, "buffers", envInt(lookup, "AFEDRI_BUFFERS", defaults.Buffers), "Number of buffers to read")
	fs.IntVar(&cfg.buffer, "buffer", envInt(lookup, "AFEDRI_BUFFER", defaults.Buffer), "Samples per buffer")
	fs.DurationVar(&cfg.timeout, "timeout", envDuration(lookup, "AFEDRI_TIMEOUT", time.Second), "Per-read timeout")
	fs.StringVar(&cfg.out, "out", envString(lookup, "AFEDRI_OUT", ""), "Write raw interleaved CS16 samples to this file")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "AFEDRI_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "AFEDRI_LOG_FORMAT", "text"), "Log format (text|json)")

	if err := fs.Parse(argv); err != nil {
		return cliConfig{}, err
	}
	if fs.NArg() > 0 {
		return cliConfig{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if cfg.buffers <= 0 || cfg.buffer <= 0 {
		return cliConfig{}, fmt.Errorf("buffers and buffer must be positive")
	}
	if cfg.sampleRate <= 0 {
		return cliConfig{}, fmt.Errorf("rate must be positive")
	}
	return cfg, nil
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	gains := make(map[string]float64, len(cfg.gains))
	for name, db := range cfg.gains {
		gains[name] = db
	}
	return persistentConfig{
		Args:        cfg.args,
		Address:     cfg.address,
		Port:        cfg.port,
		BindAddress: cfg.bindAddress,
		Frequency:   cfg.frequency,
		SampleRate:  cfg.sampleRate,
		Gains:       gains,
		Channels:    cfg.channels,
		Buffers:     cfg.buffers,
		Buffer:      cfg.buffer,
	}
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	cfg := defaultPersistentConfig()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, err
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
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

func parseChannels(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ch, err := strconv.Atoi(part)
		if err != nil || ch < 0 {
			return nil, fmt.Errorf("invalid channel %q", part)
		}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return []int{0}, nil
	}
	return out, nil
}

type captureConfig struct {
	Frequency  float64
	SampleRate float64
	Gains      map[string]float64
	Channels   []int
	Buffers    int
	Buffer     int
	Timeout    time.Duration
}

type channelReport struct {
	Channel     int
	Samples     int
	Measurement dsp.Measurement
}

type captureResult struct {
	SampleRate float64
	Frequency  float64
	Reads      int
	Timeouts   int
	Channels   []channelReport
}

// capture tunes dev, streams cfg.Buffers CS16 buffers and measures each
// channel. raw, when set, receives the samples interleaved per frame.
func capture(ctx context.Context, dev sdr.Device, cfg captureConfig, raw io.Writer, logger logging.Logger) (captureResult, error) {
	log := logging.Subsystem(logger, "capture")
	var res captureResult

	if err := dev.SetSampleRate(ctx, sdr.RX, 0, cfg.SampleRate); err != nil {
		return res, fmt.Errorf("set sample rate: %w", err)
	}
	for _, ch := range cfg.Channels {
		if err := dev.SetFrequency(ctx, sdr.RX, ch, sdr.FrequencyRF, cfg.Frequency); err != nil {
			return res, fmt.Errorf("set frequency ch%d: %w", ch, err)
		}
		names := make([]string, 0, len(cfg.Gains))
		for name := range cfg.Gains {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := dev.SetGain(ctx, sdr.RX, ch, name, cfg.Gains[name]); err != nil {
				return res, fmt.Errorf("set gain %s ch%d: %w", name, ch, err)
			}
		}
	}
	res.SampleRate = dev.SampleRate(sdr.RX, 0)
	res.Frequency = dev.Frequency(sdr.RX, cfg.Channels[0], sdr.FrequencyRF)

	st, err := dev.SetupStream(sdr.RX, sdr.CS16, cfg.Channels, nil)
	if err != nil {
		return res, fmt.Errorf("setup stream: %w", err)
	}
	defer func() {
		if err := dev.CloseStream(ctx, st); err != nil {
			log.Warn("close stream", logging.F("error", err))
		}
	}()
	if err := dev.ActivateStream(ctx, st, 0, 0, 0); err != nil {
		return res, fmt.Errorf("activate stream: %w", err)
	}

	buffs := make([]any, len(cfg.Channels))
	for i := range buffs {
		buffs[i] = make([]int16, 2*cfg.Buffer)
	}
	collected := make([][]complex64, len(cfg.Channels))
	frame := make([]int16, 2*len(cfg.Channels))

	for i := 0; i < cfg.Buffers; i++ {
		n, err := dev.ReadStream(ctx, st, buffs, cfg.Buffer, cfg.Timeout)
		if err != nil {
			var sc sdr.StatusCode
			if errors.As(err, &sc) {
				res.Timeouts++
				log.Debug("read returned status", logging.F("read", i), logging.F("status", sc.Error()))
				continue
			}
			_ = dev.DeactivateStream(ctx, st, 0, 0)
			return res, fmt.Errorf("read %d: %w", i, err)
		}
		res.Reads++
		for c, b := range buffs {
			collected[c] = appendCS16(collected[c], b.([]int16)[:2*n])
		}
		if raw != nil {
			for s := 0; s < n; s++ {
				for c, b := range buffs {
					iq := b.([]int16)
					frame[2*c], frame[2*c+1] = iq[2*s], iq[2*s+1]
				}
				if err := binary.Write(raw, binary.LittleEndian, frame); err != nil {
					_ = dev.DeactivateStream(ctx, st, 0, 0)
					return res, fmt.Errorf("write samples: %w", err)
				}
			}
		}
	}
	if err := dev.DeactivateStream(ctx, st, 0, 0); err != nil {
		return res, fmt.Errorf("deactivate stream: %w", err)
	}

	analyzer := dsp.NewAnalyzer(cfg.Buffer)
	for c, ch := range cfg.Channels {
		rep := channelReport{Channel: ch, Samples: len(collected[c])}
		if len(collected[c]) > 0 {
			rep.Measurement = analyzer.Measure(lastBlock(collected[c], cfg.Buffer), res.SampleRate)
			rep.Measurement.MeanPowerDBFS = dsp.MeanPowerDBFS(collected[c])
		}
		res.Channels = append(res.Channels, rep)
	}
	log.Info("capture complete",
		logging.F("reads", res.Reads),
		logging.F("timeouts", res.Timeouts),
		logging.F("rate", res.SampleRate))
	return res, nil
}

func appendCS16(dst []complex64, iq []int16) []complex64 {
	for i := 0; i+1 < len(iq); i += 2 {
		dst = append(dst, complex(float32(iq[i])/32768, float32(iq[i+1])/32768))
	}
	return dst
}

func lastBlock(s []complex64, n int) []complex64 {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func printReport(w io.Writer, dev sdr.Device, res captureResult) {
	fmt.Fprintf(w, "%s:%s\n", dev.DriverKey(), dev.HardwareKey())
	fmt.Fprintf(w, "frequency=%.0f Hz rate=%.0f Hz reads=%d timeouts=%d\n", res.Frequency, res.SampleRate, res.Reads, res.Timeouts)
	for _, c := range res.Channels {
		if c.Samples == 0 {
			fmt.Fprintf(w, "ch%d: no samples\n", c.Channel)
			continue
		}
		m := c.Measurement
		fmt.Fprintf(w, "ch%d: samples=%d mean=%s peak=%s at %+.0f Hz snr=%.1f dB\n",
			c.Channel, c.Samples, dbfs(m.MeanPowerDBFS), dbfs(m.PeakDBFS), m.PeakHz, m.SNRDB)
	}
}

func dbfs(v float64) string {
	if math.IsInf(v, -1) {
		return "-inf dBFS"
	}
	return fmt.Sprintf("%.1f dBFS", v)
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

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}
