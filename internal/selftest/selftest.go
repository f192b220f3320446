// Package selftest runs the fixed receive smoke test: open a device, set up
// and activate one RX stream, read a few buffers, and tear everything down.
package selftest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/rjboer/afedri/internal/dsp"
	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/sdr"
	"github.com/rjboer/afedri/internal/telemetry"
	"github.com/rjboer/afedri/internal/udprx"
)

// Default connection used when no address is given.
const (
	DefaultAddress = "192.168.1.41"
	DefaultPort    = 61000
)

// OpenFunc opens a device from arguments.
type OpenFunc func(ctx context.Context, args sdr.Kwargs, logger logging.Logger) (sdr.Device, error)

// Config controls one run.
type Config struct {
	Args            sdr.Kwargs
	Reads           int
	BufferSize      int
	ActivateSamples int
	Format          sdr.Format
	Channels        []int
	// Timeout bounds each read; zero uses sdr.DefaultReadTimeout.
	Timeout time.Duration

	Logger   logging.Logger
	Reporter telemetry.Reporter
	// Open defaults to sdr.Open.
	Open OpenFunc
}

func (c *Config) setDefaults() {
	if c.Args == nil {
		c.Args = sdr.Kwargs{}
	}
	if !c.Args.Has("driver") {
		c.Args["driver"] = sdr.AfedriDriverName
	}
	if c.Reads <= 0 {
		c.Reads = 5
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.ActivateSamples <= 0 {
		c.ActivateSamples = 10000
	}
	if c.Format == "" {
		c.Format = sdr.CF32
	}
	if len(c.Channels) == 0 {
		c.Channels = []int{0}
	}
	if c.Timeout <= 0 {
		c.Timeout = sdr.DefaultReadTimeout
	}
	if c.Open == nil {
		c.Open = sdr.Open
	}
}

// ReadResult is one readStream outcome.
type ReadResult struct {
	Ret    int
	Flags  int
	TimeNs int64
}

func (r ReadResult) String() string {
	return fmt.Sprintf("StreamResult(ret=%d, flags=%d, timeNs=%d)", r.Ret, r.Flags, r.TimeNs)
}

// Result summarizes a completed run.
type Result struct {
	Device      string
	NumChannels int
	Stream      sdr.StreamHandle
	Reads       []ReadResult
}

// Run performs the smoke test, printing progress to out. Driver errors abort
// the run; negative read status codes are recorded and printed, not returned.
func Run(ctx context.Context, cfg Config, out io.Writer) (Result, error) {
	cfg.setDefaults()
	log := logging.Subsystem(cfg.Logger, "selftest")
	var res Result

	dev, err := cfg.Open(ctx, cfg.Args, cfg.Logger)
	if err != nil {
		return res, fmt.Errorf("open device: %w", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			log.Warn("close device", logging.F("error", err))
		}
	}()
	res.Device = dev.DriverKey() + ":" + dev.HardwareKey()
	fmt.Fprintln(out, res.Device)

	res.NumChannels = dev.NumChannels(sdr.RX)
	fmt.Fprintf(out, "num_channels=%d\n", res.NumChannels)

	st, err := dev.SetupStream(sdr.RX, cfg.Format, cfg.Channels, nil)
	if err != nil {
		return res, fmt.Errorf("setup stream: %w", err)
	}
	res.Stream = st
	fmt.Fprintf(out, "stream=%d\n", st)

	if err := dev.ActivateStream(ctx, st, 0, 0, cfg.ActivateSamples); err != nil {
		return res, fmt.Errorf("activate stream: %w", err)
	}

	buffs := make([]any, len(cfg.Channels))
	for i := range buffs {
		buffs[i] = newBuffer(cfg.Format, cfg.BufferSize)
	}
	for i := 0; i < cfg.Reads; i++ {
		n, err := dev.ReadStream(ctx, st, buffs, cfg.BufferSize, cfg.Timeout)
		var sc sdr.StatusCode
		if err != nil && !errors.As(err, &sc) {
			return res, fmt.Errorf("read %d: %w", i, err)
		}
		r := ReadResult{Ret: sdr.ReturnCode(n, err)}
		res.Reads = append(res.Reads, r)
		fmt.Fprintf(out, "sr:  %s\n", r)
		report(cfg.Reporter, int(st), i, r, err, buffs[0], n)
	}
	if sp, ok := dev.(interface{ ReceiverStats() udprx.Snapshot }); ok && cfg.Reporter != nil {
		cfg.Reporter.ReportStats(sp.ReceiverStats())
	}

	if err := dev.DeactivateStream(ctx, st, 0, 0); err != nil {
		return res, fmt.Errorf("deactivate stream: %w", err)
	}
	if err := dev.CloseStream(ctx, st); err != nil {
		return res, fmt.Errorf("close stream: %w", err)
	}
	log.Info("self test complete",
		logging.F("device", res.Device),
		logging.F("channels", res.NumChannels),
		logging.F("reads", len(res.Reads)))
	return res, nil
}

func newBuffer(format sdr.Format, n int) any {
	if format == sdr.CS16 {
		return make([]int16, 2*n)
	}
	return make([]complex64, n)
}

func report(r telemetry.Reporter, stream, read int, rr ReadResult, err error, buf any, n int) {
	if r == nil {
		return
	}
	s := telemetry.ReadSample{Stream: stream, Read: read, Status: rr.Ret}
	if err != nil {
		s.StatusText = err.Error()
	}
	if c, ok := buf.([]complex64); ok && n > 0 {
		if p := dsp.MeanPowerDBFS(c[:n]); !math.IsInf(p, 0) {
			s.PowerDBFS = p
		}
	}
	r.Report(s)
}
