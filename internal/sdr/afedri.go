package sdr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/afedri/internal/afedri"
	"github.com/rjboer/afedri/internal/discovery"
	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/udprx"
)

// AfedriDriverName is the registry key of the network Afedri driver.
const AfedriDriverName = "afedri"

// DriverVersion is reported in HardwareInfo.
const DriverVersion = "1.1.0"

var afedriGains = []gainElement{
	{GainRF, Range{Min: afedri.RFGainRange.Min, Max: afedri.RFGainRange.Max}},
	{GainFE, Range{Min: afedri.FEGainRange.Min, Max: afedri.FEGainRange.Max}},
	{GainR820TLNA, Range{Min: afedri.R820TLNARange.Min, Max: afedri.R820TLNARange.Max}},
	{GainR820TMixer, Range{Min: afedri.R820TMixerRange.Min, Max: afedri.R820TMixerRange.Max}},
	{GainR820TVGA, Range{Min: afedri.R820TVGARange.Min, Max: afedri.R820TVGARange.Max}},
}

var (
	afedriFrequencyRanges  = []Range{{Min: 100e3, Max: 35e6}, {Min: 35e6, Max: 1450e6}}
	afedriSampleRateRanges = []Range{{Min: 48e3, Max: 2.4e6}}
	afedriBandwidthRanges  = []Range{{Min: 0, Max: 2.4e6}}
)

// BroadcastFunc runs native discovery. It is a field so tests can replace it.
type BroadcastFunc func(ctx context.Context, logger logging.Logger) ([]discovery.Device, error)

func broadcastDiscovery(ctx context.Context, logger logging.Logger) ([]discovery.Device, error) {
	return discovery.NewProber(logger).Broadcast(ctx)
}

// AfedriDriver returns the registry entry for Afedri SDR-Net receivers.
func AfedriDriver() Driver {
	return afedriDriverWith(broadcastDiscovery)
}

func afedriDriverWith(broadcast BroadcastFunc) Driver {
	return Driver{
		Name: AfedriDriverName,
		Find: func(ctx context.Context, args Kwargs, logger logging.Logger) ([]Kwargs, error) {
			return findAfedri(ctx, args, logger, broadcast)
		},
		Make: func(ctx context.Context, args Kwargs, logger logging.Logger) (Device, error) {
			return OpenAfedri(ctx, args, logger)
		},
	}
}

func findAfedri(ctx context.Context, args Kwargs, logger logging.Logger, broadcast BroadcastFunc) ([]Kwargs, error) {
	log := logging.Subsystem(logger, "sdr-afedri")

	devs, err := broadcast(ctx, logger)
	if err != nil {
		log.Warn("broadcast discovery failed", logging.F("error", err))
	}
	if len(devs) == 0 {
		log.Info("no afedri device answered discovery")
	}

	var out []Kwargs
	for _, d := range devs {
		if a, ok := args["address"]; ok && a != d.Address {
			continue
		}
		if p, ok := args["port"]; ok && p != strconv.Itoa(d.Port) {
			continue
		}
		out = append(out, Kwargs{
			"label":          fmt.Sprintf("afedri :: %s:%d", d.Address, d.Port),
			"address":        d.Address,
			"port":           strconv.Itoa(d.Port),
			"serial":         d.Serial,
			"version_string": d.Name,
		})
	}

	if len(out) == 0 && args.Has("address") && args.Has("port") {
		// Discovery can miss devices behind routers; try the endpoint directly.
		p, err := ParseParams(args)
		if err != nil {
			return nil, err
		}
		log.Info("probing device directly", logging.F("params", p.String()))
		ctrl, err := afedri.Dial(ctx, p.ControlAddr(), logger)
		if err != nil {
			log.Debug("direct probe failed", logging.F("error", err))
			return out, nil
		}
		defer ctrl.Close()
		info, err := ctrl.VersionInfo(ctx)
		if err != nil {
			log.Debug("direct probe failed", logging.F("error", err))
			return out, nil
		}
		out = append(out, Kwargs{
			"label":          "afedri :: " + p.ControlAddr(),
			"address":        p.Address,
			"port":           strconv.Itoa(p.Port),
			"serial":         info.SerialNumber,
			"version_string": info.VersionString,
		})
		log.Info("afedri device detected", logging.F("address", p.ControlAddr()))
	}
	return out, nil
}

// AfedriDevice is an Afedri SDR-Net receiver reached over TCP control and UDP samples.
type AfedriDevice struct {
	params      Params
	ctrl        *afedri.Control
	info        afedri.VersionInfo
	rx          *udprx.Receiver
	numChannels int
	log         logging.Logger

	*tuning
	streams *streamTable

	closeOnce sync.Once
}

// OpenAfedri connects to the control port, applies rx_mode, and binds the UDP stream.
func OpenAfedri(ctx context.Context, args Kwargs, logger logging.Logger) (*AfedriDevice, error) {
	p, err := ParseParams(args)
	if err != nil {
		return nil, err
	}
	if err := p.requireEndpoint(); err != nil {
		return nil, err
	}
	log := logging.Subsystem(logger, "sdr-afedri")
	log.Info("opening afedri device", logging.F("params", p.String()))

	ctrl, err := afedri.Dial(ctx, p.ControlAddr(), logger)
	if err != nil {
		return nil, err
	}
	d := &AfedriDevice{
		params:  p,
		ctrl:    ctrl,
		log:     log,
		tuning:  newTuning(afedriGains),
		streams: newStreamTable(),
	}
	if err := d.init(ctx); err != nil {
		_ = ctrl.Close()
		return nil, err
	}
	log.Info("afedri device created",
		logging.F("version", d.info.VersionString),
		logging.F("serial", d.info.SerialNumber),
		logging.F("channels", d.numChannels),
		logging.F("udp", d.rx.LocalAddr().String()))
	return d, nil
}

func (d *AfedriDevice) init(ctx context.Context) error {
	info, err := d.ctrl.VersionInfo(ctx)
	if err != nil {
		return fmt.Errorf("read version info: %w", err)
	}
	d.info = info

	mode := afedri.RXMode(d.params.RXMode)
	if d.params.RXMode != -1 {
		if err := d.ctrl.SetRXMode(ctx, afedri.CH0, mode); err != nil {
			return err
		}
	}

	d.numChannels = d.params.NumChannels
	if d.numChannels == 0 {
		if d.params.RXMode == -1 {
			if mode, err = d.ctrl.RXMode(ctx); err != nil {
				return err
			}
		}
		d.numChannels = mode.Channels()
	}

	d.rx, err = udprx.Listen(ctx, udprx.Config{
		BindAddress: d.params.BindAddress,
		BindPort:    d.params.BindPort,
		Channels:    d.numChannels,
		Logger:      d.log,
	})
	if err != nil {
		d.log.Warn("afedri device present but the UDP socket could not be bound", logging.F("error", err))
		return err
	}
	return nil
}

// Control exposes the control connection for tools that need raw commands.
func (d *AfedriDevice) Control() *afedri.Control { return d.ctrl }

// VersionInfo returns the identity read at open.
func (d *AfedriDevice) VersionInfo() afedri.VersionInfo { return d.info }

// ReceiverStats returns the UDP receiver counters.
func (d *AfedriDevice) ReceiverStats() udprx.Snapshot { return d.rx.Stats() }

// StreamAddr is the local UDP address samples are received on.
func (d *AfedriDevice) StreamAddr() string { return d.rx.LocalAddr().String() }

func (d *AfedriDevice) DriverKey() string   { return "Afedri" }
func (d *AfedriDevice) HardwareKey() string { return d.info.VersionString }

func (d *AfedriDevice) HardwareInfo() Kwargs {
	return Kwargs{
		"version_string":       d.info.VersionString,
		"serial_number":        d.info.SerialNumber,
		"firmware_version":     d.info.FirmwareVersion,
		"product_id":           d.info.ProductID,
		"hw_fw_version":        d.info.HWFWVersion,
		"interface_version":    d.info.InterfaceVersion,
		"main_clock_frequency": strconv.FormatUint(uint64(d.info.MainClockFrequency), 10),
		"diversity_mode":       strconv.FormatUint(uint64(d.info.EEPROMDiversityMode), 10),
		"r820t_present":        strconv.FormatBool(d.info.R820TPresent),
		"driver_version":       DriverVersion,
	}
}

func (d *AfedriDevice) NumChannels(dir Direction) int {
	if dir != RX {
		return 0
	}
	return d.numChannels
}

func (d *AfedriDevice) FullDuplex(Direction, int) bool { return false }

// hwChannel applies the map_ch0 remap to a logical channel.
func (d *AfedriDevice) hwChannel(ch int) afedri.Channel {
	if ch == 0 && d.params.MapCh0 >= 0 {
		return afedri.Channel(d.params.MapCh0)
	}
	return afedri.Channel(ch)
}

func (d *AfedriDevice) ListGains(Direction, int) []string { return d.listGains() }

// SetGainAll is not supported; gains must be set per element.
func (d *AfedriDevice) SetGainAll(_ context.Context, _ Direction, _ int, db float64) error {
	d.log.Warn("general gain setting is not supported, use a named element", logging.F("gain", db))
	return nil
}

func (d *AfedriDevice) SetGain(ctx context.Context, _ Direction, ch int, name string, db float64) error {
	d.log.Info("set gain", logging.F("name", name), logging.F("gain", db), logging.F("channel", ch))
	hw := d.hwChannel(ch)
	var err error
	switch name {
	case GainRF:
		err = d.ctrl.SetRFGain(ctx, hw, db)
	case GainFE:
		err = d.ctrl.SetFEGain(ctx, hw, db)
	case GainR820TLNA:
		err = d.ctrl.SetR820TLNAGain(ctx, hw, db)
	case GainR820TMixer:
		err = d.ctrl.SetR820TMixerGain(ctx, hw, db)
	case GainR820TVGA:
		err = d.ctrl.SetR820TVGAGain(ctx, hw, db)
	default:
		d.log.Warn("unknown gain element", logging.F("name", name))
		return fmt.Errorf("%w: %q", ErrUnknownGain, name)
	}
	if err != nil {
		return err
	}
	d.setGain(name, db)
	return nil
}

func (d *AfedriDevice) Gain(_ Direction, _ int, name string) float64 { return d.gain(name) }

func (d *AfedriDevice) GainRange(_ Direction, _ int, name string) (Range, error) {
	return d.gainRange(name)
}

func (d *AfedriDevice) SetFrequency(ctx context.Context, _ Direction, ch int, name string, hz float64) error {
	if name != FrequencyRF {
		d.log.Warn("unknown frequency element", logging.F("name", name))
		return nil
	}
	d.log.Info("set center frequency", logging.F("channel", ch), logging.F("hz", uint32(hz)))
	if err := d.ctrl.SetFrequency(ctx, d.hwChannel(ch), uint32(hz)); err != nil {
		return err
	}
	d.setFrequency(hz)
	return nil
}

func (d *AfedriDevice) Frequency(_ Direction, _ int, name string) float64 {
	if name != FrequencyRF {
		return 0
	}
	return d.getFrequency()
}

func (d *AfedriDevice) ListFrequencies(Direction, int) []string { return []string{FrequencyRF} }

func (d *AfedriDevice) FrequencyRange(_ Direction, _ int, name string) []Range {
	if name != FrequencyRF {
		return nil
	}
	return append([]Range(nil), afedriFrequencyRanges...)
}

// SetSampleRate programs rate and remembers the rate the clock can actually produce.
func (d *AfedriDevice) SetSampleRate(ctx context.Context, _ Direction, _ int, rate float64) error {
	req := uint32(rate)
	if err := d.ctrl.SetSampleRate(ctx, req); err != nil {
		return err
	}
	actual := afedri.ActualSampleRate(d.info.MainClockFrequency, req)
	fields := []logging.Field{
		logging.F("requested", req),
		logging.F("actual", actual),
		logging.F("clock", d.info.MainClockFrequency),
	}
	if actual != req {
		d.log.Warn("sample rate adjusted to clock divisor", fields...)
	} else {
		d.log.Info("sample rate set", fields...)
	}
	d.setSampleRate(float64(actual))
	return nil
}

func (d *AfedriDevice) SampleRate(Direction, int) float64 { return d.getSampleRate() }

func (d *AfedriDevice) ListSampleRates(Direction, int) []float64 {
	return afedri.GoldenSampleRates(d.info.MainClockFrequency)
}

func (d *AfedriDevice) SampleRateRange(Direction, int) []Range {
	return append([]Range(nil), afedriSampleRateRanges...)
}

func (d *AfedriDevice) SetBandwidth(_ Direction, _ int, bw float64) { d.setBandwidth(bw) }
func (d *AfedriDevice) Bandwidth(Direction, int) float64           { return d.getBandwidth() }
func (d *AfedriDevice) BandwidthRange(Direction, int) []Range {
	return append([]Range(nil), afedriBandwidthRanges...)
}

func (d *AfedriDevice) ListAntennas(Direction, int) []string { return []string{"RX"} }

func (d *AfedriDevice) SetAntenna(_ Direction, ch int, name string) {
	d.log.Info("set antenna", logging.F("channel", ch), logging.F("name", name))
	d.setAntenna(name)
}

func (d *AfedriDevice) Antenna(Direction, int) string { return d.getAntenna() }

// WriteSetting handles r820t_lna_agc and r820t_mixer_agc. Other keys are ignored.
func (d *AfedriDevice) WriteSetting(ctx context.Context, key, value string) error {
	d.log.Info("write setting", logging.F("key", key), logging.F("value", value))
	ch := d.hwChannel(0)
	switch strings.ToLower(key) {
	case "r820t_lna_agc":
		return d.ctrl.SetR820TLNAAGC(ctx, ch, boolInt(value))
	case "r820t_mixer_agc":
		return d.ctrl.SetR820TMixerAGC(ctx, ch, boolInt(value))
	default:
		d.log.Warn("setting ignored", logging.F("key", key))
		return nil
	}
}

func boolInt(s string) int {
	switch s {
	case "true", "True", "1":
		return 1
	}
	return 0
}

func (d *AfedriDevice) StreamFormats(Direction, int) []Format { return []Format{CS16, CF32} }

func (d *AfedriDevice) NativeStreamFormat(dir Direction, _ int) (Format, float64, error) {
	if dir != RX {
		return "", 0, ErrNotRX
	}
	return CS16, fullScale, nil
}

func (d *AfedriDevice) SetupStream(dir Direction, format Format, channels []int, _ Kwargs) (StreamHandle, error) {
	channels, err := validateSetup(dir, format, channels, d.numChannels)
	if err != nil {
		return 0, err
	}
	h, s := d.streams.add(channels, format)
	for i, ch := range channels {
		if err := d.rx.Attach(ch, s.bufs[i]); err != nil {
			d.streams.remove(h)
			for _, b := range s.bufs {
				d.rx.Detach(b)
			}
			return 0, err
		}
	}
	d.log.Debug("stream configured",
		logging.F("stream", int(h)),
		logging.F("format", string(format)),
		logging.F("channels", channels))
	return h, nil
}

func (d *AfedriDevice) CloseStream(ctx context.Context, h StreamHandle) error {
	if _, err := d.streams.get(h); err != nil {
		return err
	}
	derr := d.DeactivateStream(ctx, h, 0, 0)
	if s := d.streams.remove(h); s != nil {
		for _, b := range s.bufs {
			d.rx.Detach(b)
			b.Close()
		}
	}
	return derr
}

func (d *AfedriDevice) StreamMTU(StreamHandle) int { return StreamMTU }

// ActivateStream starts capture. Only flags == 0 is supported.
func (d *AfedriDevice) ActivateStream(ctx context.Context, h StreamHandle, flags int, _ int64, _ int) error {
	d.log.Debug("activate stream", logging.F("stream", int(h)), logging.F("flags", flags))
	if flags != 0 {
		return StatusNotSupported
	}
	if _, err := d.streams.setActive(h, true); err != nil {
		return err
	}
	if err := d.ctrl.StartCapture(ctx); err != nil {
		_, _ = d.streams.setActive(h, false)
		return err
	}
	d.rx.SetActive(true)
	return nil
}

// DeactivateStream stops capture once no stream is active.
func (d *AfedriDevice) DeactivateStream(ctx context.Context, h StreamHandle, flags int, _ int64) error {
	d.log.Debug("deactivate stream", logging.F("stream", int(h)), logging.F("flags", flags))
	if flags != 0 {
		return StatusNotSupported
	}
	remaining, err := d.streams.setActive(h, false)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	d.rx.SetActive(false)
	if err := d.ctrl.StopCapture(ctx); err != nil {
		return err
	}
	d.log.Info("afedri capture stopped")
	return nil
}

func (d *AfedriDevice) ReadStream(ctx context.Context, h StreamHandle, buffs []any, numElems int, timeout time.Duration) (int, error) {
	s, err := d.streams.get(h)
	if err != nil {
		return 0, err
	}
	n, err := s.read(ctx, buffs, numElems, timeout)
	if err != nil && !errors.Is(err, StatusTimeout) {
		d.log.Warn("read stream failed", logging.F("stream", int(h)), logging.F("error", err))
	}
	return n, err
}

// Close stops capture if needed, releases the UDP socket and the control connection.
func (d *AfedriDevice) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, h := range d.streams.all() {
			if err := d.CloseStream(ctx, h); err != nil {
				errs = append(errs, err)
			}
		}
		if d.rx != nil {
			errs = append(errs, d.rx.Close())
		}
		errs = append(errs, d.ctrl.Close())
		d.log.Info("afedri device closed")
	})
	return errors.Join(errs...)
}
