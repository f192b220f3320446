package sdr

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/rjboer/afedri/internal/afedri"
	"github.com/rjboer/afedri/internal/discovery"
	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/sim"
)

func startAfedriSim(t *testing.T, cfg sim.Config) *sim.Server {
	t.Helper()
	srv, err := sim.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start simulator: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func openSim(t *testing.T, srv *sim.Server, extra Kwargs) *AfedriDevice {
	t.Helper()
	args := Kwargs{
		"driver":       "afedri",
		"address":      "127.0.0.1",
		"port":         strconv.Itoa(srv.Port()),
		"bind_address": "127.0.0.1",
	}
	for k, v := range extra {
		args[k] = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dev, err := OpenAfedri(ctx, args, nil)
	if err != nil {
		t.Fatalf("OpenAfedri failed: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func TestAfedriReadSequence(t *testing.T) {
	srv := startAfedriSim(t, sim.Config{RXMode: afedri.DualChannel, Serial: "SEQ01"})
	dev := openSim(t, srv, nil)
	ctx := context.Background()

	if got := dev.NumChannels(RX); got != 2 {
		t.Fatalf("NumChannels = %d, want 2 from the device rx mode", got)
	}
	if got := dev.HardwareInfo()["serial_number"]; got != "SEQ01" {
		t.Fatalf("serial_number = %q", got)
	}

	h, err := dev.SetupStream(RX, CF32, []int{0, 1}, nil)
	if err != nil {
		t.Fatalf("SetupStream failed: %v", err)
	}
	if err := dev.ActivateStream(ctx, h, 0, 0, 0); err != nil {
		t.Fatalf("ActivateStream failed: %v", err)
	}
	if !srv.WaitCapturing(true, time.Second) {
		t.Fatalf("simulator did not start capture")
	}

	ch0 := make([]complex64, StreamMTU)
	ch1 := make([]complex64, StreamMTU)
	for i := 0; i < 5; i++ {
		n, err := dev.ReadStream(ctx, h, []any{ch0, ch1}, StreamMTU, 2*time.Second)
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if n <= 0 || n > StreamMTU {
			t.Fatalf("read %d returned %d samples", i, n)
		}
	}
	if st := dev.ReceiverStats(); st.Packets == 0 || st.BadSize != 0 {
		t.Fatalf("unexpected receiver stats %+v", st)
	}

	if err := dev.DeactivateStream(ctx, h, 0, 0); err != nil {
		t.Fatalf("DeactivateStream failed: %v", err)
	}
	if !srv.WaitCapturing(false, time.Second) {
		t.Fatalf("simulator still capturing after deactivate")
	}
	if err := dev.CloseStream(ctx, h); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}
	if _, err := dev.ReadStream(ctx, h, []any{ch0, ch1}, StreamMTU, time.Millisecond); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("read after close: got %v", err)
	}
}

func TestAfedriAppliesRXModeAndMapCh0(t *testing.T) {
	srv := startAfedriSim(t, sim.Config{})
	dev := openSim(t, srv, Kwargs{"rx_mode": "5", "map_ch0": "2"})
	ctx := context.Background()

	if srv.State().RXMode != afedri.QuadChannel {
		t.Fatalf("rx_mode not applied, device reports %v", srv.State().RXMode)
	}
	if got := dev.NumChannels(RX); got != 4 {
		t.Fatalf("NumChannels = %d, want 4", got)
	}

	if err := dev.SetFrequency(ctx, RX, 0, FrequencyRF, 14_070_000); err != nil {
		t.Fatalf("SetFrequency failed: %v", err)
	}
	if err := dev.SetFrequency(ctx, RX, 1, FrequencyRF, 7_074_000); err != nil {
		t.Fatalf("SetFrequency failed: %v", err)
	}
	st := srv.State()
	if st.Frequency[afedri.CH2] != 14_070_000 || st.Frequency[afedri.CH0] != 0 {
		t.Fatalf("channel 0 should be remapped to CH2: %v", st.Frequency)
	}
	if st.Frequency[afedri.CH1] != 7_074_000 {
		t.Fatalf("channel 1 should not be remapped: %v", st.Frequency)
	}

	if err := dev.SetGain(ctx, RX, 0, GainFE, 12); err != nil {
		t.Fatalf("SetGain failed: %v", err)
	}
	if got := srv.State().FEGain[afedri.CH2]; got != byte(afedri.FEGainCode(12)) {
		t.Fatalf("fe gain register = %d", got)
	}
	if got := dev.Gain(RX, 0, GainFE); got != 12 {
		t.Fatalf("Gain readback = %v", got)
	}
	if err := dev.WriteSetting(ctx, "r820t_lna_agc", "true"); err != nil {
		t.Fatalf("WriteSetting failed: %v", err)
	}
	if got := srv.State().LNAAGC[afedri.CH2]; got != 1 {
		t.Fatalf("lna agc register = %d", got)
	}
	if err := dev.SetGain(ctx, RX, 0, "PGA", 3); !errors.Is(err, ErrUnknownGain) {
		t.Fatalf("unknown gain: got %v", err)
	}
}

func TestAfedriSampleRateFollowsClock(t *testing.T) {
	srv := startAfedriSim(t, sim.Config{MainClock: 80_000_000})
	dev := openSim(t, srv, Kwargs{"num_channels": "1"})

	if err := dev.SetSampleRate(context.Background(), RX, 0, 250_000); err != nil {
		t.Fatalf("SetSampleRate failed: %v", err)
	}
	want := float64(afedri.ActualSampleRate(80_000_000, 250_000))
	if got := dev.SampleRate(RX, 0); got != want {
		t.Fatalf("SampleRate = %v, want %v", got, want)
	}
	if srv.State().SampleRate != 250_000 {
		t.Fatalf("device saw rate %d", srv.State().SampleRate)
	}
	if len(dev.ListSampleRates(RX, 0)) == 0 {
		t.Fatalf("expected golden sample rates")
	}
}

func TestAfedriActivateRejectsFlags(t *testing.T) {
	srv := startAfedriSim(t, sim.Config{})
	dev := openSim(t, srv, nil)

	h, err := dev.SetupStream(RX, CS16, nil, nil)
	if err != nil {
		t.Fatalf("SetupStream failed: %v", err)
	}
	err = dev.ActivateStream(context.Background(), h, 2, 0, 0)
	if ReturnCode(0, err) != int(StatusNotSupported) {
		t.Fatalf("ActivateStream with flags: got %v", err)
	}
	if srv.State().Capturing {
		t.Fatalf("capture must not start for unsupported flags")
	}
}

func TestOpenAfedriRequiresEndpoint(t *testing.T) {
	_, err := OpenAfedri(context.Background(), Kwargs{"address": "127.0.0.1"}, nil)
	if !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
}

func TestFindAfedri(t *testing.T) {
	srv := startAfedriSim(t, sim.Config{Serial: "FIND01"})
	port := strconv.Itoa(srv.Port())
	ctx := context.Background()

	silent := func(context.Context, logging.Logger) ([]discovery.Device, error) { return nil, nil }
	drv := afedriDriverWith(silent)

	found, err := drv.Find(ctx, Kwargs{"address": "127.0.0.1", "port": port}, nil)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(found) != 1 || found[0]["serial"] != "FIND01" {
		t.Fatalf("direct probe fallback: %v", found)
	}

	found, err = drv.Find(ctx, Kwargs{}, nil)
	if err != nil || len(found) != 0 {
		t.Fatalf("no discovery and no endpoint should find nothing: %v %v", found, err)
	}

	answering := func(context.Context, logging.Logger) ([]discovery.Device, error) {
		return []discovery.Device{
			{Name: "AFEDRI-SDR Net", Serial: "A", Address: "10.0.0.5", Port: 50000},
			{Name: "AFEDRI-SDR Net", Serial: "B", Address: "10.0.0.6", Port: 50000},
		}, nil
	}
	found, err = afedriDriverWith(answering).Find(ctx, Kwargs{"address": "10.0.0.6"}, nil)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(found) != 1 || found[0]["serial"] != "B" || found[0]["port"] != "50000" {
		t.Fatalf("address filter: %v", found)
	}
}
