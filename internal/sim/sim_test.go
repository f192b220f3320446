package sim

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rjboer/afedri/internal/afedri"
	"github.com/rjboer/afedri/internal/discovery"
	"github.com/rjboer/afedri/internal/udprx"
)

func startSim(t *testing.T, cfg Config) (*Server, *afedri.Control) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("start sim: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	ctl, err := afedri.Dial(ctx, srv.Addr().String(), nil)
	if err != nil {
		t.Fatalf("dial sim: %v", err)
	}
	t.Cleanup(func() { _ = ctl.Close() })
	return srv, ctl
}

func TestSimVersionInfo(t *testing.T) {
	_, ctl := startSim(t, Config{Serial: "AF123", R820T: true, Diversity: 1})
	info, err := ctl.VersionInfo(context.Background())
	if err != nil {
		t.Fatalf("VersionInfo: %v", err)
	}
	if info.SerialNumber != "AF123" {
		t.Fatalf("serial = %q", info.SerialNumber)
	}
	if info.MainClockFrequency != 76_800_000 {
		t.Fatalf("main clock = %d", info.MainClockFrequency)
	}
	if !info.R820TPresent {
		t.Fatalf("expected R820T to be reported")
	}
	if info.EEPROMDiversityMode != 1 {
		t.Fatalf("diversity = %d", info.EEPROMDiversityMode)
	}
	if info.ProductID != "AFD/7" {
		t.Fatalf("product id = %q", info.ProductID)
	}
}

func TestSimRegisters(t *testing.T) {
	srv, ctl := startSim(t, Config{})
	ctx := context.Background()

	if err := ctl.SetFrequency(ctx, afedri.CH1, 7_100_000); err != nil {
		t.Fatalf("SetFrequency: %v", err)
	}
	hz, err := ctl.Frequency(ctx, afedri.CH1)
	if err != nil || hz != 7_100_000 {
		t.Fatalf("Frequency = %d, %v", hz, err)
	}
	if err := ctl.SetSampleRate(ctx, 96_000); err != nil {
		t.Fatalf("SetSampleRate: %v", err)
	}
	rate, err := ctl.SampleRate(ctx)
	if err != nil || rate != 96_000 {
		t.Fatalf("SampleRate = %d, %v", rate, err)
	}
	if err := ctl.SetRXMode(ctx, afedri.CH0, afedri.DualChannel); err != nil {
		t.Fatalf("SetRXMode: %v", err)
	}
	mode, err := ctl.RXMode(ctx)
	if err != nil || mode != afedri.DualChannel {
		t.Fatalf("RXMode = %v, %v", mode, err)
	}
	if err := ctl.SetRFGain(ctx, afedri.CH2, 35); err != nil {
		t.Fatalf("SetRFGain: %v", err)
	}

	st := srv.State()
	if st.RFGain[afedri.CH2] != byte(afedri.RFGainCode(35)) {
		t.Fatalf("rf gain register = %d", st.RFGain[afedri.CH2])
	}
	if st.Commands == 0 {
		t.Fatalf("command counter not advanced")
	}
}

func TestSimStreamsWhileCapturing(t *testing.T) {
	rx, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer rx.Close()

	srv, ctl := startSim(t, Config{
		StreamHost: "127.0.0.1",
		StreamPort: rx.LocalAddr().(*net.UDPAddr).Port,
		RXMode:     afedri.DualChannel,
	})
	ctx := context.Background()

	if err := ctl.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	on, err := ctl.IsCapturing(ctx)
	if err != nil || !on {
		t.Fatalf("IsCapturing = %v, %v", on, err)
	}

	_ = rx.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := rx.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	if n != udprx.PacketLen {
		t.Fatalf("datagram length = %d, want %d", n, udprx.PacketLen)
	}

	out := [][]int16{make([]int16, udprx.ShortsPerPacket), make([]int16, udprx.ShortsPerPacket)}
	got := udprx.Demux(buf[udprx.HeaderLen:n], 2, out)
	if got != udprx.ShortsPerPacket/2 {
		t.Fatalf("demux produced %d values per channel", got)
	}
	if out[0][0] == 0 && out[0][2] == 0 {
		t.Fatalf("expected a non-zero tone on channel 0")
	}

	if err := ctl.StopCapture(ctx); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if !srv.WaitCapturing(false, time.Second) {
		t.Fatalf("capture still running")
	}
	if srv.State().PacketsSent == 0 {
		t.Fatalf("no packets counted")
	}
}

func TestSimUnknownItemNAK(t *testing.T) {
	srv, _ := startSim(t, Config{})
	reply := srv.handle([]byte{0x04, 0x20, 0x34, 0x12}, nil)
	if len(reply) != 2 || reply[0] != 0x02 {
		t.Fatalf("reply = % x, want NAK", reply)
	}
}

func TestSimAnswersDiscovery(t *testing.T) {
	reserve, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clientPort := reserve.LocalAddr().(*net.UDPAddr).Port
	reserve.Close()

	srv, _ := startSim(t, Config{
		DiscoveryAddr:      "127.0.0.1:0",
		DiscoveryReplyPort: clientPort,
		Serial:             "DISC01",
	})

	p := &discovery.Prober{
		ServerPort: srv.DiscoveryAddr().Port,
		ClientPort: clientPort,
		Wait:       200 * time.Millisecond,
	}
	ifc := discovery.Interface{Name: "lo", Addr: net.IPv4(127, 0, 0, 1), Broadcast: net.IPv4(127, 0, 0, 1)}
	devs, err := p.Probe(context.Background(), ifc)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	devs = discovery.Dedupe(devs)
	if len(devs) != 1 {
		t.Fatalf("found %d devices, want 1", len(devs))
	}
	if devs[0].Serial != "DISC01" || devs[0].Port != srv.Port() {
		t.Fatalf("device = %+v", devs[0])
	}
}
