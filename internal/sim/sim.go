// Package sim emulates an Afedri SDR-Net receiver: the TCP control port,
// the UDP sample stream, broadcast discovery and an optional mDNS record.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rjboer/afedri/internal/afedri"
	"github.com/rjboer/afedri/internal/discovery"
	"github.com/rjboer/afedri/internal/logging"
)

// Config describes the simulated device.
type Config struct {
	// ControlAddr is the TCP listen address; port 0 picks a free port.
	ControlAddr string
	// StreamHost receives UDP samples. Empty means the connecting client's IP.
	StreamHost string
	// StreamPort receives UDP samples. Zero means the control port number.
	StreamPort int
	// DiscoveryAddr enables the broadcast responder when set (e.g. ":48321").
	DiscoveryAddr string
	// DiscoveryReplyPort is where discovery responses go; zero means discovery.ClientPort.
	DiscoveryReplyPort int
	// AdvertiseIP is placed in discovery responses; empty uses the control listener IP.
	AdvertiseIP string
	// MDNS registers the control port as _afedri._tcp.
	MDNS bool

	Name      string
	Serial    string
	Firmware  uint32
	MainClock uint32
	Diversity uint32
	RXMode    afedri.RXMode
	R820T     bool
	// ToneHz is the baseband offset of the tone on channel 0; channel k uses (k+1)*ToneHz.
	ToneHz float64
	// Amplitude is the tone level relative to full scale.
	Amplitude float64

	Logger logging.Logger
}

func (c *Config) setDefaults() {
	if c.ControlAddr == "" {
		c.ControlAddr = "127.0.0.1:0"
	}
	if c.DiscoveryReplyPort == 0 {
		c.DiscoveryReplyPort = discovery.ClientPort
	}
	if c.Name == "" {
		c.Name = "AFEDRI-SDR Net"
	}
	if c.Serial == "" {
		c.Serial = "SIM00001"
	}
	if c.Firmware == 0 {
		c.Firmware = 0x00020107
	}
	if c.MainClock == 0 {
		c.MainClock = 76_800_000
	}
	if c.ToneHz == 0 {
		c.ToneHz = 10_000
	}
	if c.Amplitude == 0 {
		c.Amplitude = 0.3
	}
}

// State is a snapshot of the simulated receiver registers.
type State struct {
	Capturing   bool
	Frequency   [4]uint32
	SampleRate  uint32
	RXMode      afedri.RXMode
	FEGain      [4]byte
	RFGain      [4]byte
	LNAGain     [4]byte
	MixerGain   [4]byte
	VGAGain     [4]byte
	LNAAGC      [4]byte
	MixerAGC    [4]byte
	Overload    byte
	StreamDest  string
	PacketsSent uint64
	Commands    uint64
}

// Server is a running simulator.
type Server struct {
	cfg Config
	log logging.Logger
	ln  net.Listener

	mu    sync.Mutex
	state State
	pump  *pump

	disc net.PacketConn
	adv  *discovery.Advertiser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts the simulator.
func New(ctx context.Context, cfg Config) (*Server, error) {
	cfg.setDefaults()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.ControlAddr)
	if err != nil {
		return nil, fmt.Errorf("sim: listen %s: %w", cfg.ControlAddr, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		log:    logging.Subsystem(cfg.Logger, "sim"),
		ln:     ln,
		ctx:    sctx,
		cancel: cancel,
	}
	s.state.SampleRate = 192_000
	s.state.RXMode = cfg.RXMode

	if cfg.DiscoveryAddr != "" {
		if err := s.startDiscovery(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	if cfg.MDNS {
		s.adv, err = discovery.Advertise("afedri-sim-"+cfg.Serial, s.Port(), cfg.Name, cfg.Serial)
		if err != nil {
			s.log.Warn("mdns advertisement failed", logging.F("error", err))
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("simulator listening",
		logging.F("control", ln.Addr().String()),
		logging.F("serial", cfg.Serial),
		logging.F("rx_mode", cfg.RXMode.String()))
	return s, nil
}

// Addr returns the control listener address.
func (s *Server) Addr() *net.TCPAddr { return s.ln.Addr().(*net.TCPAddr) }

// Port returns the control port.
func (s *Server) Port() int { return s.Addr().Port }

// DiscoveryAddr returns the broadcast responder address, or nil when disabled.
func (s *Server) DiscoveryAddr() *net.UDPAddr {
	if s.disc == nil {
		return nil
	}
	return s.disc.LocalAddr().(*net.UDPAddr)
}

// State returns a snapshot of the registers.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if s.pump != nil {
		st.PacketsSent = s.pump.sent.Load()
	}
	return st
}

// Close stops all goroutines and releases sockets.
func (s *Server) Close() error {
	s.cancel()
	err := s.ln.Close()
	if s.disc != nil {
		_ = s.disc.Close()
	}
	s.adv.Shutdown()
	s.stopPump()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("accept failed", logging.F("error", err))
			}
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	go func() {
		<-s.ctx.Done()
		_ = conn.Close()
	}()

	peer, _ := conn.RemoteAddr().(*net.TCPAddr)
	s.log.Debug("control client connected", logging.F("peer", conn.RemoteAddr().String()))
	for {
		req, err := afedri.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("control read ended", logging.F("error", err))
			}
			return
		}
		reply := s.handle(req, peer)
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

func nak() []byte { return []byte{0x02, 0x00} }

func frame(msgType byte, item uint16, payload ...byte) []byte {
	n := 4 + len(payload)
	b := make([]byte, 4, n)
	b[0] = byte(n)
	b[1] = msgType | byte(n>>8)&0x1F
	binary.LittleEndian.PutUint16(b[2:4], item)
	return append(b, payload...)
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func cstr(s string) []byte { return append([]byte(s), 0) }

// handle executes one request and returns the reply frame.
func (s *Server) handle(req []byte, peer *net.TCPAddr) []byte {
	s.mu.Lock()
	s.state.Commands++
	s.mu.Unlock()

	if len(req) < 4 {
		return nak()
	}
	msgType := req[1] &^ 0x1F
	if msgType == afedri.MsgHIDGeneric {
		if req[2] != byte(afedri.ItemHIDGeneric) || len(req) < afedri.HIDFrameLen {
			return nak()
		}
		return s.handleHID(req)
	}
	item := binary.LittleEndian.Uint16(req[2:4])

	switch item {
	case afedri.ItemTargetName:
		return frame(afedri.MsgSetItem, item, cstr(s.cfg.Name)...)
	case afedri.ItemSerialNumber:
		return frame(afedri.MsgSetItem, item, cstr(s.cfg.Serial)...)
	case afedri.ItemInterfaceVersion:
		return frame(afedri.MsgSetItem, item, 0x0a, 0x00)
	case afedri.ItemHWFWVersion:
		return frame(afedri.MsgSetItem, item, 0x01, 0x02, 0x07, 0x01)
	case afedri.ItemProductID:
		return frame(afedri.MsgSetItem, item, 'A', 'F', 'D', 0x07)
	case afedri.ItemReceiverState:
		if msgType == afedri.MsgSetItem && len(req) >= 6 {
			s.setCapture(req[5] == afedri.StateRun, peer)
			return req
		}
		state := byte(afedri.StateIdle)
		if s.State().Capturing {
			state = afedri.StateRun
		}
		return frame(afedri.MsgSetItem, item, 0x80, state, 0x00, 0x00)
	case afedri.ItemFrequency:
		if len(req) < 5 {
			return nak()
		}
		ch, err := afedri.ChannelFromWire(req[4])
		if err != nil {
			return nak()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if msgType == afedri.MsgSetItem && len(req) >= 9 {
			s.state.Frequency[ch] = binary.LittleEndian.Uint32(req[5:9])
			return req
		}
		return frame(afedri.MsgSetItem, item, append(append([]byte{req[4]}, u32(s.state.Frequency[ch])...), 0)...)
	case afedri.ItemSampleRate:
		s.mu.Lock()
		defer s.mu.Unlock()
		if msgType == afedri.MsgSetItem && len(req) >= 9 {
			s.state.SampleRate = binary.LittleEndian.Uint32(req[5:9])
			return req
		}
		return frame(afedri.MsgSetItem, item, append([]byte{0}, u32(s.state.SampleRate)...)...)
	}
	s.log.Debug("unknown control item", logging.F("item", fmt.Sprintf("0x%04x", item)))
	return nak()
}

func (s *Server) handleHID(req []byte) []byte {
	cmd := req[3]
	reply := make([]byte, afedri.HIDFrameLen)
	copy(reply, req[:afedri.HIDFrameLen])

	s.mu.Lock()
	defer s.mu.Unlock()

	chanIdx := func() (afedri.Channel, bool) {
		ch, err := afedri.ChannelFromWire(req[5])
		return ch, err == nil
	}

	switch cmd {
	case afedri.HIDFirmware:
		copy(reply[4:8], u32(s.cfg.Firmware))
	case afedri.HIDReadEEPROM:
		var v uint32
		switch req[4] {
		case 0:
			v = s.cfg.MainClock & 0xFFFF
		case 1:
			v = s.cfg.MainClock >> 16
		case 8:
			v = s.cfg.Diversity
		}
		copy(reply[4:8], u32(v))
	case afedri.HIDR820TRefFreq:
		var ref uint32
		if s.cfg.R820T {
			ref = 28_800_000
		}
		copy(reply[4:8], u32(ref))
	case afedri.HIDGetRXMode:
		reply[4] = byte(s.state.RXMode)
	case afedri.HIDSetRXMode:
		if m := afedri.RXMode(req[4]); m.Valid() {
			s.state.RXMode = m
		}
	case afedri.HIDOverloadMode:
		s.state.Overload = req[4]
	case afedri.HIDFEGain, afedri.HIDRFGain, afedri.HIDR820TLNAGain, afedri.HIDR820TMixerGain,
		afedri.HIDR820TVGAGain, afedri.HIDR820TLNAAGC, afedri.HIDR820TMixerAGC:
		ch, ok := chanIdx()
		if !ok {
			return nak()
		}
		reg := map[byte]*[4]byte{
			afedri.HIDFEGain:         &s.state.FEGain,
			afedri.HIDRFGain:         &s.state.RFGain,
			afedri.HIDR820TLNAGain:   &s.state.LNAGain,
			afedri.HIDR820TMixerGain: &s.state.MixerGain,
			afedri.HIDR820TVGAGain:   &s.state.VGAGain,
			afedri.HIDR820TLNAAGC:    &s.state.LNAAGC,
			afedri.HIDR820TMixerAGC:  &s.state.MixerAGC,
		}[cmd]
		reg[ch] = req[4]
	}
	return reply
}

func (s *Server) setCapture(on bool, peer *net.TCPAddr) {
	if !on {
		s.stopPump()
		s.mu.Lock()
		s.state.Capturing = false
		s.mu.Unlock()
		s.log.Info("capture stopped")
		return
	}

	s.mu.Lock()
	if s.state.Capturing {
		s.mu.Unlock()
		return
	}
	host := s.cfg.StreamHost
	if host == "" && peer != nil {
		host = peer.IP.String()
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port := s.cfg.StreamPort
	if port == 0 {
		port = s.Port()
	}
	dest := net.JoinHostPort(host, fmt.Sprint(port))
	s.state.Capturing = true
	s.state.StreamDest = dest
	rate := afedri.ActualSampleRate(s.cfg.MainClock, s.state.SampleRate)
	channels := s.state.RXMode.Channels()
	s.mu.Unlock()

	p, err := startPump(dest, rate, channels, s.cfg.ToneHz, s.cfg.Amplitude, s.log)
	if err != nil {
		s.log.Error("start sample pump failed", logging.F("error", err))
		s.mu.Lock()
		s.state.Capturing = false
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.pump = p
	s.mu.Unlock()
	s.log.Info("capture started",
		logging.F("dest", dest),
		logging.F("rate", rate),
		logging.F("channels", channels))
}

func (s *Server) stopPump() {
	s.mu.Lock()
	p := s.pump
	s.pump = nil
	if p != nil {
		s.state.PacketsSent += p.sent.Load()
	}
	s.mu.Unlock()
	if p != nil {
		p.stop()
	}
}

func (s *Server) startDiscovery(ctx context.Context) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", s.cfg.DiscoveryAddr)
	if err != nil {
		return fmt.Errorf("sim: discovery listen %s: %w", s.cfg.DiscoveryAddr, err)
	}
	s.disc = pc
	s.wg.Add(1)
	go s.discoveryLoop()
	return nil
}

func (s *Server) discoveryLoop() {
	defer s.wg.Done()
	buf := make([]byte, 512)
	for {
		n, from, err := s.disc.ReadFrom(buf)
		if err != nil {
			return
		}
		req, err := discovery.Decode(buf[:n])
		if err != nil || req.Op != discovery.OpRequest {
			continue
		}
		ip := net.ParseIP(s.cfg.AdvertiseIP)
		if ip == nil {
			ip = s.Addr().IP
		}
		if ip.IsUnspecified() {
			ip = net.IPv4(127, 0, 0, 1)
		}
		resp := discovery.Packet{
			Op:     discovery.OpResponse,
			Name:   s.cfg.Name,
			Serial: s.cfg.Serial,
			IP:     ip,
			Port:   uint16(s.Port()),
		}
		to := &net.UDPAddr{IP: from.(*net.UDPAddr).IP, Port: s.cfg.DiscoveryReplyPort}
		if _, err := s.disc.WriteTo(resp.Encode(), to); err != nil {
			s.log.Debug("discovery reply failed", logging.F("error", err))
			continue
		}
		s.log.Debug("answered discovery", logging.F("from", from.String()))
	}
}

// WaitCapturing blocks until capture is on (or off) or the timeout elapses.
func (s *Server) WaitCapturing(on bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State().Capturing == on {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
