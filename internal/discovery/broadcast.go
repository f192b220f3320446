package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/sockopt"
)

// Device is one discovered receiver.
type Device struct {
	Name     string
	Serial   string
	Address  string
	Port     int
	Hostname string
	TXT      []string
	Source   string
}

// Key identifies a device by its control endpoint.
func (d Device) Key() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// Interface is a local IPv4 interface able to send broadcasts.
type Interface struct {
	Name      string
	Addr      net.IP
	Broadcast net.IP
}

// Interfaces lists running, broadcast-capable, non-loopback IPv4 interfaces.
func Interfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var out []Interface
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagBroadcast == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipn.IP.To4()
			if ip4 == nil || len(ipn.Mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipn.Mask[i]
			}
			out = append(out, Interface{Name: ifc.Name, Addr: ip4, Broadcast: bcast})
		}
	}
	return out, nil
}

// Prober sends discovery requests and collects responses.
type Prober struct {
	ServerPort int
	ClientPort int
	// Wait is how long each pass listens for responses.
	Wait   time.Duration
	Logger logging.Logger
}

// NewProber returns a Prober using the standard discovery ports.
func NewProber(logger logging.Logger) *Prober {
	return &Prober{
		ServerPort: ServerPort,
		ClientPort: ClientPort,
		Wait:       500 * time.Millisecond,
		Logger:     logger,
	}
}

func (p *Prober) log() logging.Logger {
	return logging.Subsystem(p.Logger, "discovery")
}

// Probe queries one interface in two passes: first the subnet broadcast
// address, then 255.255.255.255.
func (p *Prober) Probe(ctx context.Context, ifc Interface) ([]Device, error) {
	lc := sockopt.Options{ReuseAddr: true, Broadcast: true}.ListenConfig()
	rx, err := lc.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(p.ClientPort))
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", p.ClientPort, err)
	}
	defer rx.Close()

	var found []Device
	for pass, target := range []net.IP{ifc.Broadcast, net.IPv4bcast} {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if err := p.send(ctx, ifc.Addr, target); err != nil {
			p.log().Debug("discovery send failed",
				logging.F("interface", ifc.Name),
				logging.F("pass", pass),
				logging.F("error", err))
			continue
		}
		found = append(found, p.collect(ctx, rx)...)
	}
	return found, nil
}

func (p *Prober) send(ctx context.Context, local, target net.IP) error {
	lc := sockopt.Options{Broadcast: true}.ListenConfig()
	bind := ":0"
	if local != nil {
		bind = net.JoinHostPort(local.String(), "0")
	}
	tx, err := lc.ListenPacket(ctx, "udp4", bind)
	if err != nil {
		return err
	}
	defer tx.Close()

	dst := &net.UDPAddr{IP: target, Port: p.ServerPort}
	_, err = tx.WriteTo(Request(), dst)
	return err
}

func (p *Prober) collect(ctx context.Context, rx net.PacketConn) []Device {
	deadline := time.Now().Add(p.Wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = rx.SetReadDeadline(deadline)

	var out []Device
	buf := make([]byte, 512)
	for {
		n, from, err := rx.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				p.log().Debug("discovery read failed", logging.F("error", err))
			}
			return out
		}
		pkt, err := Decode(buf[:n])
		if err != nil || pkt.Op != OpResponse {
			continue
		}
		d := Device{
			Name:    pkt.Name,
			Serial:  pkt.Serial,
			Address: pkt.IP.String(),
			Port:    int(pkt.Port),
			Source:  "broadcast",
		}
		p.log().Debug("discovery response",
			logging.F("from", from.String()),
			logging.F("device", d.Key()),
			logging.F("serial", d.Serial))
		out = append(out, d)
	}
}

// Broadcast probes every interface and returns unique devices sorted by address and port.
func (p *Prober) Broadcast(ctx context.Context) ([]Device, error) {
	ifaces, err := Interfaces()
	if err != nil {
		return nil, err
	}
	var all []Device
	for _, ifc := range ifaces {
		found, err := p.Probe(ctx, ifc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log().Warn("discovery probe failed",
				logging.F("interface", ifc.Name),
				logging.F("error", err))
			continue
		}
		all = append(all, found...)
	}
	return Dedupe(all), nil
}

// Dedupe keeps the first device per address and port, sorted by address then port.
// Later duplicates only fill fields the first one left empty.
func Dedupe(devs []Device) []Device {
	byKey := make(map[string]Device, len(devs))
	for _, d := range devs {
		prev, ok := byKey[d.Key()]
		if !ok {
			byKey[d.Key()] = d
			continue
		}
		if prev.Name == "" {
			prev.Name = d.Name
		}
		if prev.Serial == "" {
			prev.Serial = d.Serial
		}
		if prev.Hostname == "" {
			prev.Hostname = d.Hostname
		}
		if len(prev.TXT) == 0 {
			prev.TXT = d.TXT
		}
		byKey[d.Key()] = prev
	}
	out := make([]Device, 0, len(byKey))
	for _, d := range byKey {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].Port < out[j].Port
	})
	return out
}
