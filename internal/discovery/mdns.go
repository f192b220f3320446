package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service advertised by simulators and bridges.
	ServiceType = "_afedri._tcp"
	// ServiceDomain is the mDNS browse domain.
	ServiceDomain = "local."
)

// MDNS browses for ServiceType until ctx is done.
// Entries are deduplicated by hostname and port.
func MDNS(ctx context.Context) ([]Device, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Device)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				resultMap[key] = entryToDevice(e)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	<-done

	out := make([]Device, 0, len(resultMap))
	for _, d := range resultMap {
		out = append(out, d)
	}
	return out, nil
}

func entryToDevice(e *zeroconf.ServiceEntry) Device {
	d := Device{
		Name:     cleanInstance(e.Instance),
		Hostname: e.HostName,
		Port:     e.Port,
		TXT:      append([]string{}, e.Text...),
		Source:   "mdns",
	}
	var ip net.IP
	if len(e.AddrIPv4) > 0 {
		ip = e.AddrIPv4[0]
	} else if len(e.AddrIPv6) > 0 {
		ip = e.AddrIPv6[0]
	}
	if ip != nil {
		d.Address = ip.String()
	} else {
		d.Address = strings.TrimSuffix(e.HostName, ".")
	}
	for k, v := range parseTXT(e.Text) {
		switch k {
		case "serial":
			d.Serial = v
		case "name":
			d.Name = v
		}
	}
	return d
}

func parseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}

// Advertiser publishes a local control endpoint over mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers instance on port with serial and name TXT records.
func Advertise(instance string, port int, name, serial string) (*Advertiser, error) {
	txt := []string{"name=" + name, "serial=" + serial}
	srv, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return &Advertiser{server: srv}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}
