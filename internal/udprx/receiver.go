// Package udprx receives the Afedri UDP IQ stream and fans it out to
// per-stream ring buffers.
package udprx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/sockopt"
)

const (
	// PacketLen is the only datagram size the device emits.
	PacketLen = 1028
	// HeaderLen precedes the sample data: length/type then a 16-bit sequence.
	HeaderLen = 4
	// PayloadLen is the number of sample bytes per datagram.
	PayloadLen = PacketLen - HeaderLen
	// ShortsPerPacket is the number of int16 values (I and Q) per datagram.
	ShortsPerPacket = PayloadLen / 2
	// MaxChannels is the largest interleave the hardware produces.
	MaxChannels = 4

	recvBufSize = 4 << 20
)

// Config configures Listen.
type Config struct {
	BindAddress string
	BindPort    int
	// Channels is the number of interleaved IQ channels per datagram (1, 2 or 4).
	Channels int
	Logger   logging.Logger
}

// Receiver owns the UDP socket and the goroutine that demultiplexes datagrams.
type Receiver struct {
	conn     net.PacketConn
	channels int
	log      logging.Logger

	mu       sync.RWMutex
	attached [MaxChannels][]*StreamBuffer

	active atomic.Bool
	stats  Stats
	done   chan struct{}
	once   sync.Once
}

// Listen binds the stream socket and starts the receive goroutine.
func Listen(ctx context.Context, cfg Config) (*Receiver, error) {
	switch cfg.Channels {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("udprx: unsupported channel count %d", cfg.Channels)
	}
	addr := cfg.BindAddress
	if addr == "" {
		addr = "0.0.0.0"
	}
	lc := sockopt.Options{ReuseAddr: true, RecvBufSize: recvBufSize}.ListenConfig()
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(addr, strconv.Itoa(cfg.BindPort)))
	if err != nil {
		return nil, fmt.Errorf("udprx: bind %s:%d: %w", addr, cfg.BindPort, err)
	}

	r := &Receiver{
		conn:     conn,
		channels: cfg.Channels,
		log:      logging.Subsystem(cfg.Logger, "udprx"),
		done:     make(chan struct{}),
	}
	r.log.Info("udp receiver listening",
		logging.F("address", conn.LocalAddr().String()),
		logging.F("channels", cfg.Channels))
	go r.loop()
	return r, nil
}

// LocalAddr returns the bound address.
func (r *Receiver) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Channels returns the interleave factor.
func (r *Receiver) Channels() int { return r.channels }

// Attach routes channel ch into b.
func (r *Receiver) Attach(ch int, b *StreamBuffer) error {
	if ch < 0 || ch >= r.channels {
		return fmt.Errorf("udprx: channel %d out of range [0,%d)", ch, r.channels)
	}
	r.mu.Lock()
	r.attached[ch] = append(r.attached[ch], b)
	r.mu.Unlock()
	return nil
}

// Detach removes b from every channel.
func (r *Receiver) Detach(b *StreamBuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.attached {
		list := r.attached[ch][:0]
		for _, x := range r.attached[ch] {
			if x != b {
				list = append(list, x)
			}
		}
		r.attached[ch] = list
	}
}

// SetActive enables or disables delivery. Inactive datagrams are read and discarded.
func (r *Receiver) SetActive(on bool) { r.active.Store(on) }

// Active reports whether datagrams are being delivered.
func (r *Receiver) Active() bool { return r.active.Load() }

// Stats returns a snapshot of the receive counters.
func (r *Receiver) Stats() Snapshot { return r.stats.Snapshot() }

// Close stops the receive goroutine and closes the socket.
func (r *Receiver) Close() error {
	var err error
	r.once.Do(func() {
		err = r.conn.Close()
		<-r.done
	})
	return err
}

func (r *Receiver) loop() {
	defer close(r.done)

	pkt := make([]byte, PacketLen+1)
	var out [MaxChannels][]int16
	for ch := range out {
		out[ch] = make([]int16, ShortsPerPacket)
	}

	for {
		n, _, err := r.conn.ReadFrom(pkt)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				r.log.Debug("udp receiver stopped")
				return
			}
			r.stats.ReadErrors.Add(1)
			r.log.Warn("udp read failed", logging.F("error", err))
			continue
		}
		if n != PacketLen {
			r.stats.BadSize.Add(1)
			if r.log.Enabled(logging.Debug) {
				r.log.Debug("unexpected datagram size",
					logging.F("want", PacketLen),
					logging.F("got", n))
			}
			continue
		}
		r.stats.Packets.Add(1)
		r.stats.Bytes.Add(uint64(n))

		if !r.active.Load() {
			r.stats.DroppedInactive.Add(1)
			continue
		}

		per := Demux(pkt[HeaderLen:PacketLen], r.channels, out[:r.channels])

		r.mu.RLock()
		for ch := 0; ch < r.channels; ch++ {
			for _, b := range r.attached[ch] {
				if b.Put(out[ch][:per]) {
					r.stats.Overflows.Add(1)
				}
			}
		}
		r.mu.RUnlock()
	}
}

// Demux splits interleaved IQ pairs from payload into out, one slice per
// channel. It returns the number of int16 values written to each channel.
func Demux(payload []byte, channels int, out [][]int16) int {
	shorts := len(payload) / 2
	pos := 0
	for idx := 0; idx+2*channels <= shorts; {
		for ch := 0; ch < channels; ch++ {
			out[ch][pos] = int16(binary.LittleEndian.Uint16(payload[2*idx:]))
			out[ch][pos+1] = int16(binary.LittleEndian.Uint16(payload[2*idx+2:]))
			idx += 2
		}
		pos += 2
	}
	return pos
}

// EncodePacket builds one datagram from per-channel IQ data. Each channel
// must hold ShortsPerPacket/len(chans) values.
func EncodePacket(seq uint16, chans [][]int16) []byte {
	b := make([]byte, PacketLen)
	b[0] = byte(PacketLen & 0xFF)
	b[1] = byte(PacketLen>>8) | 0x80
	binary.LittleEndian.PutUint16(b[2:4], seq)

	n := len(chans)
	if n == 0 {
		return b
	}
	per := ShortsPerPacket / n
	off := HeaderLen
	for pos := 0; pos < per; pos += 2 {
		for ch := 0; ch < n; ch++ {
			var i, q int16
			if pos+1 < len(chans[ch]) {
				i, q = chans[ch][pos], chans[ch][pos+1]
			}
			binary.LittleEndian.PutUint16(b[off:], uint16(i))
			binary.LittleEndian.PutUint16(b[off+2:], uint16(q))
			off += 4
		}
	}
	return b
}
