// Package discovery finds Afedri receivers on the local network, either by the
// native UDP broadcast protocol or by mDNS.
package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

const (
	// ServerPort is where devices listen for discovery requests.
	ServerPort = 48321
	// ClientPort is where devices send discovery responses.
	ClientPort = 48322

	// PacketLen is the size of the fixed discovery record.
	PacketLen = 56

	key0 = 0x5A
	key1 = 0xA5

	OpRequest  = 0
	OpResponse = 1
	OpSet      = 2

	fieldLen = 16
)

var (
	// ErrShortPacket reports a datagram shorter than PacketLen.
	ErrShortPacket = errors.New("discovery: short packet")
	// ErrBadKey reports a datagram without the 0x5A 0xA5 key.
	ErrBadKey = errors.New("discovery: bad key")
)

// Packet is the 56-byte discovery record exchanged on ports 48321/48322.
type Packet struct {
	Op          byte
	Name        string
	Serial      string
	IP          net.IP
	Port        uint16
	CustomField byte
}

// Encode renders p in wire layout.
func (p Packet) Encode() []byte {
	b := make([]byte, PacketLen)
	binary.LittleEndian.PutUint16(b[0:2], PacketLen)
	b[2], b[3] = key0, key1
	b[4] = p.Op
	copy(b[5:5+fieldLen-1], p.Name)
	copy(b[21:21+fieldLen-1], p.Serial)
	if ip4 := p.IP.To4(); ip4 != nil {
		// Little endian: least significant octet first.
		for i := 0; i < 4; i++ {
			b[37+i] = ip4[3-i]
		}
	}
	binary.LittleEndian.PutUint16(b[53:55], p.Port)
	b[55] = p.CustomField
	return b
}

// Decode parses a discovery record. Trailing bytes are ignored.
func Decode(b []byte) (Packet, error) {
	if len(b) < PacketLen {
		return Packet{}, fmt.Errorf("%d bytes: %w", len(b), ErrShortPacket)
	}
	if b[2] != key0 || b[3] != key1 {
		return Packet{}, ErrBadKey
	}
	return Packet{
		Op:          b[4],
		Name:        cString(b[5 : 5+fieldLen]),
		Serial:      cString(b[21 : 21+fieldLen]),
		IP:          net.IPv4(b[40], b[39], b[38], b[37]),
		Port:        binary.LittleEndian.Uint16(b[53:55]),
		CustomField: b[55],
	}, nil
}

// Request returns an empty discovery request.
func Request() []byte {
	return Packet{Op: OpRequest}.Encode()
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
