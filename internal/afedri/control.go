// Package afedri speaks the Afedri SDR-Net TCP control protocol.
//
// Every request is a single little-endian frame whose first two bytes carry
// the total length (13 bits) and the message type (3 bits). The device
// answers each request with exactly one frame of the same shape.
package afedri

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rjboer/afedri/internal/logging"
)

const (
	// DefaultPort is the TCP control port used by Afedri SDR-Net firmware.
	DefaultPort = 50000

	defaultDialTimeout  = 7 * time.Second
	defaultReplyTimeout = 1500 * time.Millisecond
)

// Control is a connection to the control port of one Afedri device.
// Requests are serialised; it is safe for concurrent use.
type Control struct {
	Address      string
	DialTimeout  time.Duration
	ReplyTimeout time.Duration
	Logger       logging.Logger

	mu   sync.Mutex
	conn net.Conn
}

// New prepares a Control for addr ("host:port") without connecting.
func New(addr string) *Control {
	return &Control{
		Address:      addr,
		DialTimeout:  defaultDialTimeout,
		ReplyTimeout: defaultReplyTimeout,
	}
}

// Dial connects to the control port at addr.
func Dial(ctx context.Context, addr string, logger logging.Logger) (*Control, error) {
	c := New(addr)
	c.Logger = logger
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect opens the TCP connection.
func (c *Control) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return fmt.Errorf("connect to afedri at %s: %w", c.Address, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log().Debug("control connected", logging.F("address", c.Address))
	return nil
}

// SetConn injects an established connection (tests, tunnels).
func (c *Control) SetConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Close closes the underlying connection.
func (c *Control) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Control) log() logging.Logger {
	return logging.Subsystem(c.Logger, "afedri-control")
}

// roundTrip writes one request frame and returns the complete reply frame.
func (c *Control) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	if len(req) < HeaderLen || FrameLen(req) != len(req) {
		return nil, fmt.Errorf("afedri: malformed request % x", req)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("afedri: not connected")
	}

	deadline := time.Now().Add(c.replyTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	if err := writeAll(c.conn, req); err != nil {
		return nil, c.wrapIOErr("send", req, err)
	}

	reply, err := ReadFrame(c.conn)
	if err != nil {
		return nil, c.wrapIOErr("receive", req, err)
	}

	c.log().Debug("control round trip",
		logging.F("request", fmt.Sprintf("% x", req)),
		logging.F("reply", fmt.Sprintf("% x", reply)))
	return reply, nil
}

func (c *Control) replyTimeout() time.Duration {
	if c.ReplyTimeout > 0 {
		return c.ReplyTimeout
	}
	return defaultReplyTimeout
}

func (c *Control) wrapIOErr(stage string, req []byte, err error) error {
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%s item 0x%04x: %w", stage, itemCode(req), ErrTimeout)
	}
	return fmt.Errorf("%s item 0x%04x: %w", stage, itemCode(req), err)
}

// writeAll writes the full buffer, handling short writes.
func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := FrameLen(hdr[:])
	if n < HeaderLen {
		return nil, fmt.Errorf("reply header % x: %w", hdr, ErrShortReply)
	}
	frame := make([]byte, n)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[HeaderLen:]); err != nil {
		return nil, err
	}
	return frame, nil
}
