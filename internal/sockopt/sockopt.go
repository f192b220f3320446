// Package sockopt builds net.ListenConfig control hooks for the UDP sockets
// used by discovery and the sample receiver.
package sockopt

import (
	"net"
	"syscall"
)

// Options selects which socket options to set before bind.
type Options struct {
	ReuseAddr   bool
	Broadcast   bool
	RecvBufSize int
}

// ListenConfig returns a net.ListenConfig that applies o to every socket it creates.
func (o Options) ListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = o.apply(fd)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
}
