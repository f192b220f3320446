//go:build unix

package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func (o Options) apply(fd uintptr) error {
	if o.ReuseAddr {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("SO_REUSEADDR: %w", err)
		}
	}
	if o.Broadcast {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			return fmt.Errorf("SO_BROADCAST: %w", err)
		}
	}
	if o.RecvBufSize > 0 {
		// The kernel caps this at net.core.rmem_max; a smaller buffer is not fatal.
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, o.RecvBufSize)
	}
	return nil
}
