//go:build linux

package pcan

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenPacket binds with SO_REUSEADDR so several monitors can share a gateway port.
func listenPacket(ctx context.Context, network, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	return lc.ListenPacket(ctx, network, addr)
}
