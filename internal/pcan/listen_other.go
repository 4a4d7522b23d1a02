//go:build !linux

package pcan

import (
	"context"
	"net"
)

// Placeholder so non-linux builds compile; no socket options applied.
func listenPacket(ctx context.Context, network, addr string) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, network, addr)
}
