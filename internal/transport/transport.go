// Package transport moves CSP packets between this node and its peers:
// KISS-framed byte streams (UART, TCP clients) and plain UDP datagrams.
package transport

import (
	"errors"

	"github.com/kstaniek/go-csp-server/internal/csp"
	"github.com/kstaniek/go-csp-server/internal/metrics"
)

// Link is a packet path to one or more peers.
type Link interface {
	Name() string
	Send(csp.Packet) error
	Close() error
}

// PacketHandler receives every well-formed packet read from a link.
type PacketHandler func(Link, csp.Packet)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen         = errors.New("listen")
	ErrAccept         = errors.New("accept")
	ErrConnRead       = errors.New("conn_read")
	ErrConnWrite      = errors.New("conn_write")
	ErrTxOverflow     = errors.New("link tx overflow")
	ErrPacketTooLarge = errors.New("packet exceeds link mtu")
	ErrNoPeer         = errors.New("udp link has no peer")
	ErrLinkClosed     = errors.New("link closed")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrLinkRead
	case errors.Is(err, ErrConnWrite), errors.Is(err, ErrNoPeer):
		return metrics.ErrLinkWrite
	case errors.Is(err, ErrTxOverflow):
		return metrics.ErrLinkOverflow
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrLinkAccept
	default:
		return "other"
	}
}

func checkMTU(p csp.Packet, mtu int) error {
	if mtu > 0 && len(p.Data) > mtu {
		return ErrPacketTooLarge
	}
	return nil
}
