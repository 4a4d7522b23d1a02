package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-csp-server/internal/csp"
	"github.com/kstaniek/go-csp-server/internal/logging"
	"github.com/kstaniek/go-csp-server/internal/metrics"
)

const udpPollInterval = 250 * time.Millisecond

// UDPLink carries one packet per datagram. Packets go to the configured peer
// or, when none is configured, to the address the destination node last sent
// from.
type UDPLink struct {
	pc     net.PacketConn
	peer   net.Addr // fixed peer, nil when learning
	mu     sync.RWMutex
	learnt map[uint8]net.Addr // by CSP source address
	mtu    int
	logger *slog.Logger
}

// ListenUDP binds addr. peer may be empty.
func ListenUDP(ctx context.Context, addr, peer string) (*UDPLink, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListen, err)
	}
	l := &UDPLink{pc: pc, learnt: make(map[uint8]net.Addr), mtu: csp.DefaultMTU, logger: logging.Component("udp_link")}
	if peer != "" {
		ua, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("resolve udp peer %q: %w", peer, err)
		}
		l.peer = ua
	}
	return l, nil
}

func (l *UDPLink) Name() string        { return "udp:" + l.pc.LocalAddr().String() }
func (l *UDPLink) LocalAddr() net.Addr { return l.pc.LocalAddr() }
func (l *UDPLink) Close() error        { return l.pc.Close() }

// Peer returns where packets for node addr are sent, nil if unknown.
func (l *UDPLink) Peer(addr uint8) net.Addr {
	if l.peer != nil {
		return l.peer
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.learnt[addr]
}

func (l *UDPLink) Send(p csp.Packet) error { return l.SendTimeout(p, 0) }

// SendTimeout bounds the datagram write by d (d <= 0 means no deadline).
func (l *UDPLink) SendTimeout(p csp.Packet, d time.Duration) error {
	if err := checkMTU(p, l.mtu); err != nil {
		return err
	}
	peer := l.Peer(p.Destination)
	if peer == nil {
		metrics.IncError(mapErrToMetric(ErrNoPeer))
		return ErrNoPeer
	}
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	_ = l.pc.SetWriteDeadline(deadline)
	if _, err := l.pc.WriteTo(p.Marshal(), peer); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	metrics.IncTx()
	return nil
}

// Run reads datagrams until ctx is done or the socket is closed.
func (l *UDPLink) Run(ctx context.Context, onPacket PacketHandler) error {
	buf := make([]byte, csp.HeaderSize+l.mtu+1)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = l.pc.SetReadDeadline(time.Now().Add(udpPollInterval))
		n, from, err := l.pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			l.logger.Warn("link_read_error", "link", l.Name(), "error", err)
			continue
		}
		if n > csp.HeaderSize+l.mtu {
			metrics.IncMalformed()
			l.logger.Debug("link_oversize_datagram", "from", from.String(), "len", n)
			continue
		}
		p, err := csp.ParsePacket(buf[:n])
		if err != nil {
			metrics.IncMalformed()
			l.logger.Debug("link_short_packet", "from", from.String(), "len", n)
			continue
		}
		if l.peer == nil {
			l.mu.Lock()
			l.learnt[p.Source] = from
			l.mu.Unlock()
		}
		metrics.IncRx()
		onPacket(l, p)
	}
}
