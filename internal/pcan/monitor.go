package pcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-csp-server/internal/logging"
	"github.com/kstaniek/go-csp-server/internal/metrics"
)

const (
	defaultReadBuf      = 2048
	defaultPollInterval = 250 * time.Millisecond
)

// FrameFunc receives each decoded frame with the gateway address it came from.
type FrameFunc func(from net.Addr, fr Frame)

// Monitor listens for gateway datagrams and decodes every record in them.
// Malformed datagrams are logged and skipped; the loop only ends with ctx.
type Monitor struct {
	mu      sync.RWMutex
	addr    string
	onFrame FrameFunc
	logger  *slog.Logger
	poll    time.Duration
	bufSize int

	readyOnce sync.Once
	readyCh   chan struct{}
}

type MonitorOption func(*Monitor)

func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPollInterval bounds each blocking read so cancellation is observed promptly.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.poll = d
		}
	}
}

func WithReadBuffer(n int) MonitorOption {
	return func(m *Monitor) {
		if n >= HeaderSize {
			m.bufSize = n
		}
	}
}

func NewMonitor(addr string, onFrame FrameFunc, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		addr:    addr,
		onFrame: onFrame,
		logger:  logging.Component("gateway"),
		poll:    defaultPollInterval,
		bufSize: defaultReadBuf,
		readyCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.addr == "" {
		m.addr = ":0"
	}
	return m
}

func (m *Monitor) Addr() string           { m.mu.RLock(); defer m.mu.RUnlock(); return m.addr }
func (m *Monitor) Ready() <-chan struct{} { return m.readyCh }

// Run binds the UDP socket and processes datagrams until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	pc, err := listenPacket(ctx, "udp", m.Addr())
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", m.Addr(), err)
	}
	defer pc.Close()
	m.mu.Lock()
	m.addr = pc.LocalAddr().String()
	m.mu.Unlock()
	m.readyOnce.Do(func() { close(m.readyCh) })
	m.logger.Info("gateway_listen", "addr", m.Addr())

	buf := make([]byte, m.bufSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = pc.SetReadDeadline(time.Now().Add(m.poll))
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			metrics.IncError(metrics.ErrGatewayRead)
			m.logger.Warn("gateway_read_error", "error", err)
			continue
		}
		m.handleDatagram(from, buf[:n])
	}
}

func (m *Monitor) handleDatagram(from net.Addr, b []byte) {
	_, skipped, err := DecodeAll(b, func(fr Frame) {
		metrics.IncGatewayRx()
		if m.onFrame != nil {
			m.onFrame(from, fr)
		}
	})
	for i := 0; i < skipped; i++ {
		metrics.IncGatewayUnknown()
	}
	if skipped > 0 {
		m.logger.Debug("gateway_no_can_frame", "from", from.String(), "records", skipped)
	}
	if err != nil {
		metrics.IncMalformed()
		m.logger.Debug("gateway_decode_error", "from", from.String(), "len", len(b), "error", err)
	}
}
