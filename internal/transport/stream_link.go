package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-csp-server/internal/csp"
	"github.com/kstaniek/go-csp-server/internal/kiss"
	"github.com/kstaniek/go-csp-server/internal/logging"
	"github.com/kstaniek/go-csp-server/internal/metrics"
)

const (
	defaultTxQueue = 256
	readBufSize    = 1024
	rxBackoffMin   = 20 * time.Millisecond
	rxBackoffMax   = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// StreamLink carries KISS-framed packets over a byte stream.
type StreamLink struct {
	name         string
	rw           io.ReadWriteCloser
	tx           *AsyncTx
	mtu          int
	transientEOF bool
	logger       *slog.Logger
	closeOnce    sync.Once
	closeErr     error
}

type StreamOption func(*StreamLink)

func WithStreamMTU(n int) StreamOption {
	return func(l *StreamLink) {
		if n > 0 {
			l.mtu = n
		}
	}
}

// WithTransientEOF treats io.EOF as "no data yet" (UART read timeouts)
// instead of peer close.
func WithTransientEOF() StreamOption { return func(l *StreamLink) { l.transientEOF = true } }

func WithStreamLogger(lg *slog.Logger) StreamOption {
	return func(l *StreamLink) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewStreamLink wraps rw; writes are funnelled through a queue of txQueue
// encoded frames (<= 0 selects the default).
func NewStreamLink(ctx context.Context, name string, rw io.ReadWriteCloser, txQueue int, opts ...StreamOption) *StreamLink {
	l := &StreamLink{name: name, rw: rw, mtu: csp.DefaultMTU, logger: logging.Component("stream_link")}
	for _, o := range opts {
		o(l)
	}
	if txQueue <= 0 {
		txQueue = defaultTxQueue
	}
	write := func(b []byte) error {
		_, err := rw.Write(b)
		return err
	}
	hooks := Hooks{
		OnError: func(err error) {
			wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
			metrics.IncError(mapErrToMetric(wrap))
			l.logger.Error("link_write_error", "link", l.name, "error", err)
		},
		OnAfter: func() { metrics.IncTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrLinkOverflow)
			return ErrTxOverflow
		},
	}
	l.tx = NewAsyncTx(ctx, txQueue, write, hooks)
	return l
}

func (l *StreamLink) Name() string { return l.name }

// Send queues p for transmission.
func (l *StreamLink) Send(p csp.Packet) error {
	if err := checkMTU(p, l.mtu); err != nil {
		return err
	}
	err := l.tx.SendFrame(kiss.Encode(p.Marshal()))
	if errors.Is(err, ErrAsyncTxClosed) {
		return ErrLinkClosed
	}
	return err
}

// Close stops the writer and closes the stream.
func (l *StreamLink) Close() error {
	l.closeOnce.Do(func() {
		l.tx.Close()
		l.closeErr = l.rw.Close()
	})
	return l.closeErr
}

// Run reads the stream until it closes or ctx is done, handing each packet
// to onPacket in arrival order. Read errors back off exponentially.
func (l *StreamLink) Run(ctx context.Context, onPacket PacketHandler) error {
	dec := kiss.NewDecoder(csp.HeaderSize + l.mtu)
	buf := make([]byte, readBufSize)
	backoff := rxBackoffMin
	deliver := func(frame []byte) {
		p, err := csp.ParsePacket(frame)
		if err != nil {
			metrics.IncMalformed()
			l.logger.Debug("link_short_packet", "link", l.name, "len", len(frame))
			return
		}
		metrics.IncRx()
		onPacket(l, p)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := l.rw.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n], deliver)
			backoff = rxBackoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
			return nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if l.transientEOF {
				continue
			}
			return nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			return fmt.Errorf("%w: %v", ErrConnRead, err) // device removed or fatal
		}
		wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
		metrics.IncError(mapErrToMetric(wrap))
		l.logger.Warn("link_read_error", "link", l.name, "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > rxBackoffMax {
			backoff = rxBackoffMax
		}
	}
}
