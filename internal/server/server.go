// Package server runs the request/reply dispatch loop: one accept loop on
// an any-port listener, one goroutine per accepted connection, and a
// per-connection route chosen from the destination port.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-csp-server/internal/csp"
	"github.com/kstaniek/go-csp-server/internal/logging"
	"github.com/kstaniek/go-csp-server/internal/metrics"
)

// Listener yields accepted connections. ok is false on timeout.
type Listener interface {
	Accept(timeout time.Duration) (Conn, bool)
}

// Conn is an accepted connection. Its identity never changes.
type Conn interface {
	Identity() csp.Identity
	// Read returns false on timeout or when the peer is gone; either ends
	// the connection.
	Read(timeout time.Duration) (csp.Packet, bool)
	SendReply(req csp.Packet, payload []byte, timeout time.Duration) error
	Close() error
}

// ServiceHandler consumes packets sent to the reserved service ports and
// replies itself.
type ServiceHandler interface {
	Handle(Conn, csp.Packet)
}

// ServiceHandlerFunc adapts a function to ServiceHandler.
type ServiceHandlerFunc func(Conn, csp.Packet)

func (f ServiceHandlerFunc) Handle(c Conn, p csp.Packet) { f(c, p) }

// Server owns the listener and coordinates connection lifecycle.
type Server struct {
	mu            sync.Mutex
	listener      Listener
	handler       ServiceHandler
	echoPort      uint8
	acceptTimeout time.Duration
	readTimeout   time.Duration
	replyTimeout  time.Duration
	unhandled     UnhandledPolicy
	readyOnce     sync.Once
	readyCh       chan struct{}
	cancel        context.CancelFunc
	stopping      bool
	wg            sync.WaitGroup
	logger        *slog.Logger
	nextConnID    uint64

	totalAccepted  atomic.Uint64
	totalEcho      atomic.Uint64
	totalService   atomic.Uint64
	totalUnhandled atomic.Uint64
	totalDropped   atomic.Uint64
}

const (
	DefaultEchoPort      = 10
	defaultAcceptTimeout = 10 * time.Second
	defaultReadTimeout   = 100 * time.Millisecond
	defaultReplyTimeout  = time.Second
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		echoPort:      DefaultEchoPort,
		acceptTimeout: defaultAcceptTimeout,
		readTimeout:   defaultReadTimeout,
		replyTimeout:  defaultReplyTimeout,
		readyCh:       make(chan struct{}),
		logger:        logging.Component("dispatch"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithListener(l Listener) ServerOption             { return func(s *Server) { s.listener = l } }
func WithServiceHandler(h ServiceHandler) ServerOption { return func(s *Server) { s.handler = h } }
func WithEchoPort(p uint8) ServerOption                { return func(s *Server) { s.echoPort = p & csp.MaxPort } }
func WithUnhandledPolicy(p UnhandledPolicy) ServerOption {
	return func(s *Server) { s.unhandled = p }
}

func WithAcceptTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.acceptTimeout = d
		}
	}
}

func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

func WithReplyTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.replyTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) EchoPort() uint8        { return s.echoPort }

// Serve runs the accept loop until ctx is cancelled or Shutdown is called.
// Accept timeouts are not errors; the loop simply polls again.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return ErrNoListener
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("dispatch_ready", "echo_port", s.echoPort, "unhandled", s.unhandled.String())
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.acceptOnce(ctx)
	}
}

// acceptOnce waits for one connection and hands it to its own goroutine.
// It reports whether a connection was accepted.
func (s *Server) acceptOnce(ctx context.Context) bool {
	c, ok := s.listener.Accept(s.acceptTimeout)
	if !ok || c == nil {
		return false
	}
	s.totalAccepted.Add(1)
	metrics.ConnOpened()
	connID := atomic.AddUint64(&s.nextConnID, 1)
	s.wg.Add(1)
	go s.serveConn(ctx, connID, c)
	return true
}

// Shutdown stops the accept loop and waits for every connection goroutine.
// A Serve that starts after Shutdown returns at once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "echo", s.totalEcho.Load(), "service", s.totalService.Load(), "unhandled", s.totalUnhandled.Load(), "dropped", s.totalDropped.Load())
		return nil
	}
}
