package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-csp-server/internal/logging"
	"github.com/kstaniek/go-csp-server/internal/metrics"
)

// TCPServer accepts KISS/TCP clients. Every client becomes its own
// StreamLink so replies travel back over the connection the request came in.
type TCPServer struct {
	mu         sync.RWMutex
	addr       string
	handler    PacketHandler
	maxClients int
	txQueue    int
	mtu        int
	readyOnce  sync.Once
	readyCh    chan struct{}
	listener   net.Listener
	linksMu    sync.Mutex
	links      map[*StreamLink]struct{}
	wg         sync.WaitGroup
	logger     *slog.Logger
	nextConnID uint64

	totalAccepted     atomic.Uint64
	totalRejected     atomic.Uint64
	totalDisconnected atomic.Uint64
}

type TCPOption func(*TCPServer)

func NewTCPServer(handler PacketHandler, opts ...TCPOption) *TCPServer {
	s := &TCPServer{
		handler: handler,
		readyCh: make(chan struct{}),
		links:   make(map[*StreamLink]struct{}),
		logger:  logging.Component("tcp_server"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) TCPOption { return func(s *TCPServer) { s.addr = a } }

func WithMaxClients(n int) TCPOption {
	return func(s *TCPServer) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithClientTxQueue(n int) TCPOption {
	return func(s *TCPServer) {
		if n > 0 {
			s.txQueue = n
		}
	}
}

func WithClientMTU(n int) TCPOption {
	return func(s *TCPServer) {
		if n > 0 {
			s.mtu = n
		}
	}
}

func WithTCPLogger(l *slog.Logger) TCPOption {
	return func(s *TCPServer) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *TCPServer) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *TCPServer) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *TCPServer) Ready() <-chan struct{} { return s.readyCh }

// Count returns the number of connected clients.
func (s *TCPServer) Count() int { s.linksMu.Lock(); defer s.linksMu.Unlock(); return len(s.links) }

// Serve accepts clients until ctx is done or the listener fails.
func (s *TCPServer) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single client and starts its read loop.
// Returns nil on success; a wrapped error on fatal listener errors.
func (s *TCPServer) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if s.maxClients > 0 && s.Count() >= s.maxClients {
		s.totalRejected.Add(1)
		metrics.IncLinkReject()
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	name := fmt.Sprintf("tcp:%s", conn.RemoteAddr())
	link := NewStreamLink(ctx, name, conn, s.txQueue, WithStreamMTU(s.mtu), WithStreamLogger(connLogger))
	s.linksMu.Lock()
	s.links[link] = struct{}{}
	n := len(s.links)
	s.linksMu.Unlock()
	metrics.SetLinkClients(n)
	connLogger.Info("client_connected")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.drop(link, connLogger)
		if err := link.Run(ctx, s.handler); err != nil {
			connLogger.Warn("client_read_error", "error", err)
		}
	}()
	return nil
}

func (s *TCPServer) drop(link *StreamLink, lg *slog.Logger) {
	_ = link.Close()
	s.linksMu.Lock()
	_, ok := s.links[link]
	delete(s.links, link)
	n := len(s.links)
	s.linksMu.Unlock()
	if ok {
		s.totalDisconnected.Add(1)
		metrics.SetLinkClients(n)
		lg.Info("client_disconnected")
	}
}

// Shutdown closes the listener and every client, then waits for read loops.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.linksMu.Lock()
	links := make([]*StreamLink, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	s.linksMu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("tcp link shutdown: %w", ctx.Err())
	case <-done:
		s.logger.Info("tcp_link_summary", "accepted", s.totalAccepted.Load(), "rejected", s.totalRejected.Load(), "disconnected", s.totalDisconnected.Load())
		return nil
	}
}
