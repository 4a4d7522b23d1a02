// Package router demultiplexes packets arriving on links into connections
// keyed by the peer's address and ports, and hands new connections to a
// single any-port listener through a bounded backlog.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-csp-server/internal/csp"
	"github.com/kstaniek/go-csp-server/internal/logging"
	"github.com/kstaniek/go-csp-server/internal/metrics"
	"github.com/kstaniek/go-csp-server/internal/transport"
)

const (
	DefaultBacklog  = 5
	DefaultQueueLen = 16
)

var (
	ErrBacklogFull = errors.New("router: accept backlog full")
	ErrConnClosed  = errors.New("router: connection closed")
)

type connKey struct {
	src, sport, dport uint8
}

// Router owns the connection table. Deliver may be called concurrently
// from any number of link goroutines.
type Router struct {
	address  uint8
	queueLen int
	logger   *slog.Logger

	mu       sync.Mutex
	conns    map[connKey]*Conn
	backlog  chan *Conn
	listener *Listener
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Router)

// WithBacklog bounds connections waiting for Accept.
func WithBacklog(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.backlog = make(chan *Conn, n)
		}
	}
}

// WithQueueLen bounds packets buffered per connection.
func WithQueueLen(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.queueLen = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a router for the node at address.
func New(address uint8, opts ...Option) *Router {
	r := &Router{
		address:  address & csp.MaxAddress,
		queueLen: DefaultQueueLen,
		logger:   logging.Component("router"),
		conns:    make(map[connKey]*Conn),
		backlog:  make(chan *Conn, DefaultBacklog),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.listener = &Listener{r: r}
	return r
}

// Address returns the local node address.
func (r *Router) Address() uint8 { return r.address }

// Listen returns the any-port listener.
func (r *Router) Listen() *Listener { return r.listener }

// BufFree reports free accept backlog slots.
func (r *Router) BufFree() int { return cap(r.backlog) - len(r.backlog) }

// Stop makes pending and future Accept calls return immediately.
func (r *Router) Stop() { r.stopOnce.Do(func() { close(r.done) }) }

// Deliver is the link RX callback.
func (r *Router) Deliver(link transport.Link, p csp.Packet) {
	if p.Destination != r.address && p.Destination != csp.MaxAddress {
		metrics.IncRouterDrop(metrics.DropNotLocal)
		r.logger.Debug("router_not_local", "link", link.Name(), "dst", p.Destination)
		return
	}
	r.logger.Debug("packet_rx", "link", link.Name(), "header", p.Header.String(), "len", len(p.Data))
	key := connKey{src: p.Source, sport: p.SourcePort, dport: p.DestPort}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[key]; ok {
		c.link = link // follow the peer if it moved to another link
		select {
		case c.rx <- p:
		default:
			metrics.IncRouterDrop(metrics.DropQueueFull)
			r.logger.Debug("router_queue_full", "conn", c.id)
		}
		return
	}
	c := r.newConn(key, csp.Identity{Source: p.Source, SourcePort: p.SourcePort, Destination: p.Destination, DestPort: p.DestPort}, link)
	c.rx <- p
	if !r.offer(c) {
		metrics.IncRouterDrop(metrics.DropBacklogFull)
		r.logger.Warn("router_backlog_full", "error", ErrBacklogFull, "src", p.Source, "sport", p.SourcePort, "dport", p.DestPort)
	}
}

func (r *Router) newConn(key connKey, id csp.Identity, link transport.Link) *Conn {
	return &Conn{
		r:      r,
		key:    key,
		id:     id,
		link:   link,
		rx:     make(chan csp.Packet, r.queueLen),
		closed: make(chan struct{}),
	}
}

// offer registers c and queues it for Accept. Caller holds r.mu.
func (r *Router) offer(c *Conn) bool {
	select {
	case r.backlog <- c:
		r.conns[c.key] = c
		return true
	default:
		return false
	}
}

// retire removes c from the table. Packets that reached c after its reader
// gave up are carried over to a new connection with the same key.
func (r *Router) retire(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[c.key]
	if ok && cur == c {
		delete(r.conns, c.key)
	}
	if len(c.rx) == 0 {
		return
	}
	if ok && cur != c {
		r.dropLeftovers(c)
		return
	}
	next := r.newConn(c.key, c.id, c.link)
	for len(c.rx) > 0 {
		next.rx <- <-c.rx
	}
	if !r.offer(next) {
		r.logger.Warn("router_backlog_full", "error", ErrBacklogFull, "src", c.id.Source, "sport", c.id.SourcePort, "dport", c.id.DestPort)
		r.dropLeftovers(next)
		return
	}
	r.logger.Debug("router_carry_over", "src", c.id.Source, "sport", c.id.SourcePort, "dport", c.id.DestPort, "packets", len(next.rx))
}

func (r *Router) dropLeftovers(c *Conn) {
	for len(c.rx) > 0 {
		<-c.rx
		metrics.IncRouterDrop(metrics.DropBacklogFull)
	}
}

// Listener hands out new connections.
type Listener struct {
	r *Router
}

// Accept waits up to timeout for a new connection; a non-positive timeout
// polls. ok is false on timeout or after Stop.
func (l *Listener) Accept(timeout time.Duration) (*Conn, bool) {
	select {
	case c := <-l.r.backlog:
		return c, true
	default:
	}
	if timeout <= 0 {
		return nil, false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c := <-l.r.backlog:
		return c, true
	case <-t.C:
		return nil, false
	case <-l.r.done:
		return nil, false
	}
}

// Conn is one request/reply conversation with a peer.
type Conn struct {
	r    *Router
	key  connKey
	id   csp.Identity
	link transport.Link // guarded by r.mu
	rx   chan csp.Packet

	closeOnce sync.Once
	closed    chan struct{}
}

// Identity is fixed when the connection is created.
func (c *Conn) Identity() csp.Identity { return c.id }

// Read waits up to timeout for the next packet. ok is false on timeout or
// once the connection is closed.
func (c *Conn) Read(timeout time.Duration) (csp.Packet, bool) {
	select {
	case p := <-c.rx:
		return p, true
	default:
	}
	if timeout <= 0 {
		return csp.Packet{}, false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p := <-c.rx:
		return p, true
	case <-t.C:
		return csp.Packet{}, false
	case <-c.closed:
		return csp.Packet{}, false
	}
}

// SendReply answers req with payload: addressing swapped, priority kept,
// flags cleared.
func (c *Conn) SendReply(req csp.Packet, payload []byte, timeout time.Duration) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.r.mu.Lock()
	link := c.link
	c.r.mu.Unlock()
	reply := csp.NewReply(req.Header, payload)
	var err error
	if ts, ok := link.(timedSender); ok {
		err = ts.SendTimeout(reply, timeout)
	} else {
		err = link.Send(reply)
	}
	if err != nil {
		return fmt.Errorf("reply via %s: %w", link.Name(), err)
	}
	return nil
}

// timedSender is implemented by links whose writes can block.
type timedSender interface {
	SendTimeout(csp.Packet, time.Duration) error
}

// Close removes the connection from the table so the next packet with the
// same key opens a new one. Unread packets move to that new connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.r.retire(c)
	})
	return nil
}
