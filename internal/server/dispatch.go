package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kstaniek/go-csp-server/internal/csp"
	"github.com/kstaniek/go-csp-server/internal/metrics"
)

// Route is the dispatch branch of a connection, fixed at accept time.
type Route uint8

const (
	RouteUnhandled Route = iota
	RouteEcho
	RouteService
)

func (r Route) String() string {
	switch r {
	case RouteEcho:
		return metrics.RouteEcho
	case RouteService:
		return metrics.RouteService
	default:
		return metrics.RouteUnhandled
	}
}

// Classify picks the route for a destination port. The echo port wins over
// the service range.
func Classify(dport, echoPort uint8) Route {
	switch {
	case dport == echoPort:
		return RouteEcho
	case dport <= csp.MaxServicePort:
		return RouteService
	default:
		return RouteUnhandled
	}
}

// UnhandledPolicy decides what happens to packets on unhandled ports.
type UnhandledPolicy uint8

const (
	UnhandledDrop UnhandledPolicy = iota
	UnhandledLog
)

func (p UnhandledPolicy) String() string {
	if p == UnhandledLog {
		return "log"
	}
	return "drop"
}

// ParseUnhandledPolicy accepts "drop" or "log".
func ParseUnhandledPolicy(s string) (UnhandledPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return UnhandledDrop, nil
	case "log":
		return UnhandledLog, nil
	}
	return UnhandledDrop, fmt.Errorf("unknown unhandled policy %q (want drop|log)", s)
}

// EchoTransform returns a copy of payload with the first byte incremented
// (wrapping at 256).
func EchoTransform(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	out[0]++
	return out, nil
}

func (s *Server) serveConn(ctx context.Context, connID uint64, c Conn) {
	defer s.wg.Done()
	defer metrics.ConnClosed()
	defer func() { _ = c.Close() }()
	id := c.Identity()
	route := Classify(id.DestPort, s.echoPort)
	lg := s.logger.With("conn_id", connID, "src", id.Source, "sport", id.SourcePort, "dport", id.DestPort)
	lg.Debug("conn_accepted", "route", route.String())
	for {
		if ctx.Err() != nil {
			return
		}
		p, ok := c.Read(s.readTimeout)
		if !ok {
			lg.Debug("conn_closed")
			return
		}
		metrics.IncDispatch(route.String())
		switch route {
		case RouteEcho:
			s.totalEcho.Add(1)
			s.echo(c, p, lg)
		case RouteService:
			s.totalService.Add(1)
			if s.handler == nil {
				lg.Debug("service_no_handler")
				continue
			}
			s.handler.Handle(c, p)
		case RouteUnhandled:
			s.totalUnhandled.Add(1)
			if s.unhandled == UnhandledLog {
				lg.Warn("unhandled_port", "error", fmt.Errorf("%w: %d", ErrUnhandledPort, id.DestPort), "len", len(p.Data))
			}
		}
	}
}

func (s *Server) echo(c Conn, p csp.Packet, lg *slog.Logger) {
	out, err := EchoTransform(p.Data)
	if err != nil {
		s.totalDropped.Add(1)
		metrics.IncEchoDropped()
		lg.Debug("echo_drop", "error", err)
		return
	}
	if err := c.SendReply(p, out, s.replyTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrReply, err)
		s.totalDropped.Add(1)
		metrics.IncEchoDropped()
		metrics.IncError(mapErrToMetric(wrap))
		lg.Warn("echo_reply_failed", "error", wrap)
		return
	}
	lg.Debug("echo_reply", "len", len(out))
}
