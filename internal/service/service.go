// Package service answers the reserved service ports (0-6): CMP, ping,
// process list, free memory, reboot, free buffers and uptime.
package service

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"time"

	"github.com/kstaniek/go-csp-server/internal/csp"
	"github.com/kstaniek/go-csp-server/internal/logging"
	"github.com/kstaniek/go-csp-server/internal/metrics"
	"github.com/kstaniek/go-csp-server/internal/server"
)

// Magic words carried by a reboot request.
const (
	RebootMagic   uint32 = 0x80078007
	ShutdownMagic uint32 = 0xD1E5529A
)

// CMP message types and codes.
const (
	CMPRequest uint8 = 0x00
	CMPReply   uint8 = 0xFF

	CMPIdent uint8 = 1
	CMPClock uint8 = 6
)

// Ident field widths, NUL padded.
const (
	identHostnameLen = 20
	identModelLen    = 30
	identRevisionLen = 20
	identDateLen     = 12
	identTimeLen     = 9
	identLen         = identHostnameLen + identModelLen + identRevisionLen + identDateLen + identTimeLen
)

// Handler implements server.ServiceHandler.
type Handler struct {
	hostname     string
	model        string
	revision     string
	buildTime    time.Time
	started      time.Time
	now          func() time.Time
	bufFree      func() int
	onReboot     func()
	onShutdown   func()
	replyTimeout time.Duration
	logger       *slog.Logger
}

type Option func(*Handler)

func WithHostname(s string) Option     { return func(h *Handler) { h.hostname = s } }
func WithModel(s string) Option        { return func(h *Handler) { h.model = s } }
func WithRevision(s string) Option     { return func(h *Handler) { h.revision = s } }
func WithBuildTime(t time.Time) Option { return func(h *Handler) { h.buildTime = t } }
func WithBufFree(fn func() int) Option { return func(h *Handler) { h.bufFree = fn } }
func WithRebootHook(fn func()) Option  { return func(h *Handler) { h.onReboot = fn } }
func WithShutdownHook(fn func()) Option {
	return func(h *Handler) { h.onShutdown = fn }
}

// WithClock replaces time.Now (tests).
func WithClock(fn func() time.Time) Option {
	return func(h *Handler) {
		if fn != nil {
			h.now = fn
		}
	}
}

func WithReplyTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.replyTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func New(opts ...Option) *Handler {
	h := &Handler{
		hostname:     "csp-server",
		model:        runtime.GOOS + "/" + runtime.GOARCH,
		revision:     "dev",
		now:          time.Now,
		replyTimeout: time.Second,
		logger:       logging.Component("service"),
	}
	for _, o := range opts {
		o(h)
	}
	h.started = h.now()
	if h.buildTime.IsZero() {
		h.buildTime = h.started
	}
	return h
}

var _ server.ServiceHandler = (*Handler)(nil)

// Handle answers one request on a service port. Requests that carry no
// answer (reboot, unknown CMP codes) are consumed silently.
func (h *Handler) Handle(c server.Conn, p csp.Packet) {
	var (
		out []byte
		ok  bool
	)
	switch p.DestPort {
	case csp.PortCMP:
		out, ok = h.cmp(p.Data)
	case csp.PortPing:
		out, ok = p.Data, true
	case csp.PortPS:
		out, ok = h.ps(), true
	case csp.PortMemFree:
		out, ok = u32(memFree()), true
	case csp.PortReboot:
		h.reboot(p)
	case csp.PortBufFree:
		n := 0
		if h.bufFree != nil {
			n = h.bufFree()
		}
		out, ok = u32(clampU32(int64(n))), true
	case csp.PortUptime:
		out, ok = u32(clampU32(int64(h.now().Sub(h.started)/time.Second))), true
	default:
		h.logger.Debug("service_unknown_port", "dport", p.DestPort)
	}
	if !ok {
		return
	}
	if err := c.SendReply(p, out, h.replyTimeout); err != nil {
		metrics.IncError(metrics.ErrReply)
		h.logger.Warn("service_reply_failed", "dport", p.DestPort, "error", err)
		return
	}
	h.logger.Debug("service_reply", "dport", p.DestPort, "len", len(out))
}

func (h *Handler) cmp(data []byte) ([]byte, bool) {
	if len(data) < 2 || data[0] != CMPRequest {
		return nil, false
	}
	switch data[1] {
	case CMPIdent:
		out := make([]byte, 2+identLen)
		out[0], out[1] = CMPReply, CMPIdent
		b := out[2:]
		b = putString(b, h.hostname, identHostnameLen)
		b = putString(b, h.model, identModelLen)
		b = putString(b, h.revision, identRevisionLen)
		b = putString(b, h.buildTime.Format("Jan _2 2006"), identDateLen)
		putString(b, h.buildTime.Format("15:04:05"), identTimeLen)
		return out, true
	case CMPClock:
		if len(data) >= 10 {
			sec := binary.BigEndian.Uint32(data[2:6])
			nsec := binary.BigEndian.Uint32(data[6:10])
			if sec != 0 || nsec != 0 {
				// setting the host clock is left to the operator
				h.logger.Info("cmp_clock_set_ignored", "sec", sec, "nsec", nsec)
			}
		}
		now := h.now()
		out := make([]byte, 10)
		out[0], out[1] = CMPReply, CMPClock
		binary.BigEndian.PutUint32(out[2:6], clampU32(now.Unix()))
		binary.BigEndian.PutUint32(out[6:10], uint32(now.Nanosecond()))
		return out, true
	default:
		h.logger.Debug("cmp_unsupported", "code", data[1])
		return nil, false
	}
}

func (h *Handler) ps() []byte {
	s := fmt.Sprintf("%s %s\ngoroutines: %d\nuptime: %s\n",
		h.hostname, h.revision, runtime.NumGoroutine(), h.now().Sub(h.started).Truncate(time.Second))
	if len(s) > csp.DefaultMTU {
		s = s[:csp.DefaultMTU]
	}
	return []byte(s)
}

func (h *Handler) reboot(p csp.Packet) {
	if len(p.Data) < 4 {
		h.logger.Debug("reboot_short_request", "len", len(p.Data))
		return
	}
	switch magic := binary.BigEndian.Uint32(p.Data); magic {
	case RebootMagic:
		h.logger.Warn("reboot_requested", "src", p.Source)
		if h.onReboot != nil {
			h.onReboot()
		}
	case ShutdownMagic:
		h.logger.Warn("shutdown_requested", "src", p.Source)
		if h.onShutdown != nil {
			h.onShutdown()
		}
	default:
		h.logger.Debug("reboot_bad_magic", "magic", fmt.Sprintf("0x%08X", magic))
	}
}

func memFree() uint32 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys < ms.HeapInuse {
		return 0
	}
	return clampU32(int64(ms.Sys - ms.HeapInuse))
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func clampU32(v int64) uint32 {
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(v)
}

// putString writes s NUL padded into the first n bytes of b and returns the rest.
func putString(b []byte, s string, n int) []byte {
	copy(b[:n-1], s) // keep the terminator
	return b[n:]
}
