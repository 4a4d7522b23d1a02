package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-csp-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	LinkRxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csp_rx_packets_total",
		Help: "Total CSP packets received from all links.",
	})
	LinkTxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csp_tx_packets_total",
		Help: "Total CSP packets written to links.",
	})
	RouterDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_dropped_packets_total",
		Help: "Packets dropped before reaching a connection, by reason.",
	}, []string{"reason"})
	ConnsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_connections_total",
		Help: "Total connections accepted by the dispatch server.",
	})
	ConnsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_active_connections",
		Help: "Connections currently being served.",
	})
	DispatchPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_packets_total",
		Help: "Packets dispatched, by route.",
	}, []string{"route"})
	EchoDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_dropped_packets_total",
		Help: "Echo packets dropped without reply (empty payload or reply failure).",
	})
	GatewayRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rx_frames_total",
		Help: "Total CAN frames decoded from gateway datagrams.",
	})
	GatewayUnknownRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_unknown_records_total",
		Help: "Gateway records skipped because they do not carry a CAN frame.",
	})
	LinkClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "link_tcp_clients",
		Help: "Current number of connected KISS/TCP link clients.",
	})
	LinkRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_rejected_clients_total",
		Help: "Total link client connection attempts rejected (e.g., max-clients).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (short packets, bad KISS frames, truncated gateway records).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrLinkRead     = "link_read"
	ErrLinkWrite    = "link_write"
	ErrLinkOverflow = "link_tx_overflow"
	ErrLinkAccept   = "link_accept"
	ErrReply        = "reply"
	ErrGatewayRead  = "gateway_read"
)

// Router drop reasons.
const (
	DropNotLocal    = "not_local"
	DropBacklogFull = "backlog_full"
	DropQueueFull   = "queue_full"
)

// Dispatch routes.
const (
	RouteEcho      = "echo"
	RouteService   = "service"
	RouteUnhandled = "unhandled"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: newMux(),
	}
	go func() {
		logging.Component("metrics").Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Component("metrics").Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	return mux
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRx             uint64
	localTx             uint64
	localRouterDrops    uint64
	localAccepted       uint64
	localActive         int64
	localEcho           uint64
	localService        uint64
	localUnhandled      uint64
	localEchoDropped    uint64
	localGatewayRx      uint64
	localGatewayUnknown uint64
	localLinkClients    uint64
	localLinkRejects    uint64
	localErrors         uint64
	localMalformed      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Rx             uint64
	Tx             uint64
	RouterDrops    uint64
	Accepted       uint64
	ActiveConns    int64
	Echo           uint64
	Service        uint64
	Unhandled      uint64
	EchoDropped    uint64
	GatewayRx      uint64
	GatewayUnknown uint64
	LinkClients    uint64
	LinkRejects    uint64
	Errors         uint64 // sum across error labels
	Malformed      uint64
}

func Snap() Snapshot {
	return Snapshot{
		Rx:             atomic.LoadUint64(&localRx),
		Tx:             atomic.LoadUint64(&localTx),
		RouterDrops:    atomic.LoadUint64(&localRouterDrops),
		Accepted:       atomic.LoadUint64(&localAccepted),
		ActiveConns:    atomic.LoadInt64(&localActive),
		Echo:           atomic.LoadUint64(&localEcho),
		Service:        atomic.LoadUint64(&localService),
		Unhandled:      atomic.LoadUint64(&localUnhandled),
		EchoDropped:    atomic.LoadUint64(&localEchoDropped),
		GatewayRx:      atomic.LoadUint64(&localGatewayRx),
		GatewayUnknown: atomic.LoadUint64(&localGatewayUnknown),
		LinkClients:    atomic.LoadUint64(&localLinkClients),
		LinkRejects:    atomic.LoadUint64(&localLinkRejects),
		Errors:         atomic.LoadUint64(&localErrors),
		Malformed:      atomic.LoadUint64(&localMalformed),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRx() {
	LinkRxPackets.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncTx() {
	LinkTxPackets.Inc()
	atomic.AddUint64(&localTx, 1)
}

// IncRouterDrop counts a packet the router could not hand to a connection.
func IncRouterDrop(reason string) {
	RouterDropped.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localRouterDrops, 1)
}

// ConnOpened records an accepted connection entering service.
func ConnOpened() {
	ConnsAccepted.Inc()
	ConnsActive.Inc()
	atomic.AddUint64(&localAccepted, 1)
	atomic.AddInt64(&localActive, 1)
}

// ConnClosed records a connection leaving service.
func ConnClosed() {
	ConnsActive.Dec()
	atomic.AddInt64(&localActive, -1)
}

func IncDispatch(route string) {
	DispatchPackets.WithLabelValues(route).Inc()
	switch route {
	case RouteEcho:
		atomic.AddUint64(&localEcho, 1)
	case RouteService:
		atomic.AddUint64(&localService, 1)
	default:
		atomic.AddUint64(&localUnhandled, 1)
	}
}

func IncEchoDropped() {
	EchoDropped.Inc()
	atomic.AddUint64(&localEchoDropped, 1)
}

func IncGatewayRx() {
	GatewayRxFrames.Inc()
	atomic.AddUint64(&localGatewayRx, 1)
}

func IncGatewayUnknown() {
	GatewayUnknownRecords.Inc()
	atomic.AddUint64(&localGatewayUnknown, 1)
}

func SetLinkClients(n int) {
	LinkClients.Set(float64(n))
	atomic.StoreUint64(&localLinkClients, uint64(n))
}

func IncLinkReject() {
	LinkRejectedClients.Inc()
	atomic.AddUint64(&localLinkRejects, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common label series so first increment does not log a registration latency.
	for _, lbl := range []string{
		ErrLinkRead, ErrLinkWrite, ErrLinkOverflow, ErrLinkAccept,
		ErrReply, ErrGatewayRead,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, r := range []string{RouteEcho, RouteService, RouteUnhandled} {
		DispatchPackets.WithLabelValues(r).Add(0)
	}
	for _, r := range []string{DropNotLocal, DropBacklogFull, DropQueueFull} {
		RouterDropped.WithLabelValues(r).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
