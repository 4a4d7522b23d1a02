package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-csp-server/internal/csp"
	"github.com/kstaniek/go-csp-server/internal/server"
)

type appConfig struct {
	address         int
	hostname        string
	model           string
	links           []string
	listenAddr      string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	udpListen       string
	udpPeer         string
	echoPort        int
	backlog         int
	acceptTO        time.Duration
	readTO          time.Duration
	unhandled       string
	gatewayListen   string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	maxClients      int
	mdnsEnable      bool
	mdnsName        string
}

func defaultHostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "csp-server"
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	address := flag.Int("address", 1, "Local CSP node address (0-30)")
	hostname := flag.String("hostname", defaultHostname(), "Hostname reported by CMP ident")
	model := flag.String("model", "csp-server", "Model reported by CMP ident")
	links := flag.String("link", "tcp", "Links to enable, comma separated: tcp|serial|udp")
	listen := flag.String("listen", ":9600", "KISS/TCP link listen address")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "KISS serial device path")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	udpListen := flag.String("udp-listen", ":9700", "UDP link listen address")
	udpPeer := flag.String("udp-peer", "", "UDP link peer (host:port); empty sends to the address each node last used")
	echoPort := flag.Int("echo-port", server.DefaultEchoPort, "Echo service port")
	backlog := flag.Int("backlog", 5, "Connections waiting for accept")
	acceptTO := flag.Duration("accept-timeout", 10*time.Second, "Accept poll timeout")
	readTO := flag.Duration("read-timeout", 100*time.Millisecond, "Per-connection read timeout; an idle connection is closed after it")
	unhandled := flag.String("unhandled", "drop", "Packets on ports without a handler: drop|log")
	gatewayListen := flag.String("gateway-listen", "", "CAN gateway UDP listen address (e.g., :55002); empty disables")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous KISS/TCP clients (0 = unlimited)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the TCP link")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default csp-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.address = *address
	cfg.hostname = *hostname
	cfg.model = *model
	cfg.links = splitList(*links)
	cfg.listenAddr = *listen
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.udpListen = *udpListen
	cfg.udpPeer = *udpPeer
	cfg.echoPort = *echoPort
	cfg.backlog = *backlog
	cfg.acceptTO = *acceptTO
	cfg.readTO = *readTO
	cfg.unhandled = *unhandled
	cfg.gatewayListen = *gatewayListen
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxClients = *maxClients
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *appConfig) hasLink(name string) bool {
	for _, l := range c.links {
		if l == name {
			return true
		}
	}
	return false
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.address < 0 || c.address >= csp.MaxAddress {
		return fmt.Errorf("address must be 0-%d (got %d)", csp.MaxAddress-1, c.address)
	}
	if len(c.links) == 0 {
		return errors.New("at least one link is required")
	}
	for _, l := range c.links {
		switch l {
		case "tcp", "serial", "udp":
		default:
			return fmt.Errorf("invalid link: %s", l)
		}
	}
	if c.echoPort <= int(csp.MaxServicePort) || c.echoPort > csp.MaxPort {
		return fmt.Errorf("echo-port must be %d-%d (got %d)", csp.MaxServicePort+1, csp.MaxPort, c.echoPort)
	}
	if _, err := server.ParseUnhandledPolicy(c.unhandled); err != nil {
		return err
	}
	if c.backlog <= 0 {
		return fmt.Errorf("backlog must be > 0 (got %d)", c.backlog)
	}
	if c.acceptTO <= 0 {
		return fmt.Errorf("accept-timeout must be > 0")
	}
	if c.readTO <= 0 {
		return fmt.Errorf("read-timeout must be > 0")
	}
	if c.hasLink("serial") {
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return fmt.Errorf("serial-read-timeout must be > 0")
		}
	}
	if c.hasLink("udp") && c.udpListen == "" {
		return errors.New("udp-listen is required for the udp link")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps CSP_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations use time.ParseDuration; the first parse error is returned.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := envApplier{set: set}
	e.str("address", "CSP_SERVER_ADDRESS", func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.address = n
		}
		return err
	})
	e.str("hostname", "CSP_SERVER_HOSTNAME", func(v string) error { c.hostname = v; return nil })
	e.str("model", "CSP_SERVER_MODEL", func(v string) error { c.model = v; return nil })
	e.str("link", "CSP_SERVER_LINK", func(v string) error { c.links = splitList(v); return nil })
	e.str("listen", "CSP_SERVER_LISTEN", func(v string) error { c.listenAddr = v; return nil })
	e.str("serial", "CSP_SERVER_SERIAL", func(v string) error { c.serialDev = v; return nil })
	e.positiveInt("baud", "CSP_SERVER_BAUD", &c.baud)
	e.duration("serial-read-timeout", "CSP_SERVER_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	e.str("udp-listen", "CSP_SERVER_UDP_LISTEN", func(v string) error { c.udpListen = v; return nil })
	e.str("udp-peer", "CSP_SERVER_UDP_PEER", func(v string) error { c.udpPeer = v; return nil })
	e.positiveInt("echo-port", "CSP_SERVER_ECHO_PORT", &c.echoPort)
	e.positiveInt("backlog", "CSP_SERVER_BACKLOG", &c.backlog)
	e.duration("accept-timeout", "CSP_SERVER_ACCEPT_TIMEOUT", &c.acceptTO)
	e.duration("read-timeout", "CSP_SERVER_READ_TIMEOUT", &c.readTO)
	e.str("unhandled", "CSP_SERVER_UNHANDLED", func(v string) error { c.unhandled = v; return nil })
	e.str("gateway-listen", "CSP_SERVER_GATEWAY_LISTEN", func(v string) error { c.gatewayListen = v; return nil })
	e.str("log-format", "CSP_SERVER_LOG_FORMAT", func(v string) error { c.logFormat = v; return nil })
	e.str("log-level", "CSP_SERVER_LOG_LEVEL", func(v string) error { c.logLevel = v; return nil })
	// an empty CSP_SERVER_METRICS disables the endpoint
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv("CSP_SERVER_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	e.str("max-clients", "CSP_SERVER_MAX_CLIENTS", func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil && n >= 0 {
			c.maxClients = n
		}
		return err
	})
	e.str("mdns-enable", "CSP_SERVER_MDNS_ENABLE", func(v string) error {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.mdnsEnable = true
		case "0", "false", "no", "off":
			c.mdnsEnable = false
		}
		return nil
	})
	e.str("mdns-name", "CSP_SERVER_MDNS_NAME", func(v string) error { c.mdnsName = v; return nil })
	e.str("log-metrics-interval", "CSP_SERVER_LOG_METRICS_INTERVAL", func(v string) error {
		d, err := time.ParseDuration(v)
		if err == nil && d >= 0 {
			c.logMetricsEvery = d
		}
		return err
	})
	return e.err
}

// envApplier applies one variable at a time, remembering the first error.
type envApplier struct {
	set map[string]struct{}
	err error
}

func (e *envApplier) str(flagName, env string, apply func(string) error) {
	if _, ok := e.set[flagName]; ok {
		return
	}
	v, ok := os.LookupEnv(env)
	if v = strings.TrimSpace(v); !ok || v == "" {
		return
	}
	if err := apply(v); err != nil && e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", env, err)
	}
}

func (e *envApplier) positiveInt(flagName, env string, dst *int) {
	e.str(flagName, env, func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			*dst = n
		}
		return err
	})
}

func (e *envApplier) duration(flagName, env string, dst *time.Duration) {
	e.str(flagName, env, func(v string) error {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			*dst = d
		}
		return err
	})
}
