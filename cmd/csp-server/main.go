package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/go-csp-server/internal/metrics"
)

// Exit code after a CMP reboot request; the supervisor restarts the daemon.
const exitReboot = 1

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("csp-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	os.Exit(run(cfg))
}

func run(cfg *appConfig) int {
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	instanceID := uuid.NewString()
	l.Info("build_info", "version", version, "commit", commit, "date", date, "instance", instanceID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	stopCh := make(chan string, 1)
	requestStop := func(reason string) func() {
		return func() {
			select {
			case stopCh <- reason:
			default:
			}
		}
	}
	rt := initRouter(cfg, l)
	svc := initService(cfg, rt, l, requestStop("reboot"), requestStop("shutdown"))
	srv := initDispatch(cfg, rt, svc, l)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			l.Error("dispatch_error", "error", err)
			cancel()
		}
	}()

	links, err := startLinks(ctx, cfg, rt.Deliver, l, &wg)
	if err != nil {
		l.Error("link_init_error", "error", err)
		cancel()
		rt.Stop()
		wg.Wait()
		return 1
	}
	if _, err := startGateway(ctx, cfg, l, &wg); err != nil {
		l.Error("gateway_init_error", "error", err)
		cancel()
		rt.Stop()
		links.close()
		wg.Wait()
		return 1
	}

	// Start mDNS advertisement for the TCP link.
	if cfg.mdnsEnable && links.tcp != nil {
		port := portOf(links.tcp.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port, instanceID)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
			defer cleanupMDNS()
		}
	}

	// Ready when the dispatch loop runs and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	l.Info("ready", "address", cfg.address, "links", cfg.links)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	code := 0
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case reason := <-stopCh:
		l.Warn("shutdown_requested", "reason", reason)
		if reason == "reboot" {
			code = exitReboot
		}
	case <-ctx.Done():
		code = 1
	}
	cancel()
	rt.Stop()
	sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		l.Warn("dispatch_shutdown", "error", err)
	}
	links.close()
	wg.Wait()
	return code
}

// portOf extracts the port from host:port or :port.
func portOf(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return 0
}
