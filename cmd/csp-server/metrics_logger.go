package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-csp-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"rx", snap.Rx,
		"tx", snap.Tx,
		"router_drops", snap.RouterDrops,
		"accepted", snap.Accepted,
		"active", snap.ActiveConns,
		"echo", snap.Echo,
		"service", snap.Service,
		"unhandled", snap.Unhandled,
		"echo_dropped", snap.EchoDropped,
		"gateway_rx", snap.GatewayRx,
		"gateway_unknown", snap.GatewayUnknown,
		"link_clients", snap.LinkClients,
		"errors", snap.Errors,
		"malformed", snap.Malformed,
	)
}
