package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/kstaniek/go-csp-server/internal/pcan"
)

// startGateway runs the CAN gateway monitor when gateway-listen is set.
// Decoded frames are logged; the payload dump is debug only.
func startGateway(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*pcan.Monitor, error) {
	if cfg.gatewayListen == "" {
		return nil, nil
	}
	lg := l.With("component", "gateway")
	m := pcan.NewMonitor(cfg.gatewayListen, gatewayFrameLogger(lg), pcan.WithMonitorLogger(lg))
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	select {
	case <-m.Ready():
		return m, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func gatewayFrameLogger(l *slog.Logger) pcan.FrameFunc {
	return func(from net.Addr, fr pcan.Frame) {
		cf := fr.CAN()
		l.Info("gateway_frame",
			"from", from.String(),
			"type", fr.Type.String(),
			"channel", fr.Channel,
			"can_id", fmt.Sprintf("0x%X", fr.ID),
			"fd", cf.IsFD(),
			"len", len(fr.Data),
			"timestamp_us", fr.Timestamp,
		)
		if l.Enabled(context.Background(), slog.LevelDebug) && len(fr.Data) > 0 {
			l.Debug("gateway_frame_data", "frame", fr.String(), "data", pcan.FormatData(fr.Data))
		}
	}
}
