package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-csp-server/internal/transport"
)

// openSerialPort is a hook for tests.
var openSerialPort = transport.OpenSerial

// linkSet is what startLinks brought up.
type linkSet struct {
	tcp     *transport.TCPServer
	serial  *transport.StreamLink
	udp     *transport.UDPLink
	cleanup []func()
}

func (ls *linkSet) close() {
	for i := len(ls.cleanup) - 1; i >= 0; i-- {
		ls.cleanup[i]()
	}
	ls.cleanup = nil
}

// startLinks opens every configured link and starts its RX loop; packets go
// to deliver. On error the links already started are closed.
func startLinks(ctx context.Context, cfg *appConfig, deliver transport.PacketHandler, l *slog.Logger, wg *sync.WaitGroup) (*linkSet, error) {
	ls := &linkSet{}
	for _, name := range cfg.links {
		var err error
		switch name {
		case "tcp":
			err = ls.startTCP(ctx, cfg, deliver, l, wg)
		case "serial":
			err = ls.startSerial(ctx, cfg, deliver, l, wg)
		case "udp":
			err = ls.startUDP(ctx, cfg, deliver, l, wg)
		default:
			err = fmt.Errorf("unknown link %q (use tcp|serial|udp)", name)
		}
		if err != nil {
			ls.close()
			return nil, err
		}
	}
	return ls, nil
}

func (ls *linkSet) startTCP(ctx context.Context, cfg *appConfig, deliver transport.PacketHandler, l *slog.Logger, wg *sync.WaitGroup) error {
	srv := transport.NewTCPServer(deliver,
		transport.WithListenAddr(cfg.listenAddr),
		transport.WithMaxClients(cfg.maxClients),
		transport.WithTCPLogger(l),
	)
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_link_error", "error", err)
			errCh <- err
		}
	}()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
	ls.tcp = srv
	ls.cleanup = append(ls.cleanup, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("tcp_link_shutdown", "error", err)
		}
	})
	return nil
}

func (ls *linkSet) startSerial(ctx context.Context, cfg *appConfig, deliver transport.PacketHandler, l *slog.Logger, wg *sync.WaitGroup) error {
	port, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return fmt.Errorf("open serial %s: %w", cfg.serialDev, err)
	}
	lg := l.With("link", "serial", "device", cfg.serialDev)
	link := transport.NewStreamLink(ctx, "serial:"+cfg.serialDev, port, 0,
		transport.WithTransientEOF(),
		transport.WithStreamLogger(lg),
	)
	lg.Info("serial_open", "baud", cfg.baud)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Run(ctx, deliver); err != nil {
			lg.Error("serial_read_fatal", "error", err)
		}
	}()
	ls.serial = link
	ls.cleanup = append(ls.cleanup, func() { _ = link.Close() })
	return nil
}

func (ls *linkSet) startUDP(ctx context.Context, cfg *appConfig, deliver transport.PacketHandler, l *slog.Logger, wg *sync.WaitGroup) error {
	link, err := transport.ListenUDP(ctx, cfg.udpListen, cfg.udpPeer)
	if err != nil {
		return err
	}
	l.Info("udp_listen", "addr", link.LocalAddr().String(), "peer", cfg.udpPeer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = link.Run(ctx, deliver)
	}()
	ls.udp = link
	ls.cleanup = append(ls.cleanup, func() { _ = link.Close() })
	return nil
}
