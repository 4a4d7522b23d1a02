package main

import (
	"log/slog"
	"time"

	"github.com/kstaniek/go-csp-server/internal/router"
	"github.com/kstaniek/go-csp-server/internal/server"
	"github.com/kstaniek/go-csp-server/internal/service"
)

// routerListener adapts the router's listener to server.Listener.
type routerListener struct{ l *router.Listener }

func (a routerListener) Accept(timeout time.Duration) (server.Conn, bool) {
	c, ok := a.l.Accept(timeout)
	if !ok {
		return nil, false
	}
	return c, true
}

func initRouter(cfg *appConfig, l *slog.Logger) *router.Router {
	return router.New(uint8(cfg.address), router.WithBacklog(cfg.backlog), router.WithLogger(l))
}

func initService(cfg *appConfig, rt *router.Router, l *slog.Logger, onReboot, onShutdown func()) *service.Handler {
	opts := []service.Option{
		service.WithHostname(cfg.hostname),
		service.WithModel(cfg.model),
		service.WithRevision(version),
		service.WithBufFree(rt.BufFree),
		service.WithRebootHook(onReboot),
		service.WithShutdownHook(onShutdown),
		service.WithLogger(l),
	}
	if t, err := time.Parse(time.RFC3339, date); err == nil {
		opts = append(opts, service.WithBuildTime(t))
	}
	return service.New(opts...)
}

func initDispatch(cfg *appConfig, rt *router.Router, h server.ServiceHandler, l *slog.Logger) *server.Server {
	policy, err := server.ParseUnhandledPolicy(cfg.unhandled)
	if err != nil {
		l.Warn("unknown_unhandled_policy", "policy", cfg.unhandled, "used", policy.String())
	}
	l.Info("dispatch_config", "address", cfg.address, "echo_port", cfg.echoPort, "backlog", cfg.backlog, "unhandled", policy.String())
	return server.NewServer(
		server.WithListener(routerListener{l: rt.Listen()}),
		server.WithServiceHandler(h),
		server.WithEchoPort(uint8(cfg.echoPort)),
		server.WithAcceptTimeout(cfg.acceptTO),
		server.WithReadTimeout(cfg.readTO),
		server.WithUnhandledPolicy(policy),
		server.WithLogger(l),
	)
}
