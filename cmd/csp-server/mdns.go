package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_csp-server._tcp"

// startMDNS registers the KISS/TCP link via mDNS and returns a cleanup
// function. It is safe to call even if disabled (no-op).
func startMDNS(ctx context.Context, cfg *appConfig, port int, instanceID string) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("csp-server-%s", host)
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, mdnsTXT(cfg, instanceID), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}

func mdnsTXT(cfg *appConfig, instanceID string) []string {
	return []string{
		"id=" + instanceID,
		"address=" + strconv.Itoa(cfg.address),
		"hostname=" + cfg.hostname,
		"model=" + cfg.model,
		"framing=kiss",
		"version=" + version,
		"commit=" + commit,
	}
}
