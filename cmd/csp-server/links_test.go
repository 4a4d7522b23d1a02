package main

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-csp-server/internal/csp"
	"github.com/kstaniek/go-csp-server/internal/kiss"
	"github.com/kstaniek/go-csp-server/internal/logging"
	"github.com/kstaniek/go-csp-server/internal/transport"
)

// node wires router, service handler and dispatch server like run does.
type node struct {
	cancel context.CancelFunc
	links  *linkSet
	wg     sync.WaitGroup
	stop   func()
}

func startNode(t *testing.T, cfg *appConfig) *node {
	t.Helper()
	l := logging.Discard()
	ctx, cancel := context.WithCancel(context.Background())
	n := &node{cancel: cancel}
	rt := initRouter(cfg, l)
	svc := initService(cfg, rt, l, func() {}, func() {})
	srv := initDispatch(cfg, rt, svc, l)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = srv.Serve(ctx)
	}()
	links, err := startLinks(ctx, cfg, rt.Deliver, l, &n.wg)
	if err != nil {
		cancel()
		rt.Stop()
		t.Fatalf("startLinks: %v", err)
	}
	n.links = links
	n.stop = func() {
		cancel()
		rt.Stop()
		sctx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		_ = srv.Shutdown(sctx)
		links.close()
		n.wg.Wait()
	}
	t.Cleanup(n.stop)
	return n
}

func testConfig(links ...string) *appConfig {
	cfg := validConfig()
	cfg.links = links
	cfg.listenAddr = "127.0.0.1:0"
	cfg.udpListen = "127.0.0.1:0"
	cfg.acceptTO = 20 * time.Millisecond
	return cfg
}

func request(dport uint8, data ...byte) csp.Packet {
	return csp.Packet{
		Header: csp.Header{Priority: csp.PrioNorm, Source: 9, SourcePort: 35, Destination: 1, DestPort: dport},
		Data:   data,
	}
}

// readKISS returns the next packet decoded from a KISS stream.
func readKISS(t *testing.T, c net.Conn) csp.Packet {
	t.Helper()
	dec := kiss.NewDecoder(0)
	buf := make([]byte, 512)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var (
			p     csp.Packet
			found bool
		)
		dec.Feed(buf[:n], func(f []byte) {
			if found {
				return
			}
			var perr error
			p, perr = csp.ParsePacket(f)
			found = perr == nil
		})
		if found {
			return p
		}
	}
}

func TestSerialLinkEchoAndPing(t *testing.T) {
	devEnd, hostEnd := net.Pipe()
	openSerialPort = func(name string, baud int, to time.Duration) (transport.SerialPort, error) { return devEnd, nil }
	defer func() { openSerialPort = transport.OpenSerial }()

	n := startNode(t, testConfig("serial"))
	if n.links.serial == nil {
		t.Fatal("serial link not started")
	}
	defer hostEnd.Close()

	_ = hostEnd.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := hostEnd.Write(kiss.Encode(request(10, 0xFF, 0x01, 0x02).Marshal())); err != nil {
		t.Fatalf("write: %v", err)
	}
	rep := readKISS(t, hostEnd)
	if string(rep.Data) != string([]byte{0x00, 0x01, 0x02}) {
		t.Fatalf("echo payload: %v", rep.Data)
	}
	if rep.Source != 1 || rep.Destination != 9 || rep.SourcePort != 10 || rep.DestPort != 35 {
		t.Fatalf("echo addressing: %s", rep.Header)
	}

	_ = hostEnd.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := hostEnd.Write(kiss.Encode(request(csp.PortPing, 7, 7, 7).Marshal())); err != nil {
		t.Fatalf("write: %v", err)
	}
	rep = readKISS(t, hostEnd)
	if rep.SourcePort != csp.PortPing || string(rep.Data) != string([]byte{7, 7, 7}) {
		t.Fatalf("ping reply: %s %v", rep.Header, rep.Data)
	}
}

func TestTCPLinkEcho(t *testing.T) {
	n := startNode(t, testConfig("tcp"))
	c, err := net.Dial("tcp", n.links.tcp.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if _, err := c.Write(kiss.Encode(request(10, 0x41).Marshal())); err != nil {
		t.Fatalf("write: %v", err)
	}
	rep := readKISS(t, c)
	if len(rep.Data) != 1 || rep.Data[0] != 0x42 {
		t.Fatalf("echo payload: %v", rep.Data)
	}
}

func TestUDPLinkUptimeAndForeignDrop(t *testing.T) {
	n := startNode(t, testConfig("udp"))
	c, err := net.Dial("udp", n.links.udp.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	foreign := request(10, 1)
	foreign.Destination = 5
	if _, err := c.Write(foreign.Marshal()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := c.Write(request(csp.PortUptime).Marshal()); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 64)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	nr, err := c.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	rep, err := csp.ParsePacket(buf[:nr])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rep.SourcePort != csp.PortUptime || len(rep.Data) != 4 {
		t.Fatalf("uptime reply: %s %v", rep.Header, rep.Data)
	}
}

func TestStartLinksUnknown(t *testing.T) {
	cfg := testConfig("can")
	var wg sync.WaitGroup
	if _, err := startLinks(context.Background(), cfg, func(transport.Link, csp.Packet) {}, logging.Discard(), &wg); err == nil {
		t.Fatal("expected error for unknown link")
	}
}
