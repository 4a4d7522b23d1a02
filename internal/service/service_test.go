package service

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-csp-server/internal/csp"
	"github.com/kstaniek/go-csp-server/internal/logging"
)

type stubConn struct {
	replies []csp.Packet
	err     error
}

func (c *stubConn) Identity() csp.Identity                { return csp.Identity{} }
func (c *stubConn) Read(time.Duration) (csp.Packet, bool) { return csp.Packet{}, false }
func (c *stubConn) Close() error                          { return nil }
func (c *stubConn) SendReply(req csp.Packet, payload []byte, _ time.Duration) error {
	if c.err != nil {
		return c.err
	}
	c.replies = append(c.replies, csp.NewReply(req.Header, payload))
	return nil
}

func request(dport uint8, data ...byte) csp.Packet {
	return csp.Packet{
		Header: csp.Header{Priority: csp.PrioNorm, Source: 10, SourcePort: 33, Destination: 1, DestPort: dport},
		Data:   data,
	}
}

func newTestHandler(opts ...Option) (*Handler, *time.Time) {
	now := time.Date(2024, time.March, 5, 7, 8, 9, 500, time.UTC)
	clock := &now
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithClock(func() time.Time { return *clock }),
		WithHostname("obc"),
		WithModel("A3200"),
		WithRevision("v1.2.3"),
	}, opts...)
	return New(opts...), clock
}

func TestPingEchoesData(t *testing.T) {
	h, _ := newTestHandler()
	c := &stubConn{}
	h.Handle(c, request(csp.PortPing, 1, 2, 3))
	require.Len(t, c.replies, 1)
	assert.Equal(t, []byte{1, 2, 3}, c.replies[0].Data)
	assert.Equal(t, uint8(10), c.replies[0].Destination)
	assert.Equal(t, uint8(33), c.replies[0].DestPort)
	assert.Equal(t, csp.PortPing, c.replies[0].SourcePort)
}

func TestUptime(t *testing.T) {
	h, clock := newTestHandler()
	*clock = clock.Add(90 * time.Second)
	c := &stubConn{}
	h.Handle(c, request(csp.PortUptime))
	require.Len(t, c.replies, 1)
	assert.Equal(t, uint32(90), binary.BigEndian.Uint32(c.replies[0].Data))
}

func TestBufFree(t *testing.T) {
	h, _ := newTestHandler(WithBufFree(func() int { return 3 }))
	c := &stubConn{}
	h.Handle(c, request(csp.PortBufFree))
	require.Len(t, c.replies, 1)
	assert.Equal(t, []byte{0, 0, 0, 3}, c.replies[0].Data)
}

func TestMemFreeAndPS(t *testing.T) {
	h, _ := newTestHandler()
	c := &stubConn{}
	h.Handle(c, request(csp.PortMemFree))
	h.Handle(c, request(csp.PortPS))
	require.Len(t, c.replies, 2)
	assert.Len(t, c.replies[0].Data, 4)
	ps := string(c.replies[1].Data)
	assert.True(t, strings.HasPrefix(ps, "obc v1.2.3\n"), ps)
	assert.Contains(t, ps, "goroutines:")
}

func TestRebootMagic(t *testing.T) {
	var reboots, shutdowns int
	h, _ := newTestHandler(
		WithRebootHook(func() { reboots++ }),
		WithShutdownHook(func() { shutdowns++ }),
	)
	c := &stubConn{}
	h.Handle(c, request(csp.PortReboot, 0x80, 0x07, 0x80, 0x07))
	h.Handle(c, request(csp.PortReboot, 0xD1, 0xE5, 0x52, 0x9A))
	h.Handle(c, request(csp.PortReboot, 0xDE, 0xAD, 0xBE, 0xEF))
	h.Handle(c, request(csp.PortReboot, 0x80))
	assert.Equal(t, 1, reboots)
	assert.Equal(t, 1, shutdowns)
	assert.Empty(t, c.replies)
}

func TestCMPIdent(t *testing.T) {
	h, _ := newTestHandler()
	c := &stubConn{}
	h.Handle(c, request(csp.PortCMP, CMPRequest, CMPIdent))
	require.Len(t, c.replies, 1)
	d := c.replies[0].Data
	require.Len(t, d, 2+identLen)
	assert.Equal(t, CMPReply, d[0])
	assert.Equal(t, CMPIdent, d[1])
	field := func(off, n int) string { return string(bytes.TrimRight(d[2+off:2+off+n], "\x00")) }
	assert.Equal(t, "obc", field(0, identHostnameLen))
	assert.Equal(t, "A3200", field(identHostnameLen, identModelLen))
	assert.Equal(t, "v1.2.3", field(identHostnameLen+identModelLen, identRevisionLen))
	assert.Equal(t, "Mar  5 2024", field(identHostnameLen+identModelLen+identRevisionLen, identDateLen))
	assert.Equal(t, "07:08:09", field(identLen-identTimeLen, identTimeLen))
}

func TestCMPIdentTruncatesLongHostname(t *testing.T) {
	h, _ := newTestHandler(WithHostname(strings.Repeat("x", 40)))
	c := &stubConn{}
	h.Handle(c, request(csp.PortCMP, CMPRequest, CMPIdent))
	require.Len(t, c.replies, 1)
	d := c.replies[0].Data[2:]
	assert.Equal(t, byte(0), d[identHostnameLen-1])
	assert.Equal(t, strings.Repeat("x", identHostnameLen-1), string(d[:identHostnameLen-1]))
}

func TestCMPClock(t *testing.T) {
	h, clock := newTestHandler()
	c := &stubConn{}
	h.Handle(c, request(csp.PortCMP, CMPRequest, CMPClock, 0, 0, 0, 0, 0, 0, 0, 0))
	require.Len(t, c.replies, 1)
	d := c.replies[0].Data
	require.Len(t, d, 10)
	assert.Equal(t, uint32(clock.Unix()), binary.BigEndian.Uint32(d[2:6]))
	assert.Equal(t, uint32(500), binary.BigEndian.Uint32(d[6:10]))
}

func TestCMPIgnoresRepliesAndUnknownCodes(t *testing.T) {
	h, _ := newTestHandler()
	c := &stubConn{}
	h.Handle(c, request(csp.PortCMP, CMPReply, CMPIdent))
	h.Handle(c, request(csp.PortCMP, CMPRequest, 2))
	h.Handle(c, request(csp.PortCMP, CMPRequest))
	assert.Empty(t, c.replies)
}

func TestReplyFailureIsSwallowed(t *testing.T) {
	h, _ := newTestHandler()
	c := &stubConn{err: errors.New("down")}
	assert.NotPanics(t, func() { h.Handle(c, request(csp.PortPing, 1)) })
}
