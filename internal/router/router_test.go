package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-csp-server/internal/csp"
	"github.com/kstaniek/go-csp-server/internal/metrics"
)

// captureLink records replies.
type captureLink struct {
	mu   sync.Mutex
	sent []csp.Packet
	err  error
}

func (l *captureLink) Name() string { return "capture" }
func (l *captureLink) Close() error { return nil }
func (l *captureLink) Send(p csp.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, p)
	return nil
}

func pkt(src, sport, dst, dport uint8, data ...byte) csp.Packet {
	return csp.Packet{
		Header: csp.Header{Priority: csp.PrioHigh, Source: src, SourcePort: sport, Destination: dst, DestPort: dport, Flags: csp.FlagCRC32},
		Data:   data,
	}
}

func TestDeliverDropsForeignDestination(t *testing.T) {
	r := New(1)
	before := metrics.Snap().RouterDrops
	r.Deliver(&captureLink{}, pkt(10, 40, 2, 10, 1))
	_, ok := r.Listen().Accept(0)
	assert.False(t, ok)
	assert.Equal(t, before+1, metrics.Snap().RouterDrops)
}

func TestDeliverAcceptsBroadcast(t *testing.T) {
	r := New(1)
	r.Deliver(&captureLink{}, pkt(10, 40, csp.MaxAddress, 1, 1))
	c, ok := r.Listen().Accept(0)
	require.True(t, ok)
	assert.Equal(t, uint8(csp.MaxAddress), c.Identity().Destination)
}

func TestSameKeyReusesConnection(t *testing.T) {
	r := New(1)
	l := &captureLink{}
	r.Deliver(l, pkt(10, 40, 1, 10, 1))
	r.Deliver(l, pkt(10, 40, 1, 10, 2))
	r.Deliver(l, pkt(10, 41, 1, 10, 3)) // different source port, new connection

	c, ok := r.Listen().Accept(10 * time.Millisecond)
	require.True(t, ok)
	want := csp.Identity{Source: 10, SourcePort: 40, Destination: 1, DestPort: 10}
	assert.Equal(t, want, c.Identity())
	for _, b := range []byte{1, 2} {
		p, ok := c.Read(10 * time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, []byte{b}, p.Data)
	}
	_, ok = c.Read(5 * time.Millisecond)
	assert.False(t, ok)

	c2, ok := r.Listen().Accept(10 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, uint8(41), c2.Identity().SourcePort)
}

func TestCloseReopensOnNextPacket(t *testing.T) {
	r := New(1)
	l := &captureLink{}
	r.Deliver(l, pkt(10, 40, 1, 10, 1))
	c, ok := r.Listen().Accept(0)
	require.True(t, ok)
	_, ok = c.Read(time.Second)
	require.True(t, ok)
	require.NoError(t, c.Close())
	_, ok = c.Read(time.Second)
	assert.False(t, ok, "closed connection returns immediately")

	r.Deliver(l, pkt(10, 40, 1, 10, 2))
	c2, ok := r.Listen().Accept(0)
	require.True(t, ok)
	assert.NotSame(t, c, c2)
}

func TestCloseCarriesOverLatePackets(t *testing.T) {
	r := New(1)
	l := &captureLink{}
	r.Deliver(l, pkt(10, 40, 1, 10, 1))
	c, ok := r.Listen().Accept(0)
	require.True(t, ok)
	_, ok = c.Read(time.Millisecond)
	require.True(t, ok)
	_, ok = c.Read(5 * time.Millisecond)
	require.False(t, ok)

	// arrives after the reader gave up but before Close
	r.Deliver(l, pkt(10, 40, 1, 10, 2))
	before := metrics.Snap().RouterDrops
	require.NoError(t, c.Close())

	c2, ok := r.Listen().Accept(10 * time.Millisecond)
	require.True(t, ok, "late packet must open a new connection")
	assert.NotSame(t, c, c2)
	assert.Equal(t, c.Identity(), c2.Identity())
	p, ok := c2.Read(time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, p.Data)
	assert.Equal(t, before, metrics.Snap().RouterDrops)

	// the key now belongs to c2
	r.Deliver(l, pkt(10, 40, 1, 10, 3))
	p, ok = c2.Read(time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, []byte{3}, p.Data)
}

func TestCloseCountsLatePacketsWhenBacklogFull(t *testing.T) {
	r := New(1, WithBacklog(1))
	l := &captureLink{}
	r.Deliver(l, pkt(10, 40, 1, 10, 1))
	c, ok := r.Listen().Accept(0)
	require.True(t, ok)
	_, ok = c.Read(time.Millisecond)
	require.True(t, ok)

	r.Deliver(l, pkt(10, 40, 1, 10, 2))
	r.Deliver(l, pkt(10, 40, 1, 10, 3))
	r.Deliver(l, pkt(11, 40, 1, 10, 9)) // fills the backlog
	before := metrics.Snap().RouterDrops
	require.NoError(t, c.Close())
	assert.Equal(t, before+2, metrics.Snap().RouterDrops)

	c2, ok := r.Listen().Accept(0)
	require.True(t, ok)
	assert.Equal(t, uint8(11), c2.Identity().Source)
	_, ok = r.Listen().Accept(0)
	assert.False(t, ok)
}

func TestBacklogBound(t *testing.T) {
	r := New(1, WithBacklog(2))
	l := &captureLink{}
	before := metrics.Snap().RouterDrops
	for sport := uint8(40); sport < 43; sport++ {
		r.Deliver(l, pkt(10, sport, 1, 10, 1))
	}
	assert.Equal(t, 0, r.BufFree())
	assert.Equal(t, before+1, metrics.Snap().RouterDrops)
	_, ok := r.Listen().Accept(0)
	require.True(t, ok)
	assert.Equal(t, 1, r.BufFree())

	// the dropped key was never registered, so it opens a connection now
	r.Deliver(l, pkt(10, 42, 1, 10, 1))
	assert.Equal(t, 0, r.BufFree())
}

func TestQueueBound(t *testing.T) {
	r := New(1, WithQueueLen(2))
	l := &captureLink{}
	before := metrics.Snap().RouterDrops
	for i := 0; i < 4; i++ {
		r.Deliver(l, pkt(10, 40, 1, 10, byte(i)))
	}
	assert.Equal(t, before+2, metrics.Snap().RouterDrops)
}

func TestSendReplySwapsAddressing(t *testing.T) {
	r := New(1)
	l := &captureLink{}
	req := pkt(10, 40, 1, 10, 7)
	r.Deliver(l, req)
	c, ok := r.Listen().Accept(0)
	require.True(t, ok)
	require.NoError(t, c.SendReply(req, []byte{8}, time.Second))
	require.Len(t, l.sent, 1)
	got := l.sent[0]
	assert.Equal(t, uint8(1), got.Source)
	assert.Equal(t, uint8(10), got.Destination)
	assert.Equal(t, uint8(10), got.SourcePort)
	assert.Equal(t, uint8(40), got.DestPort)
	assert.Equal(t, uint8(csp.PrioHigh), got.Priority)
	assert.Zero(t, got.Flags)
	assert.Equal(t, []byte{8}, got.Data)
}

func TestSendReplyErrors(t *testing.T) {
	r := New(1)
	boom := errors.New("boom")
	l := &captureLink{err: boom}
	req := pkt(10, 40, 1, 10, 7)
	r.Deliver(l, req)
	c, _ := r.Listen().Accept(0)
	require.ErrorIs(t, c.SendReply(req, nil, time.Second), boom)
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.SendReply(req, nil, time.Second), ErrConnClosed)
}

func TestAcceptTimeoutAndStop(t *testing.T) {
	r := New(1)
	start := time.Now()
	_, ok := r.Listen().Accept(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	go func() { time.Sleep(10 * time.Millisecond); r.Stop() }()
	start = time.Now()
	_, ok = r.Listen().Accept(5 * time.Second)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}
