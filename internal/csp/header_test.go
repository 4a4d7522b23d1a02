package csp

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFieldLayout(t *testing.T) {
	// pri=2 src=27 dst=1 dport=10 sport=33 res=0x5 flags=0x9
	w := uint32(2)<<30 | uint32(27)<<25 | uint32(1)<<20 | uint32(10)<<14 | uint32(33)<<8 | 0x5<<4 | 0x9
	h := Decode(w)
	assert.Equal(t, Header{Priority: 2, Source: 27, Destination: 1, DestPort: 10, SourcePort: 33, Reserved: 5, Flags: 9}, h)
	assert.Equal(t, w, Encode(h))
}

func TestEncodeDecodeWordRoundTrip(t *testing.T) {
	words := []uint32{0, 0xFFFFFFFF, 0x80000000, 0x00000001, 0xDEADBEEF, 0x12345678, 0x000000F0}
	// walk the whole space with a prime stride
	for w := uint64(0); w <= 0xFFFFFFFF; w += 65521 {
		words = append(words, uint32(w))
	}
	for _, w := range words {
		require.Equalf(t, w, Encode(Decode(w)), "word 0x%08X", w)
	}
}

func TestDecodeEncodeHeaderRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		h := Header{
			Priority:    uint8(r.Intn(4)),
			Source:      uint8(r.Intn(32)),
			Destination: uint8(r.Intn(32)),
			DestPort:    uint8(r.Intn(64)),
			SourcePort:  uint8(r.Intn(64)),
			Reserved:    uint8(r.Intn(16)),
			Flags:       uint8(r.Intn(16)),
		}
		require.Equal(t, h, Decode(Encode(h)))
	}
}

func TestEncodeMasksOutOfRangeFields(t *testing.T) {
	h := Header{Priority: 0xFF, Source: 0xFF, Destination: 0xFF, DestPort: 0xFF, SourcePort: 0xFF, Reserved: 0xFF, Flags: 0xFF}
	assert.Equal(t, uint32(0xFFFFFFFF), Encode(h))
	// a too-wide source must not bleed into priority
	assert.Equal(t, uint8(0), Decode(Encode(Header{Source: 0x20})).Priority)
}

func TestReadHeaderShort(t *testing.T) {
	_, err := ReadHeader([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortPacket)
}

func TestPutHeaderBigEndian(t *testing.T) {
	b := make([]byte, HeaderSize)
	PutHeader(b, Decode(0x01020304))
	assert.Equal(t, []byte{1, 2, 3, 4}, b)
	h, err := ReadHeader(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), h.Uint32())
}

func TestIdentityReply(t *testing.T) {
	id := Identity{Source: 3, SourcePort: 40, Destination: 27, DestPort: 10}
	assert.Equal(t, Identity{Source: 27, SourcePort: 10, Destination: 3, DestPort: 40}, id.Reply())
	assert.Equal(t, id, id.Reply().Reply())
}

func TestHeaderString(t *testing.T) {
	h := Header{Priority: 2, Source: 1, Destination: 27, DestPort: 10, SourcePort: 33, Flags: FlagCRC32}
	assert.Equal(t, "Pri: 2 Src: 1 Dst: 27 Dport: 10 Sport: 33 Flags: 0x1", h.String())
}

func FuzzHeaderRoundTrip(f *testing.F) {
	f.Add(uint32(0))
	f.Add(uint32(0xFFFFFFFF))
	f.Add(uint32(0x9A4A2100))
	f.Fuzz(func(t *testing.T, w uint32) {
		if got := Encode(Decode(w)); got != w {
			t.Fatalf("round trip 0x%08X -> 0x%08X", w, got)
		}
	})
}
