package csp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the on-wire size of a version 1 header.
const HeaderSize = 4

// Header flag bits (lower nibble).
const (
	FlagCRC32 = 0x01
	FlagRDP   = 0x02
	FlagXTEA  = 0x04
	FlagHMAC  = 0x08
)

// Priorities.
const (
	PrioCritical uint8 = 0
	PrioHigh     uint8 = 1
	PrioNorm     uint8 = 2
	PrioLow      uint8 = 3
)

// Field widths and positions of the 32-bit header (MSB = bit 31).
const (
	prioShift  = 30
	srcShift   = 25
	dstShift   = 20
	dportShift = 14
	sportShift = 8
	resShift   = 4

	prioMask  = 0x03
	addrMask  = 0x1F
	portMask  = 0x3F
	resMask   = 0x0F
	flagsMask = 0x0F
)

// MaxAddress is the largest node address; it doubles as the broadcast address.
const MaxAddress = addrMask

// MaxPort is the largest port number.
const MaxPort = portMask

// ErrShortPacket is returned when a buffer cannot hold a header.
var ErrShortPacket = errors.New("csp: packet shorter than header")

// Header is the decoded addressing header of a packet.
//
// Every 32-bit value is a structurally valid header; whether a port or
// address means anything is up to the layers above.
type Header struct {
	Priority    uint8
	Source      uint8
	Destination uint8
	DestPort    uint8
	SourcePort  uint8
	Reserved    uint8
	Flags       uint8
}

// Decode unpacks a header word. It never fails.
func Decode(w uint32) Header {
	return Header{
		Priority:    uint8(w>>prioShift) & prioMask,
		Source:      uint8(w>>srcShift) & addrMask,
		Destination: uint8(w>>dstShift) & addrMask,
		DestPort:    uint8(w>>dportShift) & portMask,
		SourcePort:  uint8(w>>sportShift) & portMask,
		Reserved:    uint8(w>>resShift) & resMask,
		Flags:       uint8(w) & flagsMask,
	}
}

// Encode packs h into a header word.
//
// Fields wider than their slot are masked to the declared width so Encode is
// total. Callers must not rely on that truncation; keep fields in range.
func Encode(h Header) uint32 {
	return uint32(h.Priority&prioMask)<<prioShift |
		uint32(h.Source&addrMask)<<srcShift |
		uint32(h.Destination&addrMask)<<dstShift |
		uint32(h.DestPort&portMask)<<dportShift |
		uint32(h.SourcePort&portMask)<<sportShift |
		uint32(h.Reserved&resMask)<<resShift |
		uint32(h.Flags&flagsMask)
}

// Uint32 is shorthand for Encode(h).
func (h Header) Uint32() uint32 { return Encode(h) }

// PutHeader writes h big-endian into b[:4]. b must hold HeaderSize bytes.
func PutHeader(b []byte, h Header) { binary.BigEndian.PutUint32(b[:HeaderSize], Encode(h)) }

// ReadHeader decodes the header at the start of b.
func ReadHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w (%d bytes)", ErrShortPacket, len(b))
	}
	return Decode(binary.BigEndian.Uint32(b[:HeaderSize])), nil
}

// Identity returns the connection identity carried by h.
func (h Header) Identity() Identity {
	return Identity{Source: h.Source, SourcePort: h.SourcePort, Destination: h.Destination, DestPort: h.DestPort}
}

func (h Header) String() string {
	return fmt.Sprintf("Pri: %d Src: %d Dst: %d Dport: %d Sport: %d Flags: 0x%X",
		h.Priority, h.Source, h.Destination, h.DestPort, h.SourcePort, h.Flags)
}

// Identity is the header-derived identity of a connection.
type Identity struct {
	Source      uint8
	SourcePort  uint8
	Destination uint8
	DestPort    uint8
}

// Reply returns the identity a response travels under: addresses and ports swapped.
func (id Identity) Reply() Identity {
	return Identity{Source: id.Destination, SourcePort: id.DestPort, Destination: id.Source, DestPort: id.SourcePort}
}
