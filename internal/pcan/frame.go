// Package pcan decodes the UDP encapsulation used by PEAK-System CAN/CAN-FD
// Ethernet gateways. Each datagram carries one or more fixed-layout records,
// every record holding exactly one bus frame.
package pcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-csp-server/internal/can"
)

// FrameType is the record type tag (low byte of the message type field).
type FrameType uint8

const (
	TypeCAN      FrameType = 0x80
	TypeCANCRC   FrameType = 0x81
	TypeCANFD    FrameType = 0x90
	TypeCANFDCRC FrameType = 0x91
)

func (t FrameType) String() string {
	switch t {
	case TypeCAN:
		return "CAN 2.0a/b"
	case TypeCANCRC:
		return "CAN 2.0a/b with CRC"
	case TypeCANFD:
		return "CAN FD"
	case TypeCANFDCRC:
		return "CAN FD with CRC"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(t))
	}
}

// Known reports whether t is one of the four CAN record types.
func (t FrameType) Known() bool {
	switch t {
	case TypeCAN, TypeCANCRC, TypeCANFD, TypeCANFDCRC:
		return true
	}
	return false
}

// IsFD reports whether t is a CAN-FD record type.
func (t FrameType) IsFD() bool { return t == TypeCANFD || t == TypeCANFDCRC }

// Record layout.
const (
	HeaderSize = 28

	offLength  = 0
	offType    = 3
	offTSLow   = 12
	offTSHigh  = 16
	offChannel = 20
	offDLC     = 21
	offFlags   = 22
	offID      = 24

	minTypeLen = offType + 1
)

// Status flag bits (offsets 22..23).
const (
	FlagErrorState         = 0x40
	FlagBitRateSwitch      = 0x20
	FlagExtendedDataLength = 0x10
)

// CAN ID word bits (offsets 24..27).
const (
	idExtended = 0x80000000
	idRemote   = 0x40000000
	idMask     = 0x3FFFFFFF
)

var (
	// ErrTruncated is returned when a buffer ends before a required field or the payload.
	ErrTruncated = errors.New("pcan: truncated frame")
	// ErrUnknownFrameType is returned when the type tag is not a CAN record.
	ErrUnknownFrameType = errors.New("pcan: not a CAN frame")
	// ErrInvalidDlc is returned when a DLC has no entry in the length table.
	ErrInvalidDlc = errors.New("pcan: invalid dlc")
)

// Frame is one decoded gateway record.
type Frame struct {
	Type               FrameType
	Channel            uint8
	Timestamp          uint64 // microseconds, gateway clock
	ErrorState         bool
	BitRateSwitch      bool
	ExtendedDataLength bool
	Extended           bool // 29-bit identifier
	Remote             bool // remote transmission request
	ID                 uint32
	DLC                uint8
	Data               []byte
}

// lengthForDLC is the only place the DLC table is consulted.
func lengthForDLC(dlc int) (int, error) {
	n, ok := can.DLCToLen(dlc)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDlc, dlc)
	}
	return n, nil
}

// Decode decodes a single record from b. It is pure; the returned Data is a copy.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if len(b) < minTypeLen {
		return f, fmt.Errorf("%w: %d bytes, need %d for type", ErrTruncated, len(b), minTypeLen)
	}
	f.Type = FrameType(b[offType])
	if !f.Type.Known() {
		return f, fmt.Errorf("%w: type 0x%02X", ErrUnknownFrameType, b[offType])
	}
	if len(b) < HeaderSize {
		return f, fmt.Errorf("%w: %d bytes, need %d for header", ErrTruncated, len(b), HeaderSize)
	}

	flags := binary.BigEndian.Uint16(b[offFlags : offFlags+2])
	f.ErrorState = flags&FlagErrorState != 0
	f.BitRateSwitch = flags&FlagBitRateSwitch != 0
	f.ExtendedDataLength = flags&FlagExtendedDataLength != 0

	word := binary.BigEndian.Uint32(b[offID : offID+4])
	f.Extended = word&idExtended != 0
	f.Remote = word&idRemote != 0
	f.ID = word & idMask

	f.DLC = b[offDLC]
	n, err := lengthForDLC(int(f.DLC))
	if err != nil {
		return f, err
	}
	if len(b) < HeaderSize+n {
		return f, fmt.Errorf("%w: %d bytes, dlc %d needs %d", ErrTruncated, len(b), f.DLC, HeaderSize+n)
	}

	f.Channel = b[offChannel]
	f.Timestamp = uint64(binary.BigEndian.Uint32(b[offTSHigh:offTSHigh+4]))<<32 |
		uint64(binary.BigEndian.Uint32(b[offTSLow:offTSLow+4]))
	f.Data = make([]byte, n)
	copy(f.Data, b[HeaderSize:HeaderSize+n])
	return f, nil
}

// DecodeAll walks every record of a datagram using the per-record length field.
// Records with an unknown type are skipped; the count of skipped records is
// returned alongside the number decoded. Any other error stops the walk.
// A zero length field means the sender left it blank: the rest of the
// datagram is decoded as a single record.
func DecodeAll(b []byte, onFrame func(Frame)) (decoded, skipped int, err error) {
	for len(b) > 0 {
		if len(b) < 2 {
			return decoded, skipped, fmt.Errorf("%w: %d trailing bytes", ErrTruncated, len(b))
		}
		ln := int(binary.BigEndian.Uint16(b[offLength : offLength+2]))
		if ln == 0 {
			ln = len(b)
		}
		if ln < minTypeLen || ln > len(b) {
			return decoded, skipped, fmt.Errorf("%w: record length %d, %d bytes left", ErrTruncated, ln, len(b))
		}
		fr, err := Decode(b[:ln])
		switch {
		case err == nil:
			onFrame(fr)
			decoded++
		case errors.Is(err, ErrUnknownFrameType):
			skipped++
		default:
			return decoded, skipped, err
		}
		b = b[ln:]
	}
	return decoded, skipped, nil
}

// Encode builds a record for f. The CRC trailer is never written, so the
// CRC record types are emitted as their plain counterparts.
func Encode(f Frame) []byte {
	typ := f.Type
	switch typ {
	case TypeCANCRC:
		typ = TypeCAN
	case TypeCANFDCRC:
		typ = TypeCANFD
	case TypeCAN, TypeCANFD:
	default:
		typ = TypeCAN
		if len(f.Data) > can.MaxClassicLen {
			typ = TypeCANFD
		}
	}
	dlc := f.DLC
	if n, ok := can.DLCToLen(int(dlc)); !ok || n != len(f.Data) {
		dlc = can.LenToDLC(len(f.Data))
	}
	n, _ := can.DLCToLen(int(dlc))
	b := make([]byte, HeaderSize+n)
	binary.BigEndian.PutUint16(b[offLength:], uint16(len(b)))
	b[offType] = byte(typ)
	binary.BigEndian.PutUint32(b[offTSLow:], uint32(f.Timestamp))
	binary.BigEndian.PutUint32(b[offTSHigh:], uint32(f.Timestamp>>32))
	b[offChannel] = f.Channel
	b[offDLC] = dlc

	var flags uint16
	if f.ErrorState {
		flags |= FlagErrorState
	}
	if f.BitRateSwitch {
		flags |= FlagBitRateSwitch
	}
	if f.ExtendedDataLength || typ == TypeCANFD {
		flags |= FlagExtendedDataLength
	}
	binary.BigEndian.PutUint16(b[offFlags:], flags)

	word := f.ID & idMask
	if f.Extended {
		word |= idExtended
	}
	if f.Remote {
		word |= idRemote
	}
	binary.BigEndian.PutUint32(b[offID:], word)
	copy(b[HeaderSize:], f.Data)
	return b
}

// CAN converts f to the SocketCAN-style frame holder.
func (f Frame) CAN() can.Frame {
	var c can.Frame
	if f.Extended {
		c.CANID = f.ID&can.CAN_EFF_MASK | can.CAN_EFF_FLAG
	} else {
		c.CANID = f.ID & can.CAN_SFF_MASK
	}
	if f.Remote {
		c.CANID |= can.CAN_RTR_FLAG
	}
	if f.Type.IsFD() {
		c.Flags |= can.FlagFDF
	}
	if f.BitRateSwitch {
		c.Flags |= can.FlagBRS
	}
	if f.ErrorState {
		c.Flags |= can.FlagESI
	}
	c.Len = uint8(copy(c.Data[:], f.Data))
	return c
}
