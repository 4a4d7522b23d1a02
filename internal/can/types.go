package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

const (
	// MaxClassicLen is the largest classic CAN payload.
	MaxClassicLen = 8
	// MaxFDLen is the largest CAN-FD payload.
	MaxFDLen = 64
	// MaxDLC is the largest 4-bit data length code.
	MaxDLC = 15
)

// dlcToLen maps a data length code to a payload length (ISO 11898-7).
// Classic CAN stops at 8; FD uses the discontiguous tail.
var dlcToLen = [MaxDLC + 1]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen returns the payload length for dlc; ok is false when dlc is outside 0..15.
func DLCToLen(dlc int) (n int, ok bool) {
	if dlc < 0 || dlc >= len(dlcToLen) {
		return 0, false
	}
	return int(dlcToLen[dlc]), true
}

// LenToDLC returns the smallest DLC whose length holds n bytes.
// n > 64 maps to MaxDLC.
func LenToDLC(n int) uint8 {
	for dlc, l := range dlcToLen {
		if int(l) >= n {
			return uint8(dlc)
		}
	}
	return MaxDLC
}

// Frame is a CAN / CAN-FD frame holder.
// CANID carries EFF/RTR flags in its upper bits like SocketCAN.
// Len is payload length; only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Flags uint8
	Data  [MaxFDLen]byte
}

// FD frame flags (same values as <linux/can.h> canfd_frame.flags).
const (
	FlagBRS = 0x01 // bit rate switch
	FlagESI = 0x02 // error state indicator
	FlagFDF = 0x04 // FD frame
)

// IsFD reports whether the frame uses the FD format.
func (f Frame) IsFD() bool { return f.Flags&FlagFDF != 0 || f.Len > MaxClassicLen }

// Payload returns the valid data bytes.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }
