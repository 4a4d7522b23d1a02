package pcan

import (
	"fmt"
	"strings"
)

// FormatData renders payload bytes as DB[nn]:0xXX cells, eight per row.
func FormatData(data []byte) string {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			if i%8 == 0 {
				sb.WriteByte('\n')
			} else {
				sb.WriteByte(' ')
			}
		}
		fmt.Fprintf(&sb, "DB[%02d]:0x%02X", i, b)
	}
	return sb.String()
}

func (f Frame) String() string {
	idKind := "Std 11 Bit"
	if f.Extended {
		idKind = "Ext 29 Bit"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s Frame ch=%d %s", f.Type, f.Channel, idKind)
	if f.Remote {
		sb.WriteString(" RTR")
	}
	if f.ErrorState {
		sb.WriteString(" ESI")
	}
	if f.BitRateSwitch {
		sb.WriteString(" BRS")
	}
	if f.ExtendedDataLength {
		sb.WriteString(" EDL")
	}
	fmt.Fprintf(&sb, " id=0x%X dlc=%d len=%d", f.ID, f.DLC, len(f.Data))
	return sb.String()
}
