// Package kiss implements KISS byte-stuffed framing used to carry CSP packets
// over byte streams (UART, TCP).
package kiss

import (
	"errors"

	"github.com/kstaniek/go-csp-server/internal/metrics"
)

const (
	FEND  = 0xC0
	FESC  = 0xDB
	TFEND = 0xDC
	TFESC = 0xDD

	// CmdData is the data frame command on port 0.
	CmdData = 0x00
)

// DefaultMaxFrame bounds a decoded frame (header + 256 byte MTU + slack).
const DefaultMaxFrame = 4 + 256 + 16

// ErrFrameTooLarge is reported when a frame exceeds the decoder limit.
var ErrFrameTooLarge = errors.New("kiss: frame too large")

// Encode wraps payload into a single KISS data frame.
func Encode(payload []byte) []byte {
	return AppendEncode(make([]byte, 0, len(payload)+len(payload)/8+3), payload)
}

// AppendEncode appends the KISS frame for payload to dst.
func AppendEncode(dst, payload []byte) []byte {
	dst = append(dst, FEND, CmdData)
	for _, b := range payload {
		switch b {
		case FEND:
			dst = append(dst, FESC, TFEND)
		case FESC:
			dst = append(dst, FESC, TFESC)
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, FEND)
}

// Decoder reassembles frames from arbitrary stream chunks. Not safe for
// concurrent use; one decoder per stream.
type Decoder struct {
	max     int
	buf     []byte
	inFrame bool
	escaped bool
	bad     bool
}

// NewDecoder returns a decoder rejecting frames longer than max bytes
// (max <= 0 selects DefaultMaxFrame).
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &Decoder{max: max, buf: make([]byte, 0, max+1)}
}

// Feed consumes p and calls out for each complete data frame. The slice
// passed to out is only valid during the call. Feed returns the number of
// frames dropped as malformed or oversize.
func (d *Decoder) Feed(p []byte, out func([]byte)) (dropped int) {
	for _, b := range p {
		if b == FEND {
			if d.inFrame && len(d.buf) > 0 {
				if d.finish(out) {
					dropped++
				}
			}
			d.inFrame = true
			d.reset()
			continue
		}
		if !d.inFrame {
			continue // noise before first delimiter
		}
		if d.escaped {
			d.escaped = false
			switch b {
			case TFEND:
				b = FEND
			case TFESC:
				b = FESC
			default:
				d.bad = true
				continue
			}
		} else if b == FESC {
			d.escaped = true
			continue
		}
		if d.bad {
			continue
		}
		// +1 for the command byte
		if len(d.buf) >= d.max+1 {
			d.bad = true
			continue
		}
		d.buf = append(d.buf, b)
	}
	return dropped
}

// finish delivers the buffered frame; it reports true when the frame was dropped.
func (d *Decoder) finish(out func([]byte)) bool {
	if d.bad || d.escaped {
		metrics.IncMalformed()
		return true
	}
	if d.buf[0]&0x0F != CmdData {
		return false // non-data command (TXDELAY etc.), ignored
	}
	if len(d.buf) > 1 {
		out(d.buf[1:])
	}
	return false
}

func (d *Decoder) reset() {
	d.buf = d.buf[:0]
	d.escaped = false
	d.bad = false
}
