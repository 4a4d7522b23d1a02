package csp

// Well-known service ports.
const (
	PortCMP     uint8 = 0
	PortPing    uint8 = 1
	PortPS      uint8 = 2
	PortMemFree uint8 = 3
	PortReboot  uint8 = 4
	PortBufFree uint8 = 5
	PortUptime  uint8 = 6
)

// MaxServicePort is the highest port served by the generic service handler.
const MaxServicePort = PortUptime

// DefaultMTU is the default maximum data length of a packet.
const DefaultMTU = 256

// Packet is a header plus its data. Data never aliases a transport buffer.
type Packet struct {
	Header
	Data []byte
}

// ParsePacket splits a raw packet into header and a copy of the data.
func ParsePacket(b []byte) (Packet, error) {
	h, err := ReadHeader(b)
	if err != nil {
		return Packet{}, err
	}
	data := make([]byte, len(b)-HeaderSize)
	copy(data, b[HeaderSize:])
	return Packet{Header: h, Data: data}, nil
}

// Marshal returns the wire form of p.
func (p Packet) Marshal() []byte {
	return p.AppendTo(make([]byte, 0, HeaderSize+len(p.Data)))
}

// AppendTo appends the wire form of p to b.
func (p Packet) AppendTo(b []byte) []byte {
	w := Encode(p.Header)
	b = append(b, byte(w>>24), byte(w>>16), byte(w>>8), byte(w))
	return append(b, p.Data...)
}

// Len is the wire length of p.
func (p Packet) Len() int { return HeaderSize + len(p.Data) }

// NewReply builds the reply to req: identity swapped, priority kept, flags
// and reserved bits cleared.
func NewReply(req Header, data []byte) Packet {
	id := req.Identity().Reply()
	return Packet{
		Header: Header{
			Priority:    req.Priority,
			Source:      id.Source,
			SourcePort:  id.SourcePort,
			Destination: id.Destination,
			DestPort:    id.DestPort,
		},
		Data: data,
	}
}
