package frame

import (
	"fmt"

	"github.com/israelio/amqp10-go/internal/proto"
)

// HeaderSize is the fixed frame header length: 4-byte size, DOFF, type, channel.
const HeaderSize = 8

// Frame types carried in the header's TYPE octet.
const (
	TypeAMQP = 0x00
	TypeSASL = 0x01
)

// Frame represents one raw frame: a type octet, a channel, and the body
// bytes that follow the 8-byte header (extended header stripped).
type Frame struct {
	Type    uint8
	Channel uint16
	Body    []byte
}

// NewAMQPFrame creates an AMQP frame carrying the given body.
func NewAMQPFrame(channel uint16, body []byte) *Frame {
	return &Frame{Type: TypeAMQP, Channel: channel, Body: body}
}

// NewSASLFrame creates a SASL frame. SASL frames always use channel 0.
func NewSASLFrame(body []byte) *Frame {
	return &Frame{Type: TypeSASL, Channel: 0, Body: body}
}

// NewHeartbeatFrame creates an empty frame, used as a keepalive.
func NewHeartbeatFrame() *Frame {
	return &Frame{Type: TypeAMQP, Channel: 0}
}

// IsHeartbeat reports whether the frame is an empty keepalive frame.
func (f *Frame) IsHeartbeat() bool {
	return f.Type == TypeAMQP && len(f.Body) == 0
}

// String returns a string representation of the frame.
func (f *Frame) String() string {
	var frameType string
	switch f.Type {
	case TypeAMQP:
		if f.IsHeartbeat() {
			frameType = "HEARTBEAT"
		} else {
			frameType = "AMQP"
		}
	case TypeSASL:
		frameType = "SASL"
	default:
		frameType = fmt.Sprintf("UNKNOWN(%d)", f.Type)
	}

	return fmt.Sprintf("Frame{type=%s, channel=%d, size=%d}", frameType, f.Channel, len(f.Body))
}

// ProtocolHeader is the 8-byte preamble exchanged before any frames.
type ProtocolHeader struct {
	ProtoID  uint8
	Major    uint8
	Minor    uint8
	Revision uint8
}

// Bytes renders the header in wire form.
func (h ProtocolHeader) Bytes() []byte {
	return []byte{'A', 'M', 'Q', 'P', h.ProtoID, h.Major, h.Minor, h.Revision}
}

// String returns a string representation of the protocol header.
func (h ProtocolHeader) String() string {
	return fmt.Sprintf("AMQP(%d, %d.%d.%d)", h.ProtoID, h.Major, h.Minor, h.Revision)
}

// Headers for the three protocol layers this engine speaks.
var (
	HeaderAMQP = ProtocolHeader{ProtoID: proto.ProtoIDAMQP, Major: proto.VersionMajor, Minor: proto.VersionMinor, Revision: proto.VersionRevision}
	HeaderTLS  = ProtocolHeader{ProtoID: proto.ProtoIDTLS, Major: proto.VersionMajor, Minor: proto.VersionMinor, Revision: proto.VersionRevision}
	HeaderSASL = ProtocolHeader{ProtoID: proto.ProtoIDSASL, Major: proto.VersionMajor, Minor: proto.VersionMinor, Revision: proto.VersionRevision}
)

// ParseProtocolHeader validates the 8-byte preamble.
func ParseProtocolHeader(raw []byte) (ProtocolHeader, error) {
	if len(raw) != 8 {
		return ProtocolHeader{}, fmt.Errorf("protocol header is %d bytes, want 8", len(raw))
	}
	if raw[0] != 'A' || raw[1] != 'M' || raw[2] != 'Q' || raw[3] != 'P' {
		return ProtocolHeader{}, fmt.Errorf("bad protocol header prefix %q", raw[:4])
	}
	h := ProtocolHeader{ProtoID: raw[4], Major: raw[5], Minor: raw[6], Revision: raw[7]}
	switch h.ProtoID {
	case proto.ProtoIDAMQP, proto.ProtoIDTLS, proto.ProtoIDSASL:
	default:
		return ProtocolHeader{}, fmt.Errorf("unknown protocol id %d", h.ProtoID)
	}
	if h.Major != proto.VersionMajor || h.Minor != proto.VersionMinor || h.Revision != proto.VersionRevision {
		return h, fmt.Errorf("unsupported protocol version %d.%d.%d", h.Major, h.Minor, h.Revision)
	}
	return h, nil
}
