package darc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of a packet header, all fields at fixed offsets:
//
//	offset  size  field
//	0       2     magic "DC" (0x44 0x43)
//	2       1     version
//	3       1     payload type
//	4       16    sender ID (raw UUID bytes)
//
// The header is immediately followed by the payload. There is no length
// field: a datagram is always exactly one packet.
const (
	Magic0        uint8 = 0x44
	Magic1        uint8 = 0x43
	HeaderVersion uint8 = 1

	HeaderSize = 4 + IDSize

	// MaxHeaderSize is the headroom reserved in front of every outbound
	// payload. Later header versions may grow up to this size.
	MaxHeaderSize = 512

	// MaxNameLength bounds topic and procedure names.
	MaxNameLength = 255
)

type PayloadType uint8

const (
	PayloadDiscover PayloadType = iota + 1
	PayloadMessage
	PayloadCall
	PayloadReturn
	PayloadStatus
)

func (pt PayloadType) Valid() bool {
	return pt >= PayloadDiscover && pt <= PayloadStatus
}

func (pt PayloadType) String() string {
	switch pt {
	case PayloadDiscover:
		return "discover"
	case PayloadMessage:
		return "message"
	case PayloadCall:
		return "call"
	case PayloadReturn:
		return "return"
	case PayloadStatus:
		return "status"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(pt))
	}
}

type Header struct {
	Sender ID
	Type   PayloadType
}

// Write encodes h at the start of buf and returns the number of bytes written.
// It never allocates.
func (h Header) Write(buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrHeaderCapacity, HeaderSize, len(buf))
	}
	if !h.Type.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPayloadType, h.Type)
	}
	buf[0] = Magic0
	buf[1] = Magic1
	buf[2] = HeaderVersion
	buf[3] = byte(h.Type)
	copy(buf[4:HeaderSize], h.Sender[:])
	return HeaderSize, nil
}

// ReadHeader decodes a header from the start of buf and returns it with the
// number of bytes consumed. A truncated or foreign datagram is an error.
func ReadHeader(buf []byte) (Header, int, error) {
	if len(buf) < HeaderSize {
		return Header{}, 0, fmt.Errorf("%w: got %d bytes", ErrHeaderTruncated, len(buf))
	}
	if buf[0] != Magic0 || buf[1] != Magic1 {
		return Header{}, 0, ErrBadMagic
	}
	if buf[2] != HeaderVersion {
		return Header{}, 0, fmt.Errorf("%w: %d", ErrHeaderVersion, buf[2])
	}
	pt := PayloadType(buf[3])
	if !pt.Valid() {
		return Header{}, 0, fmt.Errorf("%w: %d", ErrUnknownPayloadType, buf[3])
	}

	var h Header
	h.Type = pt
	copy(h.Sender[:], buf[4:HeaderSize])
	return h, HeaderSize, nil
}

// appendEnvelope prefixes the body of Message, Call, Return and Status
// payloads with the topic or procedure name they belong to:
//
//	[uvarint name length][name bytes][body]
func appendEnvelope(dst []byte, name string) ([]byte, error) {
	if len(name) == 0 || len(name) > MaxNameLength {
		return dst, fmt.Errorf("%w: name length %d", ErrNameInvalid, len(name))
	}
	dst = protowire.AppendVarint(dst, uint64(len(name)))
	return append(dst, name...), nil
}

// readEnvelope splits a payload into name and body. body aliases b.
func readEnvelope(b []byte) (name string, body []byte, err error) {
	size, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return "", nil, fmt.Errorf("%w: %w", ErrEnvelope, protowire.ParseError(n))
	}
	if size == 0 || size > MaxNameLength || uint64(len(b)-n) < size {
		return "", nil, fmt.Errorf("%w: invalid name length %d", ErrEnvelope, size)
	}
	end := n + int(size)
	return string(b[n:end]), b[end:], nil
}
