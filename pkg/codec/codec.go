// Package codec holds the serialization capabilities injected into topic
// dispatchers and procedure endpoints.
//
// Codecs append into caller-provided storage so the transport can serialize
// straight into the datagram buffer. Decoders MUST NOT retain the slice they
// are given: it belongs to a recycled receive buffer.
package codec

import "errors"

var (
	ErrDecode = errors.New("codec: malformed input")
)

// Codec encodes and decodes values of type T.
type Codec[T any] interface {
	// Append appends the encoding of v to dst and returns the extended slice.
	Append(dst []byte, v T) ([]byte, error)
	// Decode parses b, which is only valid for the duration of the call.
	Decode(b []byte) (T, error)
}

// Bytes passes raw byte slices through, copying on decode.
type Bytes struct{}

var _ Codec[[]byte] = Bytes{}

func (Bytes) Append(dst []byte, v []byte) ([]byte, error) {
	return append(dst, v...), nil
}

func (Bytes) Decode(b []byte) ([]byte, error) {
	cloned := make([]byte, len(b))
	copy(cloned, b)
	return cloned, nil
}

// String encodes strings as their raw UTF-8 bytes.
type String struct{}

var _ Codec[string] = String{}

func (String) Append(dst []byte, v string) ([]byte, error) {
	return append(dst, v...), nil
}

func (String) Decode(b []byte) (string, error) {
	return string(b), nil
}
