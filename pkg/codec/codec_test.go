package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestBytes_DecodeDoesNotAlias(t *testing.T) {
	src := []byte("hello")
	out, err := Bytes{}.Decode(src)
	require.NoError(t, err)

	src[0] = 'j'
	require.Equal(t, "hello", string(out))
}

func TestCodecs_AppendKeepsPrefix(t *testing.T) {
	prefix := []byte{0xCA, 0xFE}

	buf, err := String{}.Append(append([]byte{}, prefix...), "temp")
	require.NoError(t, err)
	require.Equal(t, prefix, buf[:2])
	s, err := String{}.Decode(buf[2:])
	require.NoError(t, err)
	require.Equal(t, "temp", s)

	type reading struct {
		Sensor string  `json:"sensor"`
		Value  float64 `json:"value"`
	}
	jc := NewJSON[reading]()
	buf, err = jc.Append(append([]byte{}, prefix...), reading{Sensor: "s1", Value: 21.5})
	require.NoError(t, err)
	require.Equal(t, prefix, buf[:2])
	r, err := jc.Decode(buf[2:])
	require.NoError(t, err)
	require.Equal(t, reading{Sensor: "s1", Value: 21.5}, r)

	pc := NewProto[*wrapperspb.DoubleValue]()
	buf, err = pc.Append(append([]byte{}, prefix...), wrapperspb.Double(21.5))
	require.NoError(t, err)
	require.Equal(t, prefix, buf[:2])
	d, err := pc.Decode(buf[2:])
	require.NoError(t, err)
	require.True(t, proto.Equal(wrapperspb.Double(21.5), d))
}

func TestCodecs_MalformedInput(t *testing.T) {
	_, err := NewJSON[map[string]int]().Decode([]byte("{not json"))
	require.ErrorIs(t, err, ErrDecode)

	// field 1, wire type 1 (fixed64) truncated.
	_, err = NewProto[*wrapperspb.DoubleValue]().Decode([]byte{0x09, 0x01})
	require.ErrorIs(t, err, ErrDecode)
}
