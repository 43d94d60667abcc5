package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Proto encodes protobuf messages, marshalling in place into dst.
type Proto[Msg proto.Message] struct{}

func NewProto[Msg proto.Message]() Proto[Msg] {
	return Proto[Msg]{}
}

func (Proto[Msg]) Append(dst []byte, v Msg) ([]byte, error) {
	return proto.MarshalOptions{}.MarshalAppend(dst, v)
}

func (Proto[Msg]) Decode(b []byte) (Msg, error) {
	var allocated Msg
	allocated = allocated.ProtoReflect().New().Interface().(Msg)
	if err := proto.Unmarshal(b, allocated); err != nil {
		return allocated, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return allocated, nil
}
