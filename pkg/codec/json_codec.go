package codec

import (
	"encoding/json"
	"fmt"
)

// JSON uses encoding/json. T may be a struct or a pointer to one.
type JSON[T any] struct{}

func NewJSON[T any]() JSON[T] {
	return JSON[T]{}
}

func (JSON[T]) Append(dst []byte, v T) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return dst, err
	}
	return append(dst, buf...), nil
}

func (JSON[T]) Decode(b []byte) (result T, err error) {
	if err = json.Unmarshal(b, &result); err != nil {
		err = fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return
}
