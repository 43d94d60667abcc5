package darc

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SharedBuffer is a reference-counted fixed-capacity buffer holding one
// datagram.
//
// The logical content is buf[off:end]. Outbound buffers keep
// MaxHeaderSize bytes of headroom in front of the payload so a Link can
// write the packet header in place and send header+payload in one datagram
// without copying the payload.
//
// Every goroutine which hands the buffer to an asynchronous operation MUST
// Retain it first; the operation Releases it when done. The last Release
// recycles the storage, after which the buffer MUST NOT be touched.
type SharedBuffer struct {
	buf  []byte
	off  int
	end  int
	refs atomic.Int32
	pool *sync.Pool
}

type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		// one spare byte past the capacity detects oversized datagrams.
		return &SharedBuffer{buf: make([]byte, size, size+1)}
	}
	return bp
}

// get returns a buffer with one reference held by the caller.
func (bp *bufferPool) get() *SharedBuffer {
	b := bp.pool.Get().(*SharedBuffer)
	b.pool = &bp.pool
	b.off, b.end = 0, 0
	b.refs.Store(1)
	return b
}

// NewSharedBuffer allocates an unpooled buffer, with one reference held by
// the caller.
func NewSharedBuffer(capacity int) *SharedBuffer {
	b := &SharedBuffer{buf: make([]byte, capacity)}
	b.refs.Store(1)
	return b
}

func (b *SharedBuffer) Retain() *SharedBuffer {
	if b.refs.Add(1) <= 1 {
		panic("darc: retain on a released buffer")
	}
	return b
}

func (b *SharedBuffer) Release() {
	n := b.refs.Add(-1)
	switch {
	case n == 0:
		if b.pool != nil {
			b.pool.Put(b)
		}
	case n < 0:
		panic("darc: buffer released more times than retained")
	}
}

// Refs is only meant for tests and diagnostics.
func (b *SharedBuffer) Refs() int {
	return int(b.refs.Load())
}

func (b *SharedBuffer) Cap() int {
	return len(b.buf)
}

func (b *SharedBuffer) Len() int {
	return b.end - b.off
}

// Bytes returns the logical content.
func (b *SharedBuffer) Bytes() []byte {
	return b.buf[b.off:b.end]
}

// Reserve empties the buffer and keeps n bytes of headroom.
func (b *SharedBuffer) Reserve(n int) error {
	if n > len(b.buf) {
		return fmt.Errorf("%w: headroom %d > capacity %d", ErrBufferOverflow, n, len(b.buf))
	}
	b.off, b.end = n, n
	return nil
}

// Append lets fn append to the logical content, in place. fn MUST only append
// to the slice it is given. If the result does not fit the capacity, nothing
// is committed and ErrBufferOverflow is returned.
func (b *SharedBuffer) Append(fn func(dst []byte) ([]byte, error)) error {
	dst := b.buf[b.end:b.end:len(b.buf)]
	out, err := fn(dst)
	if err != nil {
		return err
	}
	if len(out) > cap(dst) {
		return fmt.Errorf("%w: %d bytes over capacity", ErrBufferOverflow, len(out)-cap(dst))
	}
	b.end += len(out)
	return nil
}

// readInto exposes the whole storage for a socket read and records n bytes.
// A datagram which did not fit is reported with ErrTruncated.
func (b *SharedBuffer) readInto(read func(p []byte) (int, error)) (int, error) {
	b.off, b.end = 0, 0
	n, err := read(b.buf[:cap(b.buf)])
	if err != nil {
		return n, err
	}
	if n > len(b.buf) {
		return n, fmt.Errorf("%w: more than %d bytes", ErrTruncated, len(b.buf))
	}
	b.end = n
	return n, nil
}

// frame writes a header of hdrLen bytes in front of the logical content,
// without moving it, and returns header+content.
func (b *SharedBuffer) frame(hdrLen int, write func(hdr []byte) (int, error)) ([]byte, error) {
	if hdrLen > b.off {
		return nil, fmt.Errorf("%w: headroom %d < header %d", ErrBufferOverflow, b.off, hdrLen)
	}
	start := b.off - hdrLen
	if _, err := write(b.buf[start:b.off]); err != nil {
		return nil, err
	}
	return b.buf[start:b.end], nil
}

// skip drops the first n bytes of the logical content.
func (b *SharedBuffer) skip(n int) {
	b.off += n
	if b.off > b.end {
		b.off = b.end
	}
}
