// Package arena provides a slot table addressed by generational handles.
//
// An [Arena] never hands out pointers to its values: callers keep a [Handle]
// and look it up each time they need the value. Once a slot is removed its
// generation is bumped, so every handle issued before the removal reads as
// expired. It lets a holder keep a reference without keeping the value alive.
package arena

import "sync"

// Handle is a non-owning reference to a slot of an [Arena].
// The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h was never issued by an arena.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// Arena is safe for concurrent use.
type Arena[T any] struct {
	lk    sync.RWMutex
	slots []slot[T]
	free  []uint32
	len   int
}

func New[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v in a free slot, reusing removed slots first.
func (a *Arena[T]) Insert(v T) Handle {
	a.lk.Lock()
	defer a.lk.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	// generations start at 1 so the zero Handle never matches.
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.val = v
	a.len++
	return Handle{index: idx, gen: s.gen}
}

// Get returns the value behind h, ok is false if the slot was removed.
func (a *Arena[T]) Get(h Handle) (v T, ok bool) {
	a.lk.RLock()
	defer a.lk.RUnlock()
	if !a.valid(h) {
		return v, false
	}
	return a.slots[h.index].val, true
}

// Alive is a cheaper Get when the value itself is not needed.
func (a *Arena[T]) Alive(h Handle) bool {
	a.lk.RLock()
	defer a.lk.RUnlock()
	return a.valid(h)
}

// Remove frees the slot behind h. It returns false if h was already expired.
func (a *Arena[T]) Remove(h Handle) bool {
	a.lk.Lock()
	defer a.lk.Unlock()
	if !a.valid(h) {
		return false
	}

	s := &a.slots[h.index]
	var zero T
	s.val = zero
	s.used = false
	s.gen++
	a.free = append(a.free, h.index)
	a.len--
	return true
}

// Len returns the number of live slots.
func (a *Arena[T]) Len() int {
	a.lk.RLock()
	defer a.lk.RUnlock()
	return a.len
}

// must be called by an holder of the lock.
func (a *Arena[T]) valid(h Handle) bool {
	if h.IsZero() || int(h.index) >= len(a.slots) {
		return false
	}
	s := a.slots[h.index]
	return s.used && s.gen == h.gen
}
