// Package deferred provides a write-once slot for values that must be
// referenced before they exist.
package deferred

import "sync/atomic"

// Slot holds a value assigned exactly once after construction.
// Readers observe either nothing or the final value.
type Slot[T any] struct {
	v atomic.Pointer[T]
}

// Set assigns the slot. Only the first call wins; it reports whether
// this call performed the assignment.
func (s *Slot[T]) Set(v T) bool {
	return s.v.CompareAndSwap(nil, &v)
}

// Get returns the value and whether it has been assigned.
func (s *Slot[T]) Get() (T, bool) {
	p := s.v.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// Bound reports whether the slot was assigned.
func (s *Slot[T]) Bound() bool {
	return s.v.Load() != nil
}
