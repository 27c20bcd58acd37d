package queue

import (
	"runtime"
	"sync/atomic"
)

// slot holds one element. ready flips to true after value is written; the
// atomic store orders the value write before any reader that observes it.
type slot[T any] struct {
	ready atomic.Bool
	value T
}

// segment is a fixed-size block of slots linked into the queue.
//
// Invariant: 0 ≤ readPos ≤ writePos ≤ len(slots). Slots are never reused:
// a drained segment is unlinked and left to the garbage collector, which
// frees it only once no goroutine still references it.
type segment[T any] struct {
	slots    []slot[T]
	writePos atomic.Uint64
	readPos  atomic.Uint64
	next     atomic.Pointer[segment[T]]
}

func newSegment[T any](size uint64) *segment[T] {
	return &segment[T]{slots: make([]slot[T], size)}
}

// take waits for the writer that reserved index i to publish its value, then
// moves the value out of the slot.
func (s *segment[T]) take(i uint64) T {
	sl := &s.slots[i]
	for spins := 0; !sl.ready.Load(); spins++ {
		if spins > 16 {
			runtime.Gosched()
		}
	}
	v := sl.value
	var zero T
	sl.value = zero
	return v
}

// put publishes v into reserved index i.
func (s *segment[T]) put(i uint64, v T) {
	sl := &s.slots[i]
	sl.value = v
	sl.ready.Store(true)
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
