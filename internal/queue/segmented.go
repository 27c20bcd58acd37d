// Package queue implements the per-subscriber buffers of the bus: a lock-free
// segmented MPMC queue, an N-level priority wrapper over it, and a
// watermark-driven backpressure wrapper over either.
package queue

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// ErrCorrupted is reported when a segment cursor invariant is violated.
// It is fatal for the owning bus.
var ErrCorrupted = errors.New("queue: segment cursor invariant violated")

// Buffer is the admission surface shared by the plain, prioritised and
// backpressure queues. level is ignored by queues without priorities.
type Buffer[T any] interface {
	Offer(item T, level int) error
	Poll() (T, bool)
	Len() int
	Cap() int
	Err() error
}

// Segmented is a bounded lock-free MPMC FIFO made of linked fixed-size segments.
//
// Producers reserve a slot by CAS-incrementing the head segment's writePos and
// install a new segment via CAS on head.next when it fills. Consumers reserve by
// CAS-incrementing the tail segment's readPos and advance tail to its successor
// once a segment is drained. FIFO holds per producer; the queue is lock-free but
// not wait-free (a consumer may briefly wait for a producer that reserved the
// slot it claimed).
type Segmented[T any] struct {
	head atomic.Pointer[segment[T]]
	tail atomic.Pointer[segment[T]]

	count    atomic.Int64
	capacity int64
	segSize  uint64

	live    atomic.Int64
	corrupt atomic.Pointer[error]
}

// NewSegmented creates a queue holding at most capacity elements.
// segmentSize must be a power of two.
func NewSegmented[T any](capacity, segmentSize int) (*Segmented[T], error) {
	if capacity <= 0 {
		return nil, &event.InvalidConfigurationError{Field: "queue_capacity", Reason: "must be > 0"}
	}
	if !isPowerOfTwo(segmentSize) {
		return nil, &event.InvalidConfigurationError{Field: "segment_size", Reason: fmt.Sprintf("%d is not a power of two", segmentSize)}
	}

	q := &Segmented[T]{
		capacity: int64(capacity),
		segSize:  uint64(segmentSize),
	}
	seg := newSegment[T](q.segSize)
	q.head.Store(seg)
	q.tail.Store(seg)
	q.live.Store(1)
	return q, nil
}

// Push appends item. It fails with *event.QueueFullError when Len() == Cap().
func (q *Segmented[T]) Push(item T) error {
	if err := q.Err(); err != nil {
		return err
	}

	// Admission: reserve one unit of capacity.
	for {
		c := q.count.Load()
		if c >= q.capacity {
			return &event.QueueFullError{Current: int(c), Max: int(q.capacity)}
		}
		if q.count.CompareAndSwap(c, c+1) {
			break
		}
	}

	for {
		seg := q.head.Load()
		w := seg.writePos.Load()
		if w < q.segSize {
			if seg.writePos.CompareAndSwap(w, w+1) {
				seg.put(w, item)
				return nil
			}
			continue
		}

		// Head segment is full: link a successor. Losers of the CAS drop their
		// allocation and move to the winner's segment.
		next := seg.next.Load()
		if next == nil {
			fresh := newSegment[T](q.segSize)
			if seg.next.CompareAndSwap(nil, fresh) {
				next = fresh
				q.live.Add(1)
			} else {
				next = seg.next.Load()
			}
		}
		q.head.CompareAndSwap(seg, next)
	}
}

// Pop removes the oldest available element.
func (q *Segmented[T]) Pop() (T, bool) {
	var zero T
	for {
		seg := q.tail.Load()
		r := seg.readPos.Load()
		w := seg.writePos.Load()

		if r > w || w > q.segSize {
			q.markCorrupt(fmt.Errorf("%w: read=%d write=%d size=%d", ErrCorrupted, r, w, q.segSize))
			return zero, false
		}

		if r == q.segSize {
			next := seg.next.Load()
			if next == nil {
				return zero, false
			}
			// Retire the drained segment. Readers still holding it keep it alive.
			if q.tail.CompareAndSwap(seg, next) {
				q.live.Add(-1)
			}
			continue
		}

		if r == w {
			return zero, false
		}

		if !seg.readPos.CompareAndSwap(r, r+1) {
			continue
		}
		v := seg.take(r)
		q.count.Add(-1)
		return v, true
	}
}

// Offer implements Buffer.
func (q *Segmented[T]) Offer(item T, _ int) error { return q.Push(item) }

// Poll implements Buffer.
func (q *Segmented[T]) Poll() (T, bool) { return q.Pop() }

// Len returns the number of admitted, not yet popped elements.
func (q *Segmented[T]) Len() int { return int(q.count.Load()) }

// Cap returns the capacity.
func (q *Segmented[T]) Cap() int { return int(q.capacity) }

// IsEmpty reports whether Len() == 0.
func (q *Segmented[T]) IsEmpty() bool { return q.count.Load() == 0 }

// IsFull reports whether Len() == Cap().
func (q *Segmented[T]) IsFull() bool { return q.count.Load() >= q.capacity }

// Segments returns the number of linked segments.
func (q *Segmented[T]) Segments() int { return int(q.live.Load()) }

// Err returns the sticky corruption error, if any.
func (q *Segmented[T]) Err() error {
	if p := q.corrupt.Load(); p != nil {
		return *p
	}
	return nil
}

func (q *Segmented[T]) markCorrupt(err error) {
	q.corrupt.CompareAndSwap(nil, &err)
}
