package queue

import (
	"fmt"
	"sync/atomic"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// Backpressure wraps a Buffer with a high/low watermark state machine.
//
//	Normal    → Triggered  when usage% ≥ high (evaluated after every push)
//	Triggered → Normal     when usage% ≤ low  (evaluated after every pop)
//
// While Triggered every push fails with *event.BackpressureError.
type Backpressure[T any] struct {
	inner     Buffer[T]
	high, low int

	triggered   atomic.Bool
	activations atomic.Uint64
	refused     atomic.Uint64

	onChange func(triggered bool)
}

// NewBackpressure wraps inner. Watermarks are percentages with 0 < low < high ≤ 100.
func NewBackpressure[T any](inner Buffer[T], highPercent, lowPercent int) (*Backpressure[T], error) {
	if err := ValidateWatermarks(highPercent, lowPercent); err != nil {
		return nil, err
	}
	return &Backpressure[T]{inner: inner, high: highPercent, low: lowPercent}, nil
}

// ValidateWatermarks enforces 0 < low < high ≤ 100.
func ValidateWatermarks(high, low int) error {
	switch {
	case low <= 0:
		return &event.InvalidConfigurationError{Field: "low_water_mark_percent", Reason: "must be > 0"}
	case high > 100:
		return &event.InvalidConfigurationError{Field: "high_water_mark_percent", Reason: "must be <= 100"}
	case low >= high:
		return &event.InvalidConfigurationError{Field: "low_water_mark_percent", Reason: fmt.Sprintf("must be < high (%d)", high)}
	}
	return nil
}

// OnChange registers a callback invoked on each edge transition. Must be set
// before the queue is shared.
func (b *Backpressure[T]) OnChange(fn func(triggered bool)) *Backpressure[T] {
	b.onChange = fn
	return b
}

// Push admits item at level unless backpressure is active or the inner
// queue is full.
func (b *Backpressure[T]) Push(item T, level int) error {
	if b.triggered.Load() || b.aboveHigh() {
		b.settle()
		if b.triggered.Load() {
			b.refused.Add(1)
			return &event.BackpressureError{QueueSize: b.inner.Len(), Threshold: b.Threshold()}
		}
	}
	if err := b.inner.Offer(item, level); err != nil {
		return err
	}
	b.settle()
	return nil
}

// Pop removes the next element and re-evaluates the low watermark.
func (b *Backpressure[T]) Pop() (T, bool) {
	v, ok := b.inner.Poll()
	b.settle()
	return v, ok
}

// settle applies edge transitions until the state agrees with the current
// usage, so concurrent pushers and poppers converge on the same state.
func (b *Backpressure[T]) settle() {
	for {
		t := b.triggered.Load()
		switch {
		case !t && b.aboveHigh():
			if b.triggered.CompareAndSwap(false, true) {
				b.activations.Add(1)
				b.notify(true)
			}
		case t && b.belowLow():
			if b.triggered.CompareAndSwap(true, false) {
				b.notify(false)
			}
		default:
			return
		}
	}
}

func (b *Backpressure[T]) notify(v bool) {
	if b.onChange != nil {
		b.onChange(v)
	}
}

func (b *Backpressure[T]) aboveHigh() bool {
	return b.inner.Len()*100 >= b.high*b.inner.Cap()
}

func (b *Backpressure[T]) belowLow() bool {
	return b.inner.Len()*100 <= b.low*b.inner.Cap()
}

// Threshold is the queue length at which backpressure triggers.
func (b *Backpressure[T]) Threshold() int {
	return (b.high*b.inner.Cap() + 99) / 100
}

// Triggered reports whether backpressure is active.
func (b *Backpressure[T]) Triggered() bool { return b.triggered.Load() }

// Activations returns the number of Normal→Triggered transitions.
func (b *Backpressure[T]) Activations() uint64 { return b.activations.Load() }

// Refused returns the number of pushes refused by backpressure.
func (b *Backpressure[T]) Refused() uint64 { return b.refused.Load() }

// UsagePercent returns the current fill level.
func (b *Backpressure[T]) UsagePercent() int {
	c := b.inner.Cap()
	if c == 0 {
		return 0
	}
	return b.inner.Len() * 100 / c
}

// Offer implements Buffer.
func (b *Backpressure[T]) Offer(item T, level int) error { return b.Push(item, level) }

// Poll implements Buffer.
func (b *Backpressure[T]) Poll() (T, bool) { return b.Pop() }

// Len returns the number of queued elements.
func (b *Backpressure[T]) Len() int { return b.inner.Len() }

// Cap returns the capacity.
func (b *Backpressure[T]) Cap() int { return b.inner.Cap() }

// Err returns the inner corruption error, if any.
func (b *Backpressure[T]) Err() error { return b.inner.Err() }
