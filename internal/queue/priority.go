package queue

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// Priority holds one Segmented queue per level and always pops from the
// highest non-empty level. Lower levels may starve unless aging is enabled.
type Priority[T any] struct {
	levels   []*Segmented[T]
	count    atomic.Int64
	capacity int64

	// aging > 0 serves the lowest waiting level after that many consecutive
	// pops that skipped it.
	aging  int64
	streak atomic.Int64
}

// NewPriority creates a queue with the given number of levels sharing one
// total capacity.
func NewPriority[T any](levels, capacity, segmentSize int) (*Priority[T], error) {
	if levels <= 0 {
		return nil, &event.InvalidConfigurationError{Field: "priority_levels", Reason: "must be > 0"}
	}
	p := &Priority[T]{
		levels:   make([]*Segmented[T], levels),
		capacity: int64(capacity),
	}
	for i := range p.levels {
		q, err := NewSegmented[T](capacity, segmentSize)
		if err != nil {
			return nil, err
		}
		p.levels[i] = q
	}
	return p, nil
}

// WithAging enables the starvation guard. n <= 0 disables it.
func (p *Priority[T]) WithAging(n int) *Priority[T] {
	if n < 0 {
		n = 0
	}
	p.aging = int64(n)
	return p
}

// Push enqueues item at level (clamped to the valid range).
func (p *Priority[T]) Push(item T, level int) error {
	if level < 0 {
		level = 0
	}
	if level >= len(p.levels) {
		level = len(p.levels) - 1
	}

	for {
		c := p.count.Load()
		if c >= p.capacity {
			return &event.QueueFullError{Current: int(c), Max: int(p.capacity)}
		}
		if p.count.CompareAndSwap(c, c+1) {
			break
		}
	}

	if err := p.levels[level].Push(item); err != nil {
		p.count.Add(-1)
		return fmt.Errorf("priority level %d: %w", level, err)
	}
	return nil
}

// Pop removes the oldest element of the highest non-empty level.
func (p *Priority[T]) Pop() (T, bool) {
	if p.aging > 0 && p.streak.Load() >= p.aging {
		for i := 0; i < len(p.levels); i++ {
			if v, ok := p.levels[i].Pop(); ok {
				p.streak.Store(0)
				p.count.Add(-1)
				return v, true
			}
		}
	}

	for i := len(p.levels) - 1; i >= 0; i-- {
		v, ok := p.levels[i].Pop()
		if !ok {
			continue
		}
		p.count.Add(-1)
		if p.aging > 0 {
			if p.lowerWaiting(i) {
				p.streak.Add(1)
			} else {
				p.streak.Store(0)
			}
		}
		return v, true
	}
	var zero T
	return zero, false
}

func (p *Priority[T]) lowerWaiting(level int) bool {
	for i := 0; i < level; i++ {
		if !p.levels[i].IsEmpty() {
			return true
		}
	}
	return false
}

// Offer implements Buffer.
func (p *Priority[T]) Offer(item T, level int) error { return p.Push(item, level) }

// Poll implements Buffer.
func (p *Priority[T]) Poll() (T, bool) { return p.Pop() }

// Len returns the total number of queued elements.
func (p *Priority[T]) Len() int { return int(p.count.Load()) }

// LevelLen returns the number of elements queued at level.
func (p *Priority[T]) LevelLen(level int) int {
	if level < 0 || level >= len(p.levels) {
		return 0
	}
	return p.levels[level].Len()
}

// Cap returns the shared capacity.
func (p *Priority[T]) Cap() int { return int(p.capacity) }

// Err returns the first level corruption error, if any.
func (p *Priority[T]) Err() error {
	var errs []error
	for _, l := range p.levels {
		if err := l.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
