// Package pressure lifts the per-queue watermark state machine to a
// process-wide count of pending events.
//
// Every successful enqueue acquires one credit and every terminal outcome
// (delivered, dropped, abandoned) releases it. Publishers observe Triggered
// to throttle before doing any routing work.
package pressure

import (
	"fmt"
	"sync/atomic"

	"github.com/sureshkrishnan-v/pulsebus/internal/queue"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// Controller is safe for concurrent use.
type Controller struct {
	capacity  int64
	high, low int64

	inUse       atomic.Int64
	triggered   atomic.Bool
	activations atomic.Uint64
	refused     atomic.Uint64

	onChange func(triggered bool)
}

// New creates a controller over capacity credits with watermarks in percent.
func New(capacity, highPercent, lowPercent int) (*Controller, error) {
	if capacity <= 0 {
		return nil, &event.InvalidConfigurationError{Field: "max_pending_events", Reason: fmt.Sprintf("must be > 0, got %d", capacity)}
	}
	if err := queue.ValidateWatermarks(highPercent, lowPercent); err != nil {
		return nil, err
	}
	return &Controller{capacity: int64(capacity), high: int64(highPercent), low: int64(lowPercent)}, nil
}

// OnChange registers an edge callback. Must be set before use.
func (c *Controller) OnChange(fn func(triggered bool)) { c.onChange = fn }

// Acquire takes one credit, failing with *event.BackpressureError while
// the controller is triggered.
func (c *Controller) Acquire() error {
	if c.triggered.Load() || c.aboveHigh() {
		c.settle()
		if c.triggered.Load() {
			c.refused.Add(1)
			return &event.BackpressureError{QueueSize: int(c.inUse.Load()), Threshold: c.Threshold()}
		}
	}
	c.inUse.Add(1)
	c.settle()
	return nil
}

// Release returns n credits.
func (c *Controller) Release(n int) {
	if n <= 0 {
		return
	}
	if c.inUse.Add(-int64(n)) < 0 {
		c.inUse.Store(0)
	}
	c.settle()
}

// Check reports the current admission decision without taking a credit.
func (c *Controller) Check() error {
	c.settle()
	if c.triggered.Load() {
		c.refused.Add(1)
		return &event.BackpressureError{QueueSize: int(c.inUse.Load()), Threshold: c.Threshold()}
	}
	return nil
}

func (c *Controller) settle() {
	for {
		t := c.triggered.Load()
		switch {
		case !t && c.aboveHigh():
			if c.triggered.CompareAndSwap(false, true) {
				c.activations.Add(1)
				if c.onChange != nil {
					c.onChange(true)
				}
			}
		case t && c.belowLow():
			if c.triggered.CompareAndSwap(true, false) && c.onChange != nil {
				c.onChange(false)
			}
		default:
			return
		}
	}
}

func (c *Controller) aboveHigh() bool { return c.inUse.Load()*100 >= c.high*c.capacity }
func (c *Controller) belowLow() bool  { return c.inUse.Load()*100 <= c.low*c.capacity }

// Threshold is the credit count at which the controller triggers.
func (c *Controller) Threshold() int { return int((c.high*c.capacity + 99) / 100) }

// Triggered reports whether admission is currently refused.
func (c *Controller) Triggered() bool { return c.triggered.Load() }

// InUse returns the number of outstanding credits.
func (c *Controller) InUse() int { return int(c.inUse.Load()) }

// Capacity returns the credit supply.
func (c *Controller) Capacity() int { return int(c.capacity) }

// Activations returns the number of Normal→Triggered transitions.
func (c *Controller) Activations() uint64 { return c.activations.Load() }

// Refused returns the number of refused admissions.
func (c *Controller) Refused() uint64 { return c.refused.Load() }
