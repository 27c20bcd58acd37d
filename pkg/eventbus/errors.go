package eventbus

import (
	"errors"
	"fmt"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// RejectedError is returned by Publish when every matched subscriber
// refused the event. Err is the last refusal, so errors.Is sees through to
// event.ErrBackpressureTriggered or event.ErrQueueFull.
type RejectedError struct {
	Topic         string
	Matched       int
	Backpressured int
	QueueFull     int
	Err           error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("event on %q rejected by all %d subscribers (backpressure %d, queue full %d): %v",
		e.Topic, e.Matched, e.Backpressured, e.QueueFull, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

func (e *RejectedError) count(err error) {
	switch {
	case errors.Is(err, event.ErrBackpressureTriggered):
		e.Backpressured++
	case errors.Is(err, event.ErrQueueFull):
		e.QueueFull++
	}
	e.Err = err
}
