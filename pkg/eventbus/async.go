package eventbus

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/sureshkrishnan-v/pulsebus/internal/worker"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// AsyncSubscriber is a pull-mode subscription. The worker hands events to
// an unbounded buffer, optionally capped by max_in_flight, and the caller
// takes them with Receive.
type AsyncSubscriber struct {
	bus     *Bus
	id      event.SubscriberID
	mailbox *worker.Mailbox
	once    sync.Once
}

// SubscribeAsync registers a pull subscriber for pattern.
func (b *Bus) SubscribeAsync(name, pattern string, cfg SubscriberConfig) (*AsyncSubscriber, error) {
	cfg.DeliveryMode = Pull
	s, err := b.subscribe(name, pattern, cfg)
	if err != nil {
		return nil, err
	}
	return &AsyncSubscriber{bus: b, id: s.id, mailbox: s.mailbox}, nil
}

// ID returns the subscriber id.
func (a *AsyncSubscriber) ID() event.SubscriberID { return a.id }

// Receive waits for the next event. Events buffered before the
// subscription ended are still returned; after that Receive fails with
// *event.SubscriberNotFoundError.
func (a *AsyncSubscriber) Receive(ctx context.Context) (*event.Event, error) {
	e, err := a.mailbox.Take(ctx)
	if errors.Is(err, worker.ErrMailboxClosed) {
		return nil, &event.SubscriberNotFoundError{ID: a.id}
	}
	return e, err
}

// TryReceive returns the next buffered event without waiting.
func (a *AsyncSubscriber) TryReceive() (*event.Event, bool) {
	return a.mailbox.TryTake()
}

// Buffered returns the number of events waiting to be received.
func (a *AsyncSubscriber) Buffered() int { return a.mailbox.Len() }

// Close unsubscribes. It is idempotent.
func (a *AsyncSubscriber) Close() error {
	a.once.Do(func() {
		a.bus.Unsubscribe(a.id)
		a.mailbox.Close()
	})
	return nil
}

// Predicate selects events on the consumer side of a stream.
type Predicate func(e *event.Event) bool

// EventStream is a finite, non-restartable sequence of events over a pull
// subscription. Next returns io.EOF once the subscription has ended.
type EventStream struct {
	sub   *AsyncSubscriber
	preds []Predicate

	mu   sync.Mutex
	done bool
}

// Stream opens a pull subscription and wraps it in an EventStream.
func (b *Bus) Stream(name, pattern string, cfg SubscriberConfig, preds ...Predicate) (*EventStream, error) {
	sub, err := b.SubscribeAsync(name, pattern, cfg)
	if err != nil {
		return nil, err
	}
	return &EventStream{sub: sub, preds: preds}, nil
}

// Where adds a predicate. Must be called before the first Next.
func (s *EventStream) Where(p Predicate) *EventStream {
	s.preds = append(s.preds, p)
	return s
}

// ID returns the underlying subscriber id.
func (s *EventStream) ID() event.SubscriberID { return s.sub.ID() }

// Next returns the next event passing every predicate.
func (s *EventStream) Next(ctx context.Context) (*event.Event, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done {
		return nil, io.EOF
	}
	for {
		e, err := s.sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, event.ErrSubscriberNotFound) {
				s.finish()
				return nil, io.EOF
			}
			return nil, err
		}
		if s.accept(e) {
			return e, nil
		}
	}
}

// All yields events until the stream ends or ctx is done.
func (s *EventStream) All(ctx context.Context) iter.Seq[*event.Event] {
	return func(yield func(*event.Event) bool) {
		for {
			e, err := s.Next(ctx)
			if err != nil || !yield(e) {
				return
			}
		}
	}
}

// Close releases the subscription. Buffered events are discarded by the
// consumer; later calls to Next return io.EOF.
func (s *EventStream) Close() error {
	s.finish()
	return s.sub.Close()
}

func (s *EventStream) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}

func (s *EventStream) accept(e *event.Event) bool {
	for _, p := range s.preds {
		if !p(e) {
			return false
		}
	}
	return true
}
