package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// ErrMailboxClosed is returned by Take once the mailbox is closed and empty.
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is the unbounded hand-off between a pull-mode worker and its
// consumer. The worker bounds it from outside with MaxInFlight.
type Mailbox struct {
	mu     sync.Mutex
	items  []*event.Event
	head   int
	closed bool

	ready chan struct{}
	space chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// Put appends e. It reports false if the mailbox is closed.
func (m *Mailbox) Put(e *event.Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, e)
	signal(m.ready)
	m.mu.Unlock()
	return true
}

// TryTake returns the next event without waiting.
func (m *Mailbox) TryTake() (*event.Event, bool) {
	m.mu.Lock()
	e, ok := m.popLocked()
	m.mu.Unlock()
	if ok {
		signal(m.space)
	}
	return e, ok
}

// Take waits for the next event. Events buffered before Close are still
// returned; afterwards Take fails with ErrMailboxClosed.
func (m *Mailbox) Take(ctx context.Context) (*event.Event, error) {
	for {
		m.mu.Lock()
		e, ok := m.popLocked()
		closed := m.closed
		m.mu.Unlock()
		if ok {
			signal(m.space)
			return e, nil
		}
		if closed {
			return nil, ErrMailboxClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.ready:
		}
	}
}

func (m *Mailbox) popLocked() (*event.Event, bool) {
	if m.head == len(m.items) {
		return nil, false
	}
	e := m.items[m.head]
	m.items[m.head] = nil
	m.head++
	if m.head == len(m.items) {
		m.items = m.items[:0]
		m.head = 0
	} else if m.head > 1024 && m.head*2 > len(m.items) {
		n := copy(m.items, m.items[m.head:])
		clear(m.items[n:])
		m.items = m.items[:n]
		m.head = 0
	}
	return e, true
}

// Close stops further Puts and wakes waiting consumers. It is idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ready)
}

// Closed reports whether Close was called.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Len returns the number of buffered events.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items) - m.head
}

// Space is signalled whenever a consumer takes an event.
func (m *Mailbox) Space() <-chan struct{} { return m.space }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
