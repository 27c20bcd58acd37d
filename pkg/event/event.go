// Package event provides the immutable event envelope, priorities, identifiers
// and the error taxonomy shared by every pulsebus component.
package event

import (
	"fmt"
	"maps"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
)

// Hard limits enforced on publish.
const (
	MaxTopicLength = constants.MaxTopicLength
	MaxPayloadSize = constants.MaxPayloadSize
	MaxHeaders     = constants.MaxHeaders
)

// SubscriberID identifies a subscriber. Assigned by the registry, never reused.
type SubscriberID uint64

// PublisherID identifies a publisher.
type PublisherID uint64

// Event is the envelope routed through the bus.
// It is immutable after construction: accessors return values or copies,
// and the bus stamps identity by producing a new copy (see Stamp).
type Event struct {
	id        uint64
	topic     string
	payload   []byte
	priority  Priority
	timestamp uint64
	headers   map[string]string
}

// Option configures an Event during construction.
type Option func(*Event)

// WithPriority sets the event priority (default Normal).
func WithPriority(p Priority) Option {
	return func(e *Event) { e.priority = p }
}

// WithHeader adds a single header. Keys are case-sensitive.
func WithHeader(key, value string) Option {
	return func(e *Event) {
		if e.headers == nil {
			e.headers = make(map[string]string, 4)
		}
		e.headers[key] = value
	}
}

// WithHeaders merges a header map into the event.
func WithHeaders(h map[string]string) Option {
	return func(e *Event) {
		if len(h) == 0 {
			return
		}
		if e.headers == nil {
			e.headers = make(map[string]string, len(h))
		}
		maps.Copy(e.headers, h)
	}
}

// WithTimestamp sets a producer timestamp (unix nanoseconds).
// When zero the bus assigns one from its clock at publish time.
func WithTimestamp(ts uint64) Option {
	return func(e *Event) { e.timestamp = ts }
}

// New builds an event. The payload is copied.
func New(topic string, payload []byte, opts ...Option) *Event {
	e := &Event{
		topic:    topic,
		priority: Normal,
	}
	if len(payload) > 0 {
		e.payload = make([]byte, len(payload))
		copy(e.payload, payload)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stamp returns a copy carrying the bus-assigned id. The producer timestamp is
// kept when already set, otherwise ts is used.
func (e *Event) Stamp(id, ts uint64) *Event {
	c := *e
	c.id = id
	if c.timestamp == 0 {
		c.timestamp = ts
	}
	return &c
}

// ID returns the bus-assigned identifier (0 before publish).
func (e *Event) ID() uint64 { return e.id }

// Topic returns the dotted topic.
func (e *Event) Topic() string { return e.topic }

// Payload returns the payload. Callers must not modify the returned slice.
func (e *Event) Payload() []byte { return e.payload }

// Priority returns the event priority.
func (e *Event) Priority() Priority { return e.priority }

// Timestamp returns the publish timestamp in unix nanoseconds.
func (e *Event) Timestamp() uint64 { return e.timestamp }

// Header returns a header value and whether it was present.
func (e *Event) Header(key string) (string, bool) {
	v, ok := e.headers[key]
	return v, ok
}

// Headers returns a copy of the header map.
func (e *Event) Headers() map[string]string {
	return maps.Clone(e.headers)
}

// HeaderCount returns the number of headers.
func (e *Event) HeaderCount() int { return len(e.headers) }

// Validate checks payload and header limits. Topic syntax is checked by the
// topic package, which owns the grammar.
func (e *Event) Validate() error {
	if len(e.payload) > MaxPayloadSize {
		return &ResourceLimitError{Resource: "payload_size", Limit: MaxPayloadSize, Requested: len(e.payload)}
	}
	if len(e.headers) > MaxHeaders {
		return &ResourceLimitError{Resource: "headers", Limit: MaxHeaders, Requested: len(e.headers)}
	}
	if e.priority > Critical {
		return &InvalidConfigurationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %d", e.priority)}
	}
	return nil
}

// String returns a short description for logs.
func (e *Event) String() string {
	return fmt.Sprintf("event#%d(%s, %s, %dB)", e.id, e.topic, e.priority, len(e.payload))
}
