package export

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// WireEvent is the JSON wire format shared by the forwarding sinks.
// Compact JSON payloads are embedded as-is; anything else, including JSON
// with insignificant whitespace, travels base64-encoded in Data so the
// payload bytes survive the round trip unchanged.
type WireEvent struct {
	ID         uint64            `json:"id"`
	Topic      string            `json:"topic"`
	Priority   event.Priority    `json:"priority"`
	Timestamp  uint64            `json:"ts"`
	Subscriber uint64            `json:"sub,omitempty"`
	Headers    map[string]string `json:"h,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Data       []byte            `json:"data,omitempty"`
}

// Encode renders e for subscriber id.
func Encode(id event.SubscriberID, e *event.Event) ([]byte, error) {
	w := WireEvent{
		ID:         e.ID(),
		Topic:      e.Topic(),
		Priority:   e.Priority(),
		Timestamp:  e.Timestamp(),
		Subscriber: uint64(id),
		Headers:    e.Headers(),
	}
	if p := e.Payload(); len(p) > 0 {
		if isCompactJSON(p) {
			w.Payload = p
		} else {
			w.Data = p
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("encode event %d: %w", e.ID(), err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// isCompactJSON reports whether p is valid JSON that the encoder would
// embed byte for byte.
func isCompactJSON(p []byte) bool {
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil {
		return false
	}
	return bytes.Equal(buf.Bytes(), p)
}

// Decode parses the wire format back into a WireEvent.
func Decode(data []byte) (WireEvent, error) {
	var w WireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return WireEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return w, nil
}

// Body returns the original payload bytes.
func (w WireEvent) Body() []byte {
	if len(w.Payload) > 0 {
		return w.Payload
	}
	return w.Data
}
