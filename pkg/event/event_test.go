package event

import (
	"errors"
	"strings"
	"testing"
)

func TestPriority_String(t *testing.T) {
	tests := []struct {
		p    Priority
		want string
	}{
		{Low, "low"},
		{Normal, "normal"},
		{High, "high"},
		{Critical, "critical"},
		{Priority(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Priority(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestPriority_Order(t *testing.T) {
	if !(Low < Normal && Normal < High && High < Critical) {
		t.Fatal("priorities are not totally ordered low→critical")
	}
}

func TestParsePriority(t *testing.T) {
	for _, name := range []string{"low", "Normal", "HIGH", " critical "} {
		if _, err := ParsePriority(name); err != nil {
			t.Errorf("ParsePriority(%q) error: %v", name, err)
		}
	}
	if _, err := ParsePriority("urgent"); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("ParsePriority(urgent) = %v, want ErrInvalidConfiguration", err)
	}
}

func TestNew_CopiesPayloadAndHeaders(t *testing.T) {
	payload := []byte("u1")
	headers := map[string]string{"content-type": "application/json"}
	e := New("user.created", payload, WithHeaders(headers), WithPriority(High))

	payload[0] = 'x'
	headers["content-type"] = "text/plain"

	if string(e.Payload()) != "u1" {
		t.Errorf("payload = %q, want u1", e.Payload())
	}
	if v, _ := e.Header("content-type"); v != "application/json" {
		t.Errorf("header = %q, want application/json", v)
	}
	if e.Priority() != High {
		t.Errorf("priority = %v, want high", e.Priority())
	}

	h := e.Headers()
	h["content-type"] = "mutated"
	if v, _ := e.Header("content-type"); v != "application/json" {
		t.Error("Headers() must return a copy")
	}
}

func TestHeaders_CaseSensitive(t *testing.T) {
	e := New("a", nil, WithHeader("Content-Type", "x"))
	if _, ok := e.Header("content-type"); ok {
		t.Error("header lookup must be case-sensitive")
	}
}

func TestStamp(t *testing.T) {
	e := New("a.b", nil)
	s := e.Stamp(7, 1000)
	if s.ID() != 7 || s.Timestamp() != 1000 {
		t.Errorf("stamped = (%d, %d), want (7, 1000)", s.ID(), s.Timestamp())
	}
	if e.ID() != 0 {
		t.Error("Stamp must not mutate the original")
	}

	p := New("a.b", nil, WithTimestamp(55)).Stamp(8, 1000)
	if p.Timestamp() != 55 {
		t.Errorf("producer timestamp overwritten: %d", p.Timestamp())
	}
}

func TestValidate_Limits(t *testing.T) {
	big := New("a", make([]byte, MaxPayloadSize+1))
	if err := big.Validate(); !errors.Is(err, ErrResourceLimitExceeded) {
		t.Errorf("oversized payload: got %v", err)
	}

	opts := make([]Option, 0, MaxHeaders+1)
	for i := 0; i <= MaxHeaders; i++ {
		opts = append(opts, WithHeader("h"+strings.Repeat("x", i), "v"))
	}
	if err := New("a", nil, opts...).Validate(); !errors.Is(err, ErrResourceLimitExceeded) {
		t.Errorf("too many headers: got %v", err)
	}

	if err := New("a", make([]byte, MaxPayloadSize)).Validate(); err != nil {
		t.Errorf("payload at limit rejected: %v", err)
	}
}

func TestErrors_Is(t *testing.T) {
	tests := []struct {
		err    error
		target error
	}{
		{&InvalidTopicError{Topic: "a..b", Reason: "empty segment"}, ErrInvalidTopic},
		{&QueueFullError{Current: 10, Max: 10}, ErrQueueFull},
		{&BackpressureError{QueueSize: 8, Threshold: 8}, ErrBackpressureTriggered},
		{&SubscriberNotFoundError{ID: 3}, ErrSubscriberNotFound},
		{&InvalidConfigurationError{Field: "x", Reason: "y"}, ErrInvalidConfiguration},
		{&ResourceLimitError{Resource: "r", Limit: 1, Requested: 2}, ErrResourceLimitExceeded},
		{&DeliveryFailedError{SubscriberID: 1, Reason: "boom"}, ErrDeliveryFailed},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.target) {
			t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.target)
		}
		if errors.Is(tt.err, ErrDeliveryFailed) && tt.target != ErrDeliveryFailed {
			t.Errorf("%v matched an unrelated sentinel", tt.err)
		}
	}
}
