package filter

import (
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// Filter decides whether an event is delivered to a subscriber.
type Filter interface {
	Match(e *event.Event) bool
}

// Func adapts a plain function to Filter.
type Func func(e *event.Event) bool

// Match calls f.
func (f Func) Match(e *event.Event) bool { return f(e) }

// Rule applies Expr to one field of the event. Field is a header name, or
// "priority" / "timestamp" for the built-in attributes.
type Rule struct {
	Field string
	Expr  Expr
}

// Match evaluates the rule. A rule whose field is absent from the event fails.
func (r Rule) Match(e *event.Event) bool {
	v, ok := fieldValue(e, r.Field)
	if !ok {
		return false
	}
	return r.Expr.Eval(v, true)
}

func fieldValue(e *event.Event, field string) (string, bool) {
	switch field {
	case constants.FieldPriority:
		return e.Priority().String(), true
	case constants.FieldTimestamp:
		return strconv.FormatUint(e.Timestamp(), 10), true
	}
	return e.Header(field)
}

// TimeRange is an inclusive range of event timestamps in unix nanoseconds.
// A zero To means unbounded.
type TimeRange struct {
	From uint64
	To   uint64
}

// Contains reports whether ts falls within the range.
func (t TimeRange) Contains(ts uint64) bool {
	if ts < t.From {
		return false
	}
	return t.To == 0 || ts <= t.To
}

// Advanced is the conjunction of every configured part. Unset parts are
// ignored, so the zero value matches every event.
type Advanced struct {
	// Headers maps header name to the expression its value must satisfy.
	Headers map[string]Expr
	// PayloadPaths maps a gjson path into a JSON payload to an expression.
	// Non-JSON payloads and missing paths fail.
	PayloadPaths map[string]Expr
	Priority     *event.Priority
	TimeRange    *TimeRange
	// Rules are evaluated last.
	Rules []Rule
}

// Match evaluates the cheap attribute checks first and the payload last.
func (a *Advanced) Match(e *event.Event) bool {
	if a == nil {
		return true
	}
	for name, expr := range a.Headers {
		v, ok := e.Header(name)
		if !ok || !expr.Eval(v, true) {
			return false
		}
	}
	if a.Priority != nil && e.Priority() != *a.Priority {
		return false
	}
	if a.TimeRange != nil && !a.TimeRange.Contains(e.Timestamp()) {
		return false
	}
	for _, r := range a.Rules {
		if !r.Match(e) {
			return false
		}
	}
	if len(a.PayloadPaths) > 0 {
		payload := e.Payload()
		if !gjson.ValidBytes(payload) {
			return false
		}
		for path, expr := range a.PayloadPaths {
			res := gjson.GetBytes(payload, path)
			if !res.Exists() || !expr.Eval(res.String(), true) {
				return false
			}
		}
	}
	return true
}

// HeaderEquals builds an Advanced filter requiring each header to equal the
// given value.
func HeaderEquals(headers map[string]string) *Advanced {
	if len(headers) == 0 {
		return nil
	}
	a := &Advanced{Headers: make(map[string]Expr, len(headers))}
	for k, v := range headers {
		a.Headers[k] = Equal(v)
	}
	return a
}

// All matches when every filter matches.
func All(fs ...Filter) Filter {
	return Func(func(e *event.Event) bool {
		for _, f := range fs {
			if f != nil && !f.Match(e) {
				return false
			}
		}
		return true
	})
}

// MinPriority filters out events below floor.
func MinPriority(floor event.Priority) Filter {
	return Func(func(e *event.Event) bool { return e.Priority() >= floor })
}
