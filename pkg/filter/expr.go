// Package filter evaluates attribute predicates against events.
//
// An Expr is a tagged variant over a single string value: Equal, In, Range,
// Regex, Exists and the boolean combinators Not, And, Or. A Rule binds an
// Expr to a field of the event (a header name, "priority" or "timestamp").
// Advanced composes header, payload-path, priority and time-range checks.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Op identifies the variant held by an Expr.
type Op uint8

const (
	OpEqual Op = iota
	OpIn
	OpRange
	OpRegex
	OpExists
	OpNot
	OpAnd
	OpOr
)

var opNames = [...]string{"equal", "in", "range", "regex", "exists", "not", "and", "or"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", o)
}

// Expr is one node of a filter expression tree.
type Expr struct {
	Op    Op
	Value string   // Equal
	Set   []string // In
	Min   string   // Range, inclusive
	Max   string   // Range, inclusive
	Sub   []Expr   // Not (one element), And, Or
	re    *regexp.Regexp
}

// Equal matches a present value equal to s.
func Equal(s string) Expr { return Expr{Op: OpEqual, Value: s} }

// In matches a present value contained in values.
func In(values ...string) Expr { return Expr{Op: OpIn, Set: values} }

// Range matches a present value within [min, max], compared lexicographically.
func Range(min, max string) Expr { return Expr{Op: OpRange, Min: min, Max: max} }

// Exists matches any present value.
func Exists() Expr { return Expr{Op: OpExists} }

// Not negates e.
func Not(e Expr) Expr { return Expr{Op: OpNot, Sub: []Expr{e}} }

// And matches when every child matches. An empty And matches.
func And(es ...Expr) Expr { return Expr{Op: OpAnd, Sub: es} }

// Or matches when any child matches. An empty Or does not match.
func Or(es ...Expr) Expr { return Expr{Op: OpOr, Sub: es} }

// Regex compiles pattern into a regular expression match.
func Regex(pattern string) (Expr, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Expr{}, fmt.Errorf("filter: compile regex %q: %w", pattern, err)
	}
	return Expr{Op: OpRegex, Value: pattern, re: re}, nil
}

// MustRegex is Regex that panics on an invalid pattern.
func MustRegex(pattern string) Expr {
	e, err := Regex(pattern)
	if err != nil {
		panic(err)
	}
	return e
}

// Eval evaluates the expression against a value. present is false when the
// referenced field does not exist on the event.
func (e Expr) Eval(value string, present bool) bool {
	switch e.Op {
	case OpEqual:
		return present && value == e.Value
	case OpIn:
		if !present {
			return false
		}
		for _, s := range e.Set {
			if s == value {
				return true
			}
		}
		return false
	case OpRange:
		return present && value >= e.Min && value <= e.Max
	case OpRegex:
		if !present {
			return false
		}
		if e.re == nil {
			// Expr built as a literal; compile lazily and fail closed.
			re, err := regexp.Compile(e.Value)
			if err != nil {
				return false
			}
			return re.MatchString(value)
		}
		return e.re.MatchString(value)
	case OpExists:
		return present
	case OpNot:
		if len(e.Sub) != 1 {
			return false
		}
		return !e.Sub[0].Eval(value, present)
	case OpAnd:
		for _, s := range e.Sub {
			if !s.Eval(value, present) {
				return false
			}
		}
		return true
	case OpOr:
		for _, s := range e.Sub {
			if s.Eval(value, present) {
				return true
			}
		}
		return false
	}
	return false
}

// String renders the expression in a compact prefix form.
func (e Expr) String() string {
	switch e.Op {
	case OpEqual, OpRegex:
		return fmt.Sprintf("%s(%q)", e.Op, e.Value)
	case OpIn:
		return fmt.Sprintf("in(%s)", strings.Join(e.Set, ","))
	case OpRange:
		return fmt.Sprintf("range(%q,%q)", e.Min, e.Max)
	case OpExists:
		return "exists"
	}
	parts := make([]string, len(e.Sub))
	for i, s := range e.Sub {
		parts[i] = s.String()
	}
	return fmt.Sprintf("%s(%s)", e.Op, strings.Join(parts, ","))
}
