// Package topic implements the dotted topic grammar: validation of concrete
// topics, compilation of subscription patterns with `+` (exactly one segment)
// and `#` (remaining tail, last segment only), and a trie index over
// compiled patterns.
package topic

import (
	"strings"
	"unicode/utf8"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// Kind classifies one pattern segment.
type Kind uint8

const (
	Literal Kind = iota
	Single
	MultiLevel
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case Literal:
		return "literal"
	case Single:
		return "single"
	case MultiLevel:
		return "multi"
	default:
		return "unknown"
	}
}

// Part is one compiled pattern segment.
type Part struct {
	Kind    Kind
	Literal string
}

// Pattern is a compiled subscription pattern.
type Pattern struct {
	raw   string
	parts []Part
	exact bool
}

// Compile parses and validates a pattern.
func Compile(pattern string) (Pattern, error) {
	if err := checkCommon(pattern); err != nil {
		return Pattern{}, err
	}

	segs := strings.Split(pattern, constants.TopicSeparator)
	p := Pattern{raw: pattern, parts: make([]Part, len(segs)), exact: true}
	for i, seg := range segs {
		switch {
		case seg == "":
			return Pattern{}, invalid(pattern, "empty segment")
		case seg == constants.WildcardSingle:
			p.parts[i] = Part{Kind: Single}
			p.exact = false
		case seg == constants.WildcardMulti:
			if i != len(segs)-1 {
				return Pattern{}, invalid(pattern, "'#' must be the last segment")
			}
			p.parts[i] = Part{Kind: MultiLevel}
			p.exact = false
		case strings.ContainsAny(seg, constants.WildcardSingle+constants.WildcardMulti):
			return Pattern{}, invalid(pattern, "wildcard mixed with literal in segment "+seg)
		default:
			p.parts[i] = Part{Kind: Literal, Literal: seg}
		}
	}
	return p, nil
}

// MustCompile is Compile that panics on error. Intended for tests and constants.
func MustCompile(pattern string) Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// ValidateTopic checks a concrete (publish-side) topic: no wildcards allowed.
func ValidateTopic(topic string) error {
	if err := checkCommon(topic); err != nil {
		return err
	}
	start := 0
	for i := 0; i <= len(topic); i++ {
		if i < len(topic) && topic[i] != '.' {
			continue
		}
		seg := topic[start:i]
		if seg == "" {
			return invalid(topic, "empty segment")
		}
		if strings.ContainsAny(seg, constants.WildcardSingle+constants.WildcardMulti) {
			return invalid(topic, "wildcards are not allowed in published topics")
		}
		start = i + 1
	}
	return nil
}

func checkCommon(s string) error {
	switch {
	case s == "":
		return invalid(s, "empty")
	case len(s) > constants.MaxTopicLength:
		return invalid(s[:32]+"...", "longer than 256 bytes")
	case strings.IndexByte(s, 0) >= 0:
		return invalid(s, "contains NUL")
	case !utf8.ValidString(s):
		return invalid(s, "not valid UTF-8")
	}
	return nil
}

func invalid(topic, reason string) error {
	return &event.InvalidTopicError{Topic: topic, Reason: reason}
}

// String returns the source pattern.
func (p Pattern) String() string { return p.raw }

// IsExact reports whether the pattern has no wildcards.
func (p Pattern) IsExact() bool { return p.exact }

// Parts returns the compiled segments.
func (p Pattern) Parts() []Part { return p.parts }

// Matches reports whether a concrete topic matches the pattern. Matching
// walks segments in place and stops early at a MultiLevel part.
func (p Pattern) Matches(topic string) bool {
	if p.exact {
		return topic == p.raw
	}
	rest, consumed := topic, false
	for _, part := range p.parts {
		if part.Kind == MultiLevel {
			return true
		}
		if consumed {
			return false
		}
		seg := rest
		if idx := strings.IndexByte(rest, '.'); idx >= 0 {
			seg, rest = rest[:idx], rest[idx+1:]
		} else {
			consumed = true
		}
		if part.Kind == Literal && part.Literal != seg {
			return false
		}
	}
	return consumed
}

// MatchSegments matches pre-split topic segments.
func (p Pattern) MatchSegments(segs []string) bool {
	for i, part := range p.parts {
		switch part.Kind {
		case MultiLevel:
			return true
		case Single:
			if i >= len(segs) {
				return false
			}
		case Literal:
			if i >= len(segs) || segs[i] != part.Literal {
				return false
			}
		}
	}
	return len(segs) == len(p.parts)
}

// Split splits a topic into segments.
func Split(topic string) []string {
	if topic == "" {
		return nil
	}
	return strings.Split(topic, constants.TopicSeparator)
}
