package event

import (
	"fmt"
	"strings"
)

// Priority orders delivery within a subscriber queue. Higher values overtake lower ones.
type Priority uint8

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// PriorityLevels is the number of distinct priorities.
const PriorityLevels = int(Critical) + 1

// String returns the lower-case priority name.
func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "", "normal":
		return Normal, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	}
	return Normal, &InvalidConfigurationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
}

// MarshalText implements encoding.TextMarshaler so priorities appear by name in YAML and JSON.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
