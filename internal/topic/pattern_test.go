package topic

import (
	"errors"
	"strings"
	"testing"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

func TestCompile(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
		exact   bool
	}{
		{"orders.created", false, true},
		{"orders.+.created", false, false},
		{"orders.#", false, false},
		{"#", false, false},
		{"+", false, false},
		{"", true, false},
		{"orders..created", true, false},
		{".orders", true, false},
		{"orders.", true, false},
		{"orders.#.created", true, false},
		{"orders.ab+", true, false},
		{"orders.#x", true, false},
		{"bad\x00topic", true, false},
		{"bad\xff", true, false},
		{strings.Repeat("a", 257), true, false},
		{strings.Repeat("a", 256), false, true},
	}
	for _, tt := range tests {
		p, err := Compile(tt.pattern)
		if (err != nil) != tt.wantErr {
			t.Errorf("Compile(%q) err = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			continue
		}
		if err != nil {
			if !errors.Is(err, event.ErrInvalidTopic) {
				t.Errorf("Compile(%q) err = %v, want ErrInvalidTopic", tt.pattern, err)
			}
			continue
		}
		if p.IsExact() != tt.exact {
			t.Errorf("Compile(%q).IsExact() = %v, want %v", tt.pattern, p.IsExact(), tt.exact)
		}
	}
}

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		topic   string
		wantErr bool
	}{
		{"orders.created", false},
		{"a", false},
		{"ünïcode.topic", false},
		{"", true},
		{"orders.+", true},
		{"orders.#", true},
		{"a..b", true},
		{"a.b.", true},
		{"nul\x00", true},
	}
	for _, tt := range tests {
		err := ValidateTopic(tt.topic)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateTopic(%q) = %v, wantErr %v", tt.topic, err, tt.wantErr)
		}
	}
}

// Matching over a.b.c, a.+.c and a.#. The tail wildcard takes zero or more
// segments, so a.# also matches "a" and "a.b"; a reading where a.b matches
// no pattern here would need # to take at least two segments.
func TestPattern_Matches(t *testing.T) {
	p1 := MustCompile("a.b.c")
	p2 := MustCompile("a.+.c")
	p3 := MustCompile("a.#")

	tests := []struct {
		topic      string
		p1, p2, p3 bool
	}{
		{"a.b.c", true, true, true},
		{"a.x.c", false, true, true},
		{"a.b.c.d", false, false, true},
		{"a.b", false, false, true}, // # takes one trailing segment
		{"a", false, false, true},
		{"b.b.c", false, false, false},
		{"a.b.d", false, false, true},
	}
	for _, tt := range tests {
		for i, c := range []struct {
			p    Pattern
			want bool
		}{{p1, tt.p1}, {p2, tt.p2}, {p3, tt.p3}} {
			if got := c.p.Matches(tt.topic); got != c.want {
				t.Errorf("p%d(%s).Matches(%q) = %v, want %v", i+1, c.p, tt.topic, got, c.want)
			}
			if got := c.p.MatchSegments(Split(tt.topic)); got != c.want {
				t.Errorf("p%d(%s).MatchSegments(%q) = %v, want %v", i+1, c.p, tt.topic, got, c.want)
			}
		}
	}
}

func TestPattern_SingleWildcardExactlyOneSegment(t *testing.T) {
	p := MustCompile("+.+")
	for topic, want := range map[string]bool{
		"a":     false,
		"a.b":   true,
		"a.b.c": false,
	} {
		if got := p.Matches(topic); got != want {
			t.Errorf("Matches(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestPattern_MultiAlone(t *testing.T) {
	p := MustCompile("#")
	for _, topic := range []string{"a", "a.b", "x.y.z.w"} {
		if !p.Matches(topic) {
			t.Errorf("# did not match %q", topic)
		}
	}
}

func BenchmarkPattern_Matches(b *testing.B) {
	p := MustCompile("orders.+.eu.#")
	for i := 0; i < b.N; i++ {
		p.Matches("orders.created.eu.west.1")
	}
}
