package breaker

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/sureshkrishnan-v/pulsebus/pkg/clock"
)

func newTestBreaker(threshold int) (*Breaker, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1000, 0))
	return New(Config{FailureThreshold: threshold, RecoveryTimeout: time.Second, Clock: clk}), clk
}

// Scenario S5.
func TestBreaker_OpenAndRecover(t *testing.T) {
	b, clk := newTestBreaker(3)

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("closed breaker refused attempt %d", i)
		}
		b.RecordFailure()
	}
	if !b.IsClosed() || b.Failures() != 2 {
		t.Fatalf("after 2 failures: state %s failures %d", b, b.Failures())
	}

	b.Allow()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("after 3 failures state = %s, want open", b)
	}
	if b.Allow() {
		t.Fatal("open breaker allowed a delivery")
	}

	clk.Advance(999 * time.Millisecond)
	if b.Allow() {
		t.Fatal("allowed before recovery timeout")
	}
	clk.Advance(time.Millisecond)
	if !b.Allow() {
		t.Fatal("first attempt after recovery timeout refused")
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %s, want half-open", b)
	}
	if b.Allow() {
		t.Error("second trial admitted while half-open")
	}
	b.RecordSuccess()
	if !b.IsClosed() || b.Failures() != 0 {
		t.Errorf("after trial success: %s failures %d", b, b.Failures())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure()
	clk.Advance(time.Second)
	if !b.Allow() {
		t.Fatal("trial refused")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b)
	}
	clk.Advance(500 * time.Millisecond)
	if b.Allow() {
		t.Error("recovery clock was not reset by the failed trial")
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var got []string
	clk := clock.NewManual(time.Unix(0, 0))
	b := New(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		Clock:            clk,
		OnStateChange:    func(from, to State) { got = append(got, from.String()+">"+to.String()) },
	})
	b.RecordFailure()
	clk.Advance(time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

// Property 8: threshold consecutive failures open the breaker and any success
// in Closed resets the count.
func TestBreaker_ThresholdProperty(t *testing.T) {
	prop := func(outcomes []bool, th uint8) bool {
		threshold := int(th%5) + 1
		b, _ := newTestBreaker(threshold)
		run := 0
		for _, ok := range outcomes {
			if b.State() == Open {
				return run >= threshold
			}
			if ok {
				b.RecordSuccess()
				run = 0
				if b.Failures() != 0 {
					return false
				}
			} else {
				b.RecordFailure()
				run++
			}
			if (run >= threshold) != (b.State() == Open) {
				return false
			}
		}
		return true
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Error(err)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
