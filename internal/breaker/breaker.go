// Package breaker implements the per-subscriber circuit breaker.
//
//	Closed   → Open      after FailureThreshold consecutive failures
//	Open     → HalfOpen  on the first Allow once RecoveryTimeout has elapsed
//	                     since the last failure
//	HalfOpen → Closed    when the trial call succeeds
//	HalfOpen → Open      when the trial call fails
//
// Exactly one trial call is admitted while HalfOpen.
package breaker

import (
	"sync"
	"time"

	"github.com/sureshkrishnan-v/pulsebus/pkg/clock"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Clock            clock.Clock
	OnStateChange    func(from, to State)
}

// Breaker is safe for concurrent use.
type Breaker struct {
	threshold int
	recovery  time.Duration
	clk       clock.Clock
	onChange  func(from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// New creates a closed breaker. A threshold below 1 is treated as 1.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Breaker{
		threshold: cfg.FailureThreshold,
		recovery:  cfg.RecoveryTimeout,
		clk:       cfg.Clock,
		onChange:  cfg.OnStateChange,
	}
}

// Allow reports whether a delivery may be attempted now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.clk.Now().Sub(b.lastFailure) < b.recovery {
			return false
		}
		b.transition(HalfOpen)
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// RecordSuccess records a successful delivery.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == HalfOpen {
		b.probing = false
		b.transition(Closed)
	}
}

// RecordFailure records a failed delivery.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clk.Now()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.probing = false
		b.transition(Open)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// State returns the current state without advancing Open → HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsClosed reports whether deliveries flow normally.
func (b *Breaker) IsClosed() bool { return b.State() == Closed }

// StateString returns the state name.
func (b *Breaker) StateString() string { return b.State().String() }

// String implements fmt.Stringer.
func (b *Breaker) String() string { return b.StateString() }

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
