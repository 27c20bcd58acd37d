package registry

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// State is a subscriber lifecycle state.
type State uint32

const (
	Active State = iota
	Paused
	Broken
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Broken:
		return "broken"
	default:
		return "unknown"
	}
}

// Publisher is a registered producer identity. It owns no buffers; its only
// resource is an optional token-bucket limiter.
type Publisher struct {
	ID   event.PublisherID
	Name string

	limiter   *rate.Limiter
	published atomic.Uint64
	rejected  atomic.Uint64
}

// NewPublisher builds a publisher entry. A rate ≤ 0 disables limiting.
func NewPublisher(id event.PublisherID, name string, perSecond float64, burst int) *Publisher {
	p := &Publisher{ID: id, Name: name}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return p
}

// Allow takes one token without waiting.
func (p *Publisher) Allow() bool {
	if p.limiter == nil {
		return true
	}
	return p.limiter.Allow()
}

// Wait blocks until a token is available or ctx ends.
func (p *Publisher) Wait(ctx context.Context) error {
	if p.limiter == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}

// Limited reports whether a rate limit is configured.
func (p *Publisher) Limited() bool { return p.limiter != nil }

// Rate returns the configured events per second and burst.
func (p *Publisher) Rate() (float64, int) {
	if p.limiter == nil {
		return 0, 0
	}
	return float64(p.limiter.Limit()), p.limiter.Burst()
}

// RecordPublished counts an accepted publish.
func (p *Publisher) RecordPublished() { p.published.Add(1) }

// RecordRejected counts a refused publish.
func (p *Publisher) RecordRejected() { p.rejected.Add(1) }

// Counts returns accepted and refused publish counts.
func (p *Publisher) Counts() (published, rejected uint64) {
	return p.published.Load(), p.rejected.Load()
}
