// Package batch accumulates items and hands them to a handler in bulk.
//
// A batch is flushed when it reaches Size, when it has been pending for
// FlushInterval, or on Close. A failed batch stays at the head of the
// buffer and is retried as a whole up to MaxRedeliveries times before it is
// reported as failed, so later items never overtake it.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/pkg/clock"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("batch: processor closed")

// Handler delivers one batch. The slice is only valid for the duration of
// the call.
type Handler[T any] func(ctx context.Context, batch []T) error

// Outcome observes the terminal result of every batch: err is nil when the
// batch was delivered.
type Outcome[T any] func(batch []T, err error)

// Config configures a Processor.
type Config struct {
	Size            int
	FlushInterval   time.Duration
	MaxRedeliveries int
	Backoff         time.Duration
	Clock           clock.Clock

	// OnRetry is called before each redelivery of a failed batch.
	OnRetry func()
}

// Processor is owned by a single goroutine. Pending, Batches and
// Redeliveries may be read from anywhere.
type Processor[T any] struct {
	cfg     Config
	handler Handler[T]
	outcome Outcome[T]

	buf    []T
	oldest time.Time
	closed bool

	pending      atomic.Int64
	batches      atomic.Uint64
	redeliveries atomic.Uint64
}

// New creates a processor.
func New[T any](cfg Config, handler Handler[T], outcome Outcome[T]) (*Processor[T], error) {
	if cfg.Size < 1 {
		return nil, &event.InvalidConfigurationError{Field: "batch_size", Reason: fmt.Sprintf("must be >= 1, got %d", cfg.Size)}
	}
	if cfg.MaxRedeliveries < 0 {
		return nil, &event.InvalidConfigurationError{Field: "max_redeliveries", Reason: "must be >= 0"}
	}
	if handler == nil {
		return nil, &event.InvalidConfigurationError{Field: "batch_handler", Reason: "required"}
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = constants.DefaultBatchFlush
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if outcome == nil {
		outcome = func([]T, error) {}
	}
	return &Processor[T]{
		cfg:     cfg,
		handler: handler,
		outcome: outcome,
		buf:     make([]T, 0, cfg.Size),
	}, nil
}

// Add appends item and flushes once a full batch is buffered. The returned
// error is the terminal failure of that batch, if any.
func (p *Processor[T]) Add(ctx context.Context, item T) error {
	if p.closed {
		return ErrClosed
	}
	if len(p.buf) == 0 {
		p.oldest = p.cfg.Clock.Now()
	}
	p.buf = append(p.buf, item)
	p.pending.Add(1)
	if len(p.buf) < p.cfg.Size {
		return nil
	}
	return p.flushFull(ctx)
}

// Due reports whether the pending partial batch has waited FlushInterval.
func (p *Processor[T]) Due() bool {
	return len(p.buf) > 0 && p.cfg.Clock.Now().Sub(p.oldest) >= p.cfg.FlushInterval
}

// Wait returns how long until the pending batch becomes due, or zero when
// nothing is pending.
func (p *Processor[T]) Wait() time.Duration {
	if len(p.buf) == 0 {
		return 0
	}
	d := p.cfg.FlushInterval - p.cfg.Clock.Now().Sub(p.oldest)
	if d < 0 {
		return 0
	}
	return d
}

// Flush delivers everything buffered, in batches of at most Size.
func (p *Processor[T]) Flush(ctx context.Context) error {
	var errs []error
	for len(p.buf) > 0 {
		if err := p.deliverHead(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes the remainder and rejects further Adds.
func (p *Processor[T]) Close(ctx context.Context) error {
	if p.closed {
		return nil
	}
	err := p.Flush(ctx)
	p.closed = true
	return err
}

// Drain hands the buffered items back without delivering them.
func (p *Processor[T]) Drain() []T {
	out := p.buf
	p.buf = make([]T, 0, p.cfg.Size)
	p.pending.Store(0)
	return out
}

func (p *Processor[T]) flushFull(ctx context.Context) error {
	var errs []error
	for len(p.buf) >= p.cfg.Size {
		if err := p.deliverHead(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deliverHead delivers the first batch, retrying it in place on failure.
func (p *Processor[T]) deliverHead(ctx context.Context) error {
	n := min(len(p.buf), p.cfg.Size)
	batch := p.buf[:n:n]

	var err error
	for attempt := 0; ; attempt++ {
		err = p.call(ctx, batch)
		if err == nil || attempt >= p.cfg.MaxRedeliveries || ctx.Err() != nil {
			break
		}
		p.redeliveries.Add(1)
		if p.cfg.OnRetry != nil {
			p.cfg.OnRetry()
		}
		if !sleep(ctx, p.cfg.Backoff) {
			break
		}
	}

	p.outcome(batch, err)
	if err == nil {
		p.batches.Add(1)
	}

	rest := make([]T, len(p.buf)-n, max(p.cfg.Size, len(p.buf)-n))
	copy(rest, p.buf[n:])
	p.buf = rest
	p.pending.Add(-int64(n))
	if len(p.buf) > 0 {
		p.oldest = p.cfg.Clock.Now()
	}
	return err
}

func (p *Processor[T]) call(ctx context.Context, batch []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch handler panic: %v", r)
		}
	}()
	return p.handler(ctx, batch)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Pending returns the number of buffered items.
func (p *Processor[T]) Pending() int { return int(p.pending.Load()) }

// Batches returns the number of delivered batches.
func (p *Processor[T]) Batches() uint64 { return p.batches.Load() }

// Redeliveries returns the number of batch retries.
func (p *Processor[T]) Redeliveries() uint64 { return p.redeliveries.Load() }
