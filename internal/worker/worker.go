// Package worker drains per-subscriber queues.
//
// Each subscriber gets exactly one worker goroutine, which keeps delivery
// FIFO within every priority level and isolates a blocked subscriber from
// the others. The loop is pop, filter, breaker gate, deliver, record,
// release credit.
//
// Every event popped by a worker reaches exactly one terminal outcome:
// delivered, dropped (filtered, short-circuited or failed) or abandoned.
// Abort may race with a delivery that is still running; whichever side
// records the outcome first wins and the other side discards its result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/batch"
	"github.com/sureshkrishnan-v/pulsebus/internal/breaker"
	"github.com/sureshkrishnan-v/pulsebus/internal/metrics"
	"github.com/sureshkrishnan-v/pulsebus/internal/pressure"
	"github.com/sureshkrishnan-v/pulsebus/internal/queue"
	"github.com/sureshkrishnan-v/pulsebus/pkg/clock"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
	"github.com/sureshkrishnan-v/pulsebus/pkg/filter"
)

var (
	errBreakerOpen = errors.New("circuit breaker open")
	errAborted     = errors.New("worker aborted")
)

// Handler delivers one event.
type Handler func(ctx context.Context, e *event.Event) error

// BatchHandler delivers a batch of events.
type BatchHandler func(ctx context.Context, batch []*event.Event) error

// Config configures a Worker. Exactly one of Deliver, DeliverBatch and
// Mailbox must be set.
type Config struct {
	ID    event.SubscriberID
	Name  string
	Queue queue.Buffer[*event.Event]

	Filter  filter.Filter
	Breaker *breaker.Breaker

	Deliver      Handler
	DeliverBatch BatchHandler
	Mailbox      *Mailbox
	MaxInFlight  int

	BatchSize         int
	FlushInterval     time.Duration
	MaxRedeliveries   int
	RedeliveryBackoff time.Duration

	Metrics *metrics.Metrics
	Credits *pressure.Controller
	Clock   clock.Clock
	Logger  *zap.Logger

	// OnFatal is called once if the queue reports corruption.
	OnFatal func(error)
}

type phase int

const (
	idle phase = iota
	busy
	abandoned
	exited
)

// Stats are per-subscriber delivery counters.
type Stats struct {
	Delivered uint64
	Dropped   uint64
	Abandoned uint64
	Pending   int
}

// Worker drains one subscriber queue.
type Worker struct {
	cfg    Config
	log    *zap.Logger
	batch  *batch.Processor[*event.Event]
	ctx    context.Context
	cancel context.CancelFunc

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
	gid      atomic.Uint64

	closing atomic.Bool
	discard atomic.Bool
	paused  atomic.Bool

	// mu gates popping so that Abort can stop the worker between events.
	mu      sync.Mutex
	stopped atomic.Bool

	// acct guards the outcome accounting shared with Abort.
	acct  sync.Mutex
	phase phase
	held  int

	delivered atomic.Uint64
	dropped   atomic.Uint64
	abandoned atomic.Uint64
}

// New validates cfg and builds a worker. Call Start to run it.
func New(cfg Config) (*Worker, error) {
	modes := 0
	for _, set := range []bool{cfg.Deliver != nil, cfg.DeliverBatch != nil, cfg.Mailbox != nil} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return nil, &event.InvalidConfigurationError{Field: "delivery", Reason: "exactly one of handler, batch handler or pull mailbox is required"}
	}
	if cfg.Queue == nil {
		return nil, &event.InvalidConfigurationError{Field: "queue", Reason: "required"}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:    cfg,
		log:    cfg.Logger.Named("worker").With(zap.Uint64("subscriber_id", uint64(cfg.ID)), zap.String("subscriber", cfg.Name)),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if cfg.DeliverBatch != nil {
		size := max(cfg.BatchSize, 1)
		p, err := batch.New(batch.Config{
			Size:            size,
			FlushInterval:   cfg.FlushInterval,
			MaxRedeliveries: cfg.MaxRedeliveries,
			Backoff:         cfg.RedeliveryBackoff,
			Clock:           cfg.Clock,
			OnRetry:         cfg.Metrics.Redelivered,
		}, w.deliverBatch, w.batchOutcome)
		if err != nil {
			cancel()
			return nil, err
		}
		w.batch = p
	}
	return w, nil
}

// Start launches the worker goroutine. Calling it twice is a no-op.
func (w *Worker) Start() {
	if w.started.CompareAndSwap(false, true) {
		go w.run()
	}
}

// Notify wakes the worker after an enqueue.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pause holds delivery. Events keep queueing.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume releases a paused worker.
func (w *Worker) Resume() {
	w.paused.Store(false)
	w.Notify()
}

// Paused reports whether the worker is paused.
func (w *Worker) Paused() bool { return w.paused.Load() }

// Close asks the worker to drain its queue, flush any pending batch and exit.
func (w *Worker) Close() {
	w.closing.Store(true)
	w.Notify()
}

// Current reports whether the caller runs on the worker goroutine, that is
// from inside one of its deliveries. Such a caller must not wait for Done.
func (w *Worker) Current() bool {
	id := w.gid.Load()
	return id != 0 && id == goid()
}

// Discard makes the worker abandon its queue and exit once the running
// delivery, if any, returns. Unlike Abort it never cuts a delivery short.
func (w *Worker) Discard() {
	w.discard.Store(true)
	w.Notify()
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Abort stops the worker between events and abandons everything still
// queued. If a delivery is running it is abandoned too and Abort reports
// true: the caller must not wait for Done, since the handler may never
// return.
func (w *Worker) Abort() bool {
	w.mu.Lock()
	w.stopped.Store(true)
	w.mu.Unlock()
	w.quitOnce.Do(func() {
		close(w.quit)
		w.cancel()
	})

	w.acct.Lock()
	running := w.phase == busy
	if running {
		w.phase = abandoned
		w.abandonLocked(w.held)
		w.held = 0
	}
	w.acct.Unlock()

	// The worker can no longer pop, so the residue is ours.
	n := 0
	for {
		if _, ok := w.cfg.Queue.Poll(); !ok {
			break
		}
		n++
	}
	if n > 0 {
		w.acct.Lock()
		w.abandonLocked(n)
		w.acct.Unlock()
	}
	if w.started.CompareAndSwap(false, true) {
		// Never started: nobody else will close done.
		w.acct.Lock()
		w.phase = exited
		w.acct.Unlock()
		close(w.done)
	}
	return running
}

// Stats returns the per-subscriber counters.
func (w *Worker) Stats() Stats {
	s := Stats{
		Delivered: w.delivered.Load(),
		Dropped:   w.dropped.Load(),
		Abandoned: w.abandoned.Load(),
	}
	w.acct.Lock()
	s.Pending = w.held
	w.acct.Unlock()
	return s
}

func (w *Worker) run() {
	w.gid.Store(goid())
	defer close(w.done)
	defer w.cancel()

	for {
		if w.stopped.Load() {
			w.exit()
			return
		}
		if w.discard.Load() {
			w.Abort()
			w.exit()
			return
		}
		if w.paused.Load() && !w.closing.Load() {
			w.idle(0)
			continue
		}
		if mb := w.cfg.Mailbox; mb != nil && w.cfg.MaxInFlight > 0 && mb.Len() >= w.cfg.MaxInFlight && !mb.Closed() && !w.closing.Load() {
			select {
			case <-mb.Space():
			case <-w.wake:
			case <-w.quit:
			}
			continue
		}

		e, ok := w.next()
		if ok {
			w.process(e)
			w.settle()
			continue
		}

		if err := w.cfg.Queue.Err(); err != nil {
			w.log.Error("Subscriber queue corrupted", zap.Error(err))
			if w.cfg.OnFatal != nil {
				w.cfg.OnFatal(err)
			}
			w.Abort()
			w.exit()
			return
		}
		if w.batch != nil && w.batch.Pending() > 0 && (w.batch.Due() || w.closing.Load()) {
			if w.begin() {
				w.batch.Flush(w.ctx)
				w.settle()
			}
			continue
		}
		if w.closing.Load() {
			w.exit()
			return
		}
		var wait time.Duration
		if w.batch != nil {
			wait = w.batch.Wait()
		}
		w.idle(wait)
	}
}

// next pops one event unless the worker has been aborted.
func (w *Worker) next() (*event.Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped.Load() {
		return nil, false
	}
	e, ok := w.cfg.Queue.Poll()
	if ok {
		w.acct.Lock()
		w.phase = busy
		w.held++
		w.acct.Unlock()
	}
	return e, ok
}

// begin marks the worker busy for a flush of already-held events.
func (w *Worker) begin() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped.Load() {
		return false
	}
	w.acct.Lock()
	w.phase = busy
	w.acct.Unlock()
	return true
}

// settle returns to idle unless Abort took over.
func (w *Worker) settle() {
	w.acct.Lock()
	if w.phase == busy {
		w.phase = idle
	}
	w.acct.Unlock()
}

func (w *Worker) idle(d time.Duration) {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-w.wake:
	case <-w.quit:
	case <-timeout:
	}
}

// exit abandons events still held in a pending batch.
func (w *Worker) exit() {
	w.acct.Lock()
	defer w.acct.Unlock()
	if w.phase != abandoned && w.held > 0 {
		if w.batch != nil {
			w.batch.Drain()
		}
		w.abandonLocked(w.held)
		w.held = 0
	}
	w.phase = exited
}

func (w *Worker) process(e *event.Event) {
	if w.cfg.Filter != nil && !w.cfg.Filter.Match(e) {
		w.record(1, outcomeFiltered, 0)
		return
	}

	switch {
	case w.cfg.Mailbox != nil:
		if w.cfg.Mailbox.Put(e) {
			w.record(1, outcomeDelivered, w.latency(e))
		} else {
			w.record(1, outcomeFailed, 0)
		}
	case w.batch != nil:
		// Terminal outcomes arrive through batchOutcome.
		w.batch.Add(w.ctx, e)
	default:
		w.deliverOne(e)
	}
}

func (w *Worker) deliverOne(e *event.Event) {
	br := w.cfg.Breaker
	for attempt := 0; ; attempt++ {
		if br != nil && !br.Allow() {
			w.record(1, outcomeShortCircuited, 0)
			return
		}
		err := w.call(e)
		if err == nil {
			if br != nil {
				br.RecordSuccess()
			}
			w.record(1, outcomeDelivered, w.latency(e))
			return
		}
		if br != nil {
			br.RecordFailure()
		}
		w.cfg.Metrics.DeliveryFailure()
		w.log.Debug("Delivery failed",
			zap.Uint64("event_id", e.ID()),
			zap.String("topic", e.Topic()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt >= w.cfg.MaxRedeliveries || w.stopped.Load() {
			w.record(1, outcomeFailed, 0)
			return
		}
		w.cfg.Metrics.Redelivered()
		if !w.backoff() {
			w.record(1, outcomeFailed, 0)
			return
		}
	}
}

func (w *Worker) call(e *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Subscriber handler panicked", zap.Any("panic", r), zap.Uint64("event_id", e.ID()))
			err = &event.DeliveryFailedError{SubscriberID: w.cfg.ID, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return w.cfg.Deliver(w.ctx, e)
}

func (w *Worker) backoff() bool {
	if w.cfg.RedeliveryBackoff <= 0 {
		return !w.stopped.Load()
	}
	t := time.NewTimer(w.cfg.RedeliveryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.quit:
		return false
	}
}

func (w *Worker) deliverBatch(ctx context.Context, b []*event.Event) error {
	if w.stopped.Load() {
		return errAborted
	}
	br := w.cfg.Breaker
	if br != nil && !br.Allow() {
		return errBreakerOpen
	}
	err := w.cfg.DeliverBatch(ctx, b)
	if br != nil {
		if err != nil {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
	}
	if err != nil {
		w.cfg.Metrics.DeliveryFailure()
		w.log.Debug("Batch delivery failed", zap.Int("size", len(b)), zap.Error(err))
	}
	return err
}

func (w *Worker) batchOutcome(b []*event.Event, err error) {
	switch {
	case err == nil:
		var lat time.Duration
		if len(b) > 0 {
			lat = w.latency(b[0])
		}
		if w.record(len(b), outcomeDelivered, lat) {
			w.cfg.Metrics.BatchDelivered()
		}
	case errors.Is(err, errBreakerOpen):
		w.record(len(b), outcomeShortCircuited, 0)
	default:
		// A panicking or failing batch handler, or an abort in progress.
		w.record(len(b), outcomeFailed, 0)
	}
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeFiltered
	outcomeShortCircuited
	outcomeFailed
)

// record books n terminal outcomes unless Abort already booked them.
func (w *Worker) record(n int, o outcome, latency time.Duration) bool {
	w.acct.Lock()
	defer w.acct.Unlock()
	if w.phase == abandoned || w.phase == exited {
		return false
	}
	m := w.cfg.Metrics
	switch o {
	case outcomeDelivered:
		m.Delivered(w.cfg.Name, n, latency)
		w.delivered.Add(uint64(n))
	case outcomeFiltered:
		m.Filtered(n)
		w.dropped.Add(uint64(n))
	case outcomeShortCircuited:
		m.ShortCircuited(n)
		w.dropped.Add(uint64(n))
	case outcomeFailed:
		m.Failed(n)
		w.dropped.Add(uint64(n))
	}
	w.held -= n
	w.release(n)
	return true
}

func (w *Worker) abandonLocked(n int) {
	if n <= 0 {
		return
	}
	w.cfg.Metrics.Abandoned(n)
	w.abandoned.Add(uint64(n))
	w.release(n)
}

func (w *Worker) release(n int) {
	if w.cfg.Credits != nil {
		w.cfg.Credits.Release(n)
	}
}

func (w *Worker) latency(e *event.Event) time.Duration {
	ts := e.Timestamp()
	if ts == 0 {
		return 0
	}
	d := time.Duration(int64(clock.UnixNano(w.cfg.Clock)) - int64(ts))
	if d < 0 {
		return 0
	}
	return d
}
