// Package eventbus is the in-process publish/subscribe bus.
//
// Producers call Publish from any goroutine. Each event is routed by topic
// to the matching subscribers and copied into their bounded queues; one
// worker goroutine per subscriber drains its queue in priority order.
// Publish never blocks: a subscriber whose queue is full or above its high
// watermark refuses the event, and the event is still accepted as long as
// one subscriber took it.
//
// Usage:
//
//	bus, err := eventbus.New(eventbus.DefaultConfig(), eventbus.WithLogger(logger))
//	id, err := bus.Subscribe("audit", "user.#", eventbus.SubscriberConfig{Handler: h})
//	res, err := bus.Publish(ctx, event.New("user.created", payload))
//	report, err := bus.Shutdown(ctx)
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/breaker"
	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/internal/metrics"
	"github.com/sureshkrishnan-v/pulsebus/internal/pressure"
	"github.com/sureshkrishnan-v/pulsebus/internal/queue"
	"github.com/sureshkrishnan-v/pulsebus/internal/registry"
	"github.com/sureshkrishnan-v/pulsebus/internal/routing"
	"github.com/sureshkrishnan-v/pulsebus/internal/topic"
	"github.com/sureshkrishnan-v/pulsebus/internal/worker"
	"github.com/sureshkrishnan-v/pulsebus/pkg/clock"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
	"github.com/sureshkrishnan-v/pulsebus/pkg/filter"
)

type busState int32

const (
	stateRunning busState = iota
	stateShuttingDown
	stateClosed
	stateFailed
)

// PublishResult describes the fan-out of one accepted event.
type PublishResult struct {
	EventID  uint64
	Matched  int
	Enqueued int
	Refused  int
}

// MetricsSnapshot is a point-in-time copy of the bus counters.
type MetricsSnapshot = metrics.Snapshot

// SubscriberInfo describes one live subscription.
type SubscriberInfo struct {
	ID        event.SubscriberID `json:"id"`
	Name      string             `json:"name"`
	Pattern   string             `json:"pattern"`
	Mode      DeliveryMode       `json:"mode"`
	State     string             `json:"state"`
	QueueLen  int                `json:"queue_len"`
	QueueCap  int                `json:"queue_cap"`
	Breaker   string             `json:"breaker"`
	Delivered uint64             `json:"delivered"`
	Dropped   uint64             `json:"dropped"`
	Abandoned uint64             `json:"abandoned"`
}

// ShutdownReport accounts for every event accepted over the bus lifetime:
// Delivered + Dropped + Abandoned == Accepted.
type ShutdownReport struct {
	Accepted  uint64
	Delivered uint64
	Dropped   uint64
	Abandoned uint64

	Drained int
	Aborted int
	Stuck   int
	Elapsed time.Duration
}

// Balanced reports whether every accepted event reached an outcome.
func (r ShutdownReport) Balanced() bool {
	return r.Delivered+r.Dropped+r.Abandoned == r.Accepted
}

type subscriber struct {
	id      event.SubscriberID
	name    string
	pattern string
	mode    DeliveryMode

	queue   *queue.Backpressure[*event.Event]
	breaker *breaker.Breaker
	worker  *worker.Worker
	mailbox *worker.Mailbox

	// gate orders enqueues against removal: publishers hold it shared,
	// Unsubscribe and Shutdown take it exclusively to mark the entry broken.
	gate   sync.RWMutex
	broken bool

	releaseOnce sync.Once
}

// Bus routes events from publishers to subscribers.
type Bus struct {
	cfg     Config
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	routes  *routing.Table
	subs    *registry.Registry[event.SubscriberID, *subscriber]
	pubs    *registry.Registry[event.PublisherID, *Publisher]
	pool    *worker.Pool
	credits *pressure.Controller

	// mu serialises lifecycle changes: registrations hold it shared,
	// Shutdown takes it exclusively to stop accepting them.
	mu       sync.RWMutex
	stopping bool
	state    atomic.Int32
	failure  atomic.Pointer[string]
	eventID  atomic.Uint64

	// stopCtx is cancelled when Shutdown begins; leaving counts Unsubscribe
	// calls still stopping a worker.
	stopCtx context.Context
	stopAll context.CancelFunc
	leaving sync.WaitGroup

	stopMonitor chan struct{}
	monitorDone chan struct{}
}

// New validates cfg, filling zero fields with defaults, and returns a
// running bus.
func New(cfg Config, opts ...Option) (*Bus, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: zap.NewNop(), clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}

	credits, err := pressure.New(cfg.MaxPendingEvents, cfg.HighWaterMarkPercent, cfg.LowWaterMarkPercent)
	if err != nil {
		return nil, err
	}

	b := &Bus{
		cfg:         cfg,
		log:         o.logger.Named("eventbus"),
		clock:       o.clock,
		metrics:     metrics.New(),
		routes:      routing.New(),
		subs:        registry.New[event.SubscriberID, *subscriber]("max_subscribers", cfg.MaxSubscribers),
		pubs:        registry.New[event.PublisherID, *Publisher]("publishers", 0),
		pool:        worker.NewPool(),
		credits:     credits,
		stopMonitor: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
	b.stopCtx, b.stopAll = context.WithCancel(context.Background())
	if o.observer != nil {
		b.metrics.SetObserver(o.observer)
	}
	credits.OnChange(func(triggered bool) {
		if triggered {
			b.log.Warn("Backpressure engaged",
				zap.Int("pending", credits.InUse()),
				zap.Int("threshold", credits.Threshold()))
		} else {
			b.log.Info("Backpressure released", zap.Int("pending", credits.InUse()))
		}
	})

	if cfg.EnableMonitoring {
		go b.monitor(cfg.MonitoringInterval)
	} else {
		close(b.monitorDone)
	}

	b.log.Info("Event bus started",
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("max_subscribers", cfg.MaxSubscribers),
		zap.Int("max_pending_events", cfg.MaxPendingEvents),
		zap.Bool("priority", cfg.EnablePriority),
		zap.Bool("filtering", cfg.EnableFiltering))
	return b, nil
}

// Config returns the effective configuration.
func (b *Bus) Config() Config { return b.cfg }

func (b *Bus) checkState() error {
	switch busState(b.state.Load()) {
	case stateRunning:
		return nil
	case stateFailed:
		reason := "failed"
		if p := b.failure.Load(); p != nil {
			reason = "failed: " + *p
		}
		return event.StateError(reason)
	default:
		return event.StateError("shutting down")
	}
}

// fail moves the bus into the permanent failed state.
func (b *Bus) fail(err error) {
	msg := err.Error()
	b.failure.CompareAndSwap(nil, &msg)
	if b.state.CompareAndSwap(int32(stateRunning), int32(stateFailed)) {
		b.log.Error("Event bus failed", zap.Error(err))
	}
}

// Publish routes e to every matching subscriber. The event is accepted when
// at least one subscriber queue took it, or when nothing matched. If every
// matched subscriber refused, the error is a *RejectedError.
func (b *Bus) Publish(ctx context.Context, e *event.Event) (PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return PublishResult{}, err
	}
	if err := b.checkState(); err != nil {
		b.metrics.Rejected()
		return PublishResult{}, err
	}
	if e == nil {
		b.metrics.Rejected()
		return PublishResult{}, &event.InvalidConfigurationError{Field: "event", Reason: "nil event"}
	}
	if err := topic.ValidateTopic(e.Topic()); err != nil {
		b.metrics.Rejected()
		return PublishResult{}, err
	}
	if err := e.Validate(); err != nil {
		b.metrics.Rejected()
		return PublishResult{}, err
	}

	stamped := e.Stamp(b.eventID.Add(1), clock.UnixNano(b.clock))
	res := PublishResult{EventID: stamped.ID()}
	rejected := RejectedError{Topic: stamped.Topic()}

	for _, id := range b.routes.FindSubscribers(stamped.Topic()) {
		s, ok := b.subs.Get(id)
		if !ok {
			continue
		}
		queued, err := b.enqueue(s, stamped)
		if !queued && err == nil {
			// Removed between lookup and enqueue.
			continue
		}
		res.Matched++
		if err != nil {
			res.Refused++
			rejected.count(err)
			b.metrics.Refused(err)
			continue
		}
		res.Enqueued++
	}

	if res.Enqueued == 0 && res.Refused > 0 {
		rejected.Matched = res.Matched
		b.metrics.Rejected()
		b.log.Debug("Event rejected",
			zap.String("topic", stamped.Topic()),
			zap.Int("matched", res.Matched),
			zap.Error(rejected.Err))
		return res, &rejected
	}
	b.metrics.Published()
	return res, nil
}

func (b *Bus) enqueue(s *subscriber, e *event.Event) (bool, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.broken {
		return false, nil
	}
	if err := b.credits.Acquire(); err != nil {
		return false, err
	}
	if err := s.queue.Offer(e, int(e.Priority())); err != nil {
		b.credits.Release(1)
		return false, err
	}
	b.metrics.Enqueued()
	s.worker.Notify()
	return true, nil
}

// Subscribe registers a push subscriber for pattern. The pattern may use
// '+' for one segment and a trailing '#' for any remainder.
func (b *Bus) Subscribe(name, pattern string, cfg SubscriberConfig) (event.SubscriberID, error) {
	if cfg.DeliveryMode == Pull {
		return 0, &event.InvalidConfigurationError{Field: "delivery_mode", Reason: "use SubscribeAsync for pull subscribers"}
	}
	s, err := b.subscribe(name, pattern, cfg)
	if err != nil {
		return 0, err
	}
	return s.id, nil
}

// SubscribeFunc registers h with default settings.
func (b *Bus) SubscribeFunc(name, pattern string, h Handler) (event.SubscriberID, error) {
	return b.Subscribe(name, pattern, SubscriberConfig{Handler: h})
}

func (b *Bus) subscribe(name, pattern string, cfg SubscriberConfig) (*subscriber, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkState(); err != nil {
		return nil, err
	}

	p, err := topic.Compile(pattern)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults(b.cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	_, s, err := b.subs.Register(func(id event.SubscriberID) (*subscriber, error) {
		return b.newSubscriber(id, name, p, cfg)
	})
	if err != nil {
		return nil, err
	}
	if _, err := b.routes.AddRoute(p, s.id); err != nil {
		b.subs.Remove(s.id)
		s.worker.Abort()
		return nil, err
	}
	b.pool.Add(s.id, s.worker)
	b.metrics.SubscriberAdded()

	b.log.Info("Subscriber registered",
		zap.Uint64("subscriber_id", uint64(s.id)),
		zap.String("name", name),
		zap.String("pattern", pattern),
		zap.String("mode", string(cfg.DeliveryMode)),
		zap.Int("queue_capacity", cfg.QueueCapacity),
		zap.Int("batch_size", cfg.BatchSize))
	return s, nil
}

func (b *Bus) newSubscriber(id event.SubscriberID, name string, p topic.Pattern, cfg SubscriberConfig) (*subscriber, error) {
	var inner queue.Buffer[*event.Event]
	if b.cfg.EnablePriority {
		pq, err := queue.NewPriority[*event.Event](event.PriorityLevels, cfg.QueueCapacity, b.cfg.SegmentSize)
		if err != nil {
			return nil, err
		}
		inner = pq.WithAging(b.cfg.PriorityAging)
	} else {
		sq, err := queue.NewSegmented[*event.Event](cfg.QueueCapacity, b.cfg.SegmentSize)
		if err != nil {
			return nil, err
		}
		inner = sq
	}
	q, err := queue.NewBackpressure(inner, b.cfg.HighWaterMarkPercent, b.cfg.LowWaterMarkPercent)
	if err != nil {
		return nil, err
	}

	log := b.log.With(zap.Uint64("subscriber_id", uint64(id)), zap.String("subscriber", name))
	q.OnChange(func(triggered bool) {
		log.Debug("Subscriber queue watermark crossed", zap.Bool("backpressure", triggered), zap.Int("len", q.Len()))
	})

	s := &subscriber{
		id:      id,
		name:    name,
		pattern: p.String(),
		mode:    cfg.DeliveryMode,
		queue:   q,
		breaker: breaker.New(breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			RecoveryTimeout:  cfg.recoveryTimeout(),
			Clock:            b.clock,
			OnStateChange: func(from, to breaker.State) {
				log.Warn("Circuit breaker state changed", zap.Stringer("from", from), zap.Stringer("to", to))
			},
		}),
	}

	wcfg := worker.Config{
		ID:                id,
		Name:              name,
		Queue:             q,
		Filter:            b.subscriberFilter(cfg),
		Breaker:           s.breaker,
		MaxInFlight:       cfg.MaxInFlight,
		BatchSize:         cfg.BatchSize,
		FlushInterval:     cfg.FlushInterval,
		MaxRedeliveries:   cfg.MaxRedeliveries,
		RedeliveryBackoff: cfg.RedeliveryBackoff,
		Metrics:           b.metrics,
		Credits:           b.credits,
		Clock:             b.clock,
		Logger:            b.log,
		OnFatal:           b.fail,
	}
	if cfg.DeliveryMode == Pull {
		s.mailbox = worker.NewMailbox()
		wcfg.Mailbox = s.mailbox
		wcfg.Breaker = nil
	} else {
		h, bh := bind(cfg, id)
		if h != nil {
			wcfg.Deliver = worker.Handler(h)
		}
		if bh != nil {
			wcfg.DeliverBatch = worker.BatchHandler(bh)
		}
	}

	w, err := worker.New(wcfg)
	if err != nil {
		return nil, err
	}
	s.worker = w
	return s, nil
}

// subscriberFilter combines the priority floor with the user filter. The
// user filter is ignored when filtering is disabled bus-wide.
func (b *Bus) subscriberFilter(cfg SubscriberConfig) filter.Filter {
	var fs []filter.Filter
	if cfg.PriorityFloor > event.Low {
		fs = append(fs, filter.MinPriority(cfg.PriorityFloor))
	}
	if b.cfg.EnableFiltering && cfg.Filter != nil {
		fs = append(fs, cfg.Filter)
	}
	switch len(fs) {
	case 0:
		return nil
	case 1:
		return fs[0]
	default:
		return filter.All(fs...)
	}
}

// Unsubscribe removes the subscriber. Queued events are drained within
// drain_timeout when drain_on_unsubscribe is set, otherwise abandoned. It
// reports false if id is unknown or already removed.
//
// A handler may unsubscribe its own subscriber. The call then returns at
// once and the worker finishes (or abandons) the queue after the handler
// returns.
func (b *Bus) Unsubscribe(id event.SubscriberID) bool {
	b.mu.RLock()
	if busState(b.state.Load()) == stateShuttingDown || busState(b.state.Load()) == stateClosed {
		b.mu.RUnlock()
		return false
	}
	s, ok := b.subs.Get(id)
	if !ok || !s.markBroken() {
		b.mu.RUnlock()
		return false
	}
	b.routes.RemoveSubscriber(id)
	b.leaving.Add(1)
	b.mu.RUnlock()
	defer b.leaving.Done()

	if s.worker.Current() {
		if b.cfg.DrainOnUnsubscribe {
			s.worker.Close()
		} else {
			s.worker.Discard()
		}
		go func() {
			<-s.worker.Done()
			b.pool.Remove(context.Background(), id, true)
			b.release(s)
		}()
		b.log.Info("Subscriber removed from its own handler",
			zap.Uint64("subscriber_id", uint64(id)),
			zap.String("name", s.name))
		return true
	}

	ctx, cancel := context.WithTimeout(b.stopCtx, b.cfg.DrainTimeout)
	defer cancel()
	r, _ := b.pool.Remove(ctx, id, b.cfg.DrainOnUnsubscribe)
	b.release(s)

	st := s.worker.Stats()
	b.log.Info("Subscriber removed",
		zap.Uint64("subscriber_id", uint64(id)),
		zap.String("name", s.name),
		zap.Bool("drained", r.Drained == 1),
		zap.Uint64("delivered", st.Delivered),
		zap.Uint64("abandoned", st.Abandoned))
	return true
}

// release frees the registry entry of a stopped subscriber, once.
func (b *Bus) release(s *subscriber) {
	s.releaseOnce.Do(func() {
		if s.mailbox != nil {
			s.mailbox.Close()
		}
		b.subs.Remove(s.id)
		b.routes.RemoveSubscriber(s.id)
		b.metrics.SubscriberRemoved()
	})
}

// markBroken stops further enqueues. It reports false if already broken.
func (s *subscriber) markBroken() bool {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.broken {
		return false
	}
	s.broken = true
	return true
}

// Pause holds delivery to id. Events keep queueing up to capacity.
func (b *Bus) Pause(id event.SubscriberID) error {
	s, ok := b.subs.Get(id)
	if !ok {
		return &event.SubscriberNotFoundError{ID: id}
	}
	s.worker.Pause()
	return nil
}

// Resume restarts delivery to a paused subscriber.
func (b *Bus) Resume(id event.SubscriberID) error {
	s, ok := b.subs.Get(id)
	if !ok {
		return &event.SubscriberNotFoundError{ID: id}
	}
	s.worker.Resume()
	return nil
}

// Subscriber returns information about one subscription.
func (b *Bus) Subscriber(id event.SubscriberID) (SubscriberInfo, error) {
	s, ok := b.subs.Get(id)
	if !ok {
		return SubscriberInfo{}, &event.SubscriberNotFoundError{ID: id}
	}
	return s.info(), nil
}

// Subscribers lists live subscriptions ordered by id.
func (b *Bus) Subscribers() []SubscriberInfo {
	all := b.subs.All()
	out := make([]SubscriberInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	return out
}

func (s *subscriber) info() SubscriberInfo {
	st := s.worker.Stats()
	info := SubscriberInfo{
		ID:        s.id,
		Name:      s.name,
		Pattern:   s.pattern,
		Mode:      s.mode,
		State:     s.state().String(),
		QueueLen:  s.queue.Len(),
		QueueCap:  s.queue.Cap(),
		Delivered: st.Delivered,
		Dropped:   st.Dropped,
		Abandoned: st.Abandoned,
	}
	if s.mode == Push {
		info.Breaker = s.breaker.StateString()
	}
	return info
}

func (s *subscriber) state() registry.State {
	s.gate.RLock()
	broken := s.broken
	s.gate.RUnlock()
	switch {
	case broken:
		return registry.Broken
	case s.worker.Paused():
		return registry.Paused
	default:
		return registry.Active
	}
}

// MetricsSnapshot returns the current counters.
func (b *Bus) MetricsSnapshot() MetricsSnapshot {
	s := b.metrics.Snapshot()
	s.BackpressureActive = b.credits.Triggered()
	return s
}

// SetLatencyObserver installs or, with nil, removes the delivery latency
// observer.
func (b *Bus) SetLatencyObserver(o LatencyObserver) { b.metrics.SetObserver(o) }

// Routes returns the number of exact and pattern routes.
func (b *Bus) Routes() (exact, patterns int) { return b.routes.Routes() }

// Running reports whether the bus accepts work.
func (b *Bus) Running() bool { return busState(b.state.Load()) == stateRunning }

// Shutdown stops accepting work and drains every subscriber until ctx
// ends. Subscribers still busy at the deadline are aborted and their
// remaining events counted as abandoned. Shutdown returns ctx.Err() when
// any subscriber had to be aborted.
func (b *Bus) Shutdown(ctx context.Context) (ShutdownReport, error) {
	start := b.clock.Now()

	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return ShutdownReport{}, event.StateError("shutting down")
	}
	b.stopping = true
	st := busState(b.state.Load())
	if st == stateRunning {
		b.state.Store(int32(stateShuttingDown))
	}
	b.mu.Unlock()

	b.stopAll()
	b.leaving.Wait()
	close(b.stopMonitor)
	<-b.monitorDone

	subs := b.subs.All()
	for _, s := range subs {
		s.markBroken()
	}
	b.log.Info("Event bus shutting down", zap.Int("subscribers", len(subs)))

	r := b.pool.Shutdown(ctx)
	for _, s := range subs {
		b.release(s)
	}
	b.state.CompareAndSwap(int32(stateShuttingDown), int32(stateClosed))

	snap := b.metrics.Snapshot()
	report := ShutdownReport{
		Accepted:  snap.EventsEnqueued,
		Delivered: snap.EventsDelivered,
		Dropped:   snap.EventsDropped,
		Abandoned: snap.EventsAbandoned,
		Drained:   r.Drained,
		Aborted:   r.Aborted,
		Stuck:     r.Stuck,
		Elapsed:   b.clock.Now().Sub(start),
	}
	b.log.Info("Event bus stopped",
		zap.Uint64("accepted", report.Accepted),
		zap.Uint64("delivered", report.Delivered),
		zap.Uint64("dropped", report.Dropped),
		zap.Uint64("abandoned", report.Abandoned),
		zap.Int("drained", report.Drained),
		zap.Int("aborted", report.Aborted),
		zap.Int("stuck", report.Stuck),
		zap.Duration("elapsed", report.Elapsed))

	if r.Aborted+r.Stuck > 0 {
		if err := ctx.Err(); err != nil {
			return report, err
		}
	}
	return report, nil
}

// monitor periodically logs bus stats.
func (b *Bus) monitor(interval time.Duration) {
	defer close(b.monitorDone)
	if interval <= 0 {
		interval = constants.StatsCollectInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopMonitor:
			return
		case <-ticker.C:
			s := b.MetricsSnapshot()
			b.log.Info("Bus stats",
				zap.Uint64("published", s.EventsPublished),
				zap.Uint64("delivered", s.EventsDelivered),
				zap.Uint64("dropped", s.EventsDropped),
				zap.Int64("in_flight", s.InFlight),
				zap.Int64("subscribers", s.ActiveSubscribers),
				zap.Bool("backpressure", s.BackpressureActive),
				zap.Duration("avg_latency", s.AvgDeliveryLatency))
		}
	}
}
