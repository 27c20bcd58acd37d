package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sureshkrishnan-v/pulsebus/pkg/clock"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
	"github.com/sureshkrishnan-v/pulsebus/pkg/filter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sink struct {
	mu     sync.Mutex
	events []*event.Event
}

func (s *sink) handle(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *sink) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = string(e.Payload())
	}
	return out
}

func newBus(t *testing.T, cfg Config, opts ...Option) *Bus {
	t.Helper()
	b, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = b.Shutdown(ctx)
	})
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func publish(t *testing.T, b *Bus, topicName, payload string, opts ...event.Option) PublishResult {
	t.Helper()
	res, err := b.Publish(context.Background(), event.New(topicName, []byte(payload), opts...))
	if err != nil {
		t.Fatalf("Publish(%s, %s) error = %v", topicName, payload, err)
	}
	return res
}

func subscribe(t *testing.T, b *Bus, name, pattern string, cfg SubscriberConfig) event.SubscriberID {
	t.Helper()
	id, err := b.Subscribe(name, pattern, cfg)
	if err != nil {
		t.Fatalf("Subscribe(%s, %s) error = %v", name, pattern, err)
	}
	return id
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBus_ExactRouting(t *testing.T) {
	b := newBus(t, DefaultConfig())
	var users, orders sink
	subscribe(t, b, "users", "user.created", SubscriberConfig{Handler: users.handle})
	subscribe(t, b, "orders", "order.created", SubscriberConfig{Handler: orders.handle})

	res := publish(t, b, "user.created", "u1")
	if res.Matched != 1 || res.Enqueued != 1 {
		t.Errorf("result = %+v, want 1 matched and enqueued", res)
	}

	waitFor(t, "user delivery", func() bool { return users.len() == 1 })
	if got := users.payloads(); got[0] != "u1" {
		t.Errorf("payload = %q, want u1", got[0])
	}
	time.Sleep(10 * time.Millisecond)
	if orders.len() != 0 {
		t.Errorf("orders received %d events, want 0", orders.len())
	}
}

func TestBus_WildcardAndExactCoexist(t *testing.T) {
	b := newBus(t, DefaultConfig())
	var wild, exact sink
	subscribe(t, b, "wild", "user.+", SubscriberConfig{Handler: wild.handle})
	subscribe(t, b, "exact", "user.created", SubscriberConfig{Handler: exact.handle})

	publish(t, b, "user.created", "created")
	publish(t, b, "user.deleted", "deleted")

	waitFor(t, "deliveries", func() bool { return wild.len() == 2 && exact.len() == 1 })
	if got := wild.payloads(); !equalStrings(got, []string{"created", "deleted"}) {
		t.Errorf("wildcard order = %v", got)
	}
	if got := exact.payloads(); got[0] != "created" {
		t.Errorf("exact got %v", got)
	}
}

func TestBus_PriorityPreemption(t *testing.T) {
	b := newBus(t, DefaultConfig())
	var s sink
	id := subscribe(t, b, "prio", "jobs", SubscriberConfig{Handler: s.handle})
	if err := b.Pause(id); err != nil {
		t.Fatal(err)
	}

	publish(t, b, "jobs", "A", event.WithPriority(event.Normal))
	publish(t, b, "jobs", "B", event.WithPriority(event.Normal))
	publish(t, b, "jobs", "C", event.WithPriority(event.Critical))
	publish(t, b, "jobs", "D", event.WithPriority(event.Normal))

	if err := b.Resume(id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "four deliveries", func() bool { return s.len() == 4 })
	if got := s.payloads(); !equalStrings(got, []string{"C", "A", "B", "D"}) {
		t.Errorf("delivery order = %v, want [C A B D]", got)
	}
}

func TestBus_SubscriberBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighWaterMarkPercent = 80
	cfg.LowWaterMarkPercent = 20
	b := newBus(t, cfg)

	var s sink
	id := subscribe(t, b, "slow", "metrics", SubscriberConfig{Handler: s.handle, QueueCapacity: 10})
	_ = b.Pause(id)

	for i := range 8 {
		publish(t, b, "metrics", string(rune('a'+i)))
	}
	_, err := b.Publish(context.Background(), event.New("metrics", []byte("refused")))
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("9th publish error = %v, want *RejectedError", err)
	}
	if !errors.Is(err, event.ErrBackpressureTriggered) || rej.Backpressured != 1 {
		t.Errorf("rejection = %+v, want one backpressure refusal", rej)
	}

	_ = b.Resume(id)
	waitFor(t, "drain", func() bool { return s.len() == 8 })
	publish(t, b, "metrics", "accepted")
	waitFor(t, "post-drain delivery", func() bool { return s.len() == 9 })
	for _, p := range s.payloads() {
		if p == "refused" {
			t.Error("refused event was delivered")
		}
	}

	snap := b.MetricsSnapshot()
	if snap.EventsBackpressured != 1 || snap.EventsRejected != 1 {
		t.Errorf("backpressured=%d rejected=%d, want 1/1", snap.EventsBackpressured, snap.EventsRejected)
	}
}

func TestBus_CircuitBreaker(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	b := newBus(t, DefaultConfig(), WithClock(clk))

	var calls atomic.Int32
	id := subscribe(t, b, "flaky", "payments", SubscriberConfig{
		FailureThreshold:  3,
		RecoveryTimeoutMS: 1000,
		Handler: func(_ context.Context, e *event.Event) error {
			calls.Add(1)
			if strings.HasPrefix(string(e.Payload()), "fail") {
				return errors.New("downstream unavailable")
			}
			return nil
		},
	})
	outcomes := func() uint64 {
		s := b.MetricsSnapshot()
		return s.EventsDelivered + s.EventsDropped
	}
	breakerState := func() string {
		info, err := b.Subscriber(id)
		if err != nil {
			t.Fatal(err)
		}
		return info.Breaker
	}

	publish(t, b, "payments", "fail-1")
	publish(t, b, "payments", "fail-2")
	waitFor(t, "two failures", func() bool { return outcomes() == 2 })
	if got := breakerState(); got != "closed" {
		t.Errorf("breaker after 2 failures = %s, want closed", got)
	}

	publish(t, b, "payments", "fail-3")
	waitFor(t, "third failure", func() bool { return outcomes() == 3 })
	if got := breakerState(); got != "open" {
		t.Errorf("breaker after 3 failures = %s, want open", got)
	}

	publish(t, b, "payments", "ok-4")
	waitFor(t, "short circuit", func() bool { return outcomes() == 4 })
	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}
	if s := b.MetricsSnapshot(); s.EventsShortCircuited != 1 {
		t.Errorf("short circuited = %d, want 1", s.EventsShortCircuited)
	}

	clk.Advance(2 * time.Second)
	publish(t, b, "payments", "ok-5")
	waitFor(t, "trial delivery", func() bool { return b.MetricsSnapshot().EventsDelivered == 1 })
	if got := breakerState(); got != "closed" {
		t.Errorf("breaker after trial = %s, want closed", got)
	}
	s, _ := b.subs.Get(id)
	if s.breaker.Failures() != 0 {
		t.Errorf("failures = %d, want 0", s.breaker.Failures())
	}
}

func TestBus_AdvancedFilter(t *testing.T) {
	b := newBus(t, DefaultConfig())
	high := event.High
	var s sink
	subscribe(t, b, "json", "test.topic", SubscriberConfig{
		Handler: s.handle,
		Filter: &filter.Advanced{
			Headers:  map[string]filter.Expr{"content-type": filter.Equal("application/json")},
			Priority: &high,
		},
	})

	headers := event.WithHeader("content-type", "application/json")
	publish(t, b, "test.topic", "high", event.WithPriority(event.High), headers)
	publish(t, b, "test.topic", "low", event.WithPriority(event.Low), headers)

	waitFor(t, "both outcomes", func() bool {
		snap := b.MetricsSnapshot()
		return snap.EventsDelivered+snap.EventsFiltered == 2
	})
	if got := s.payloads(); !equalStrings(got, []string{"high"}) {
		t.Errorf("delivered = %v, want [high]", got)
	}
}

func TestBus_FilteringDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableFiltering = false
	b := newBus(t, cfg)
	var s sink
	subscribe(t, b, "all", "a.b", SubscriberConfig{
		Handler: s.handle,
		Filter:  filter.Func(func(*event.Event) bool { return false }),
	})
	publish(t, b, "a.b", "x")
	waitFor(t, "delivery", func() bool { return s.len() == 1 })
}

func TestBus_PriorityFloor(t *testing.T) {
	b := newBus(t, DefaultConfig())
	var s sink
	subscribe(t, b, "urgent", "alerts.#", SubscriberConfig{Handler: s.handle, PriorityFloor: event.High})

	publish(t, b, "alerts.disk", "normal")
	publish(t, b, "alerts.disk", "critical", event.WithPriority(event.Critical))

	waitFor(t, "outcomes", func() bool {
		snap := b.MetricsSnapshot()
		return snap.EventsDelivered+snap.EventsFiltered == 2
	})
	if got := s.payloads(); !equalStrings(got, []string{"critical"}) {
		t.Errorf("delivered = %v", got)
	}
}

func TestBus_ShutdownAccountsForEveryEvent(t *testing.T) {
	b, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	var fast sink
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	subscribe(t, b, "fast", "orders.#", SubscriberConfig{Handler: fast.handle})
	subscribe(t, b, "stuck", "orders.created", SubscriberConfig{Handler: func(context.Context, *event.Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}})
	subscribe(t, b, "picky", "orders.#", SubscriberConfig{
		Handler: fast.handle,
		Filter:  filter.MinPriority(event.High),
	})

	for range 20 {
		publish(t, b, "orders.created", "o")
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	report, err := b.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
	}
	if report.Stuck != 1 || report.Drained != 2 {
		t.Errorf("report = %+v, want 2 drained and 1 stuck", report)
	}
	if report.Accepted != 60 || report.Delivered != 20 || report.Dropped != 20 || report.Abandoned != 20 {
		t.Errorf("report = %+v", report)
	}
	if !report.Balanced() {
		t.Errorf("report not balanced: %+v", report)
	}

	delivered := fast.len()
	close(release)
	if _, err := b.Publish(context.Background(), event.New("orders.created", nil)); !errors.Is(err, event.ErrInvalidConfiguration) {
		t.Errorf("Publish after shutdown error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if fast.len() != delivered {
		t.Errorf("deliveries after shutdown: %d -> %d", delivered, fast.len())
	}
	if s := b.MetricsSnapshot(); s.InFlight != 0 {
		t.Errorf("in flight = %d after shutdown", s.InFlight)
	}
}

func TestBus_OperationsAfterShutdown(t *testing.T) {
	b, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	var s sink
	id := subscribe(t, b, "s", "x", SubscriberConfig{Handler: s.handle})
	if _, err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if _, err := b.Subscribe("late", "x", SubscriberConfig{Handler: s.handle}); !strings.Contains(errString(err), "shutting down") {
		t.Errorf("Subscribe error = %v", err)
	}
	if _, err := b.CreatePublisher("late", PublisherConfig{}); !errors.Is(err, event.ErrInvalidConfiguration) {
		t.Errorf("CreatePublisher error = %v", err)
	}
	if b.Unsubscribe(id) {
		t.Error("Unsubscribe after shutdown = true")
	}
	if _, err := b.Shutdown(context.Background()); err == nil {
		t.Error("second Shutdown succeeded")
	}
	if b.Running() {
		t.Error("Running() = true")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func TestBus_FailedState(t *testing.T) {
	b := newBus(t, DefaultConfig())
	b.fail(errors.New("segment cursor out of range"))

	_, err := b.Publish(context.Background(), event.New("a", nil))
	var cfgErr *event.InvalidConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "state" || cfgErr.Reason != "failed: segment cursor out of range" {
		t.Errorf("Publish error = %v", err)
	}
	if _, err := b.SubscribeFunc("s", "a", func(context.Context, *event.Event) error { return nil }); err == nil {
		t.Error("Subscribe on failed bus succeeded")
	}
}

func TestBus_PublishValidation(t *testing.T) {
	b := newBus(t, DefaultConfig())
	tests := []struct {
		name string
		e    *event.Event
		want error
	}{
		{"nil event", nil, event.ErrInvalidConfiguration},
		{"empty topic", event.New("", nil), event.ErrInvalidTopic},
		{"wildcard topic", event.New("a.+", nil), event.ErrInvalidTopic},
		{"empty segment", event.New("a..b", nil), event.ErrInvalidTopic},
		{"long topic", event.New(strings.Repeat("a", event.MaxTopicLength+1), nil), event.ErrInvalidTopic},
		{"large payload", event.New("a", make([]byte, event.MaxPayloadSize+1)), event.ErrResourceLimitExceeded},
		{"unknown priority", event.New("a", nil, event.WithPriority(9)), event.ErrInvalidConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Publish(context.Background(), tt.e); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
	if got := b.MetricsSnapshot().EventsRejected; got != uint64(len(tests)) {
		t.Errorf("rejected = %d, want %d", got, len(tests))
	}
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	b := newBus(t, DefaultConfig())
	res, err := b.Publish(context.Background(), event.New("nobody.listens", []byte("x")))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if res.Matched != 0 || res.Enqueued != 0 || res.EventID == 0 {
		t.Errorf("result = %+v", res)
	}
	if s := b.MetricsSnapshot(); s.EventsPublished != 1 {
		t.Errorf("published = %d, want 1", s.EventsPublished)
	}
}

func TestBus_PublishCanceledContext(t *testing.T) {
	b := newBus(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Publish(ctx, event.New("a", nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish() error = %v", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"negative queue size", Config{QueueSize: -1}, "queue_size"},
		{"segment not power of two", Config{SegmentSize: 3}, "segment_size"},
		{"high above 100", Config{HighWaterMarkPercent: 120, LowWaterMarkPercent: 10}, "high_water_mark_percent"},
		{"low not below high", Config{HighWaterMarkPercent: 50, LowWaterMarkPercent: 60}, "low_water_mark_percent"},
		{"negative aging", Config{PriorityAging: -1}, "priority_aging"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			var cfgErr *event.InvalidConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("New() error = %v, want InvalidConfigurationError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("field = %q, want %q (%v)", cfgErr.Field, tt.field, err)
			}
		})
	}
}

func TestBus_SubscribeErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSubscribers = 2
	b := newBus(t, cfg)
	h := func(context.Context, *event.Event) error { return nil }
	bh := func(context.Context, []*event.Event) error { return nil }

	tests := []struct {
		name    string
		pattern string
		cfg     SubscriberConfig
		want    error
	}{
		{"no handler", "a", SubscriberConfig{}, event.ErrInvalidConfiguration},
		{"two handlers", "a", SubscriberConfig{Handler: h, BatchHandler: bh, BatchSize: 4}, event.ErrInvalidConfiguration},
		{"batch of one", "a", SubscriberConfig{BatchHandler: bh, BatchSize: 1}, event.ErrInvalidConfiguration},
		{"bad floor", "a", SubscriberConfig{Handler: h, PriorityFloor: 7}, event.ErrInvalidConfiguration},
		{"pull via Subscribe", "a", SubscriberConfig{DeliveryMode: Pull}, event.ErrInvalidConfiguration},
		{"hash not last", "a.#.b", SubscriberConfig{Handler: h}, event.ErrInvalidTopic},
		{"empty pattern", "", SubscriberConfig{Handler: h}, event.ErrInvalidTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Subscribe("s", tt.pattern, tt.cfg); !errors.Is(err, tt.want) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.want)
			}
		})
	}

	subscribe(t, b, "one", "a", SubscriberConfig{Handler: h})
	subscribe(t, b, "two", "b", SubscriberConfig{Handler: h})
	_, err := b.Subscribe("three", "c", SubscriberConfig{Handler: h})
	var limit *event.ResourceLimitError
	if !errors.As(err, &limit) || limit.Resource != "max_subscribers" || limit.Limit != 2 {
		t.Errorf("third Subscribe error = %v", err)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newBus(t, DefaultConfig())
	var s sink
	id := subscribe(t, b, "s", "user.#", SubscriberConfig{Handler: s.handle})

	publish(t, b, "user.created", "1")
	if !b.Unsubscribe(id) {
		t.Fatal("Unsubscribe() = false")
	}
	if s.len() != 1 {
		t.Errorf("drained deliveries = %d, want 1", s.len())
	}
	if b.Unsubscribe(id) {
		t.Error("second Unsubscribe() = true")
	}
	if res := publish(t, b, "user.created", "2"); res.Matched != 0 {
		t.Errorf("matched %d after unsubscribe", res.Matched)
	}
	if exact, patterns := b.Routes(); exact+patterns != 0 {
		t.Errorf("routes left: %d exact, %d pattern", exact, patterns)
	}
	if len(b.Subscribers()) != 0 || b.MetricsSnapshot().ActiveSubscribers != 0 {
		t.Error("subscriber still listed")
	}
	if err := b.Pause(id); !errors.Is(err, event.ErrSubscriberNotFound) {
		t.Errorf("Pause() error = %v", err)
	}
}

func TestBus_UnsubscribeWithoutDrain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DrainOnUnsubscribe = false
	b := newBus(t, cfg)
	var s sink
	id := subscribe(t, b, "s", "jobs", SubscriberConfig{Handler: s.handle})
	_ = b.Pause(id)
	for range 5 {
		publish(t, b, "jobs", "j")
	}
	if !b.Unsubscribe(id) {
		t.Fatal("Unsubscribe() = false")
	}
	snap := b.MetricsSnapshot()
	if snap.EventsAbandoned != 5 || s.len() != 0 || snap.InFlight != 0 {
		t.Errorf("abandoned=%d delivered=%d in_flight=%d", snap.EventsAbandoned, s.len(), snap.InFlight)
	}
}

func TestBus_UnsubscribeFromOwnHandler(t *testing.T) {
	tests := []struct {
		name          string
		drain         bool
		wantDelivered int
		wantAbandoned uint64
	}{
		{"drain", true, 3, 0},
		{"abandon", false, 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DrainOnUnsubscribe = tt.drain
			cfg.DrainTimeout = 10 * time.Second
			b := newBus(t, cfg)

			type result struct {
				ok   bool
				took time.Duration
			}
			results := make(chan result, 1)
			var s sink
			var id event.SubscriberID
			id = subscribe(t, b, "once", "jobs", SubscriberConfig{Handler: func(ctx context.Context, e *event.Event) error {
				_ = s.handle(ctx, e)
				if string(e.Payload()) == "1" {
					start := time.Now()
					ok := b.Unsubscribe(id)
					results <- result{ok, time.Since(start)}
				}
				return nil
			}})
			_ = b.Pause(id)
			for _, p := range []string{"1", "2", "3"} {
				publish(t, b, "jobs", p)
			}
			_ = b.Resume(id)

			r := <-results
			if !r.ok {
				t.Fatal("Unsubscribe() from own handler = false")
			}
			if r.took > time.Second {
				t.Errorf("Unsubscribe() from own handler took %v", r.took)
			}
			waitFor(t, "subscriber release", func() bool {
				return len(b.Subscribers()) == 0 && b.MetricsSnapshot().ActiveSubscribers == 0
			})
			snap := b.MetricsSnapshot()
			if s.len() != tt.wantDelivered || snap.EventsAbandoned != tt.wantAbandoned || snap.InFlight != 0 {
				t.Errorf("delivered=%d abandoned=%d in_flight=%d", s.len(), snap.EventsAbandoned, snap.InFlight)
			}
			if res := publish(t, b, "jobs", "4"); res.Matched != 0 {
				t.Errorf("matched %d after unsubscribe", res.Matched)
			}
		})
	}
}

func TestBus_ShutdownDuringUnsubscribeDrain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DrainTimeout = 10 * time.Second
	b, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	id := subscribe(t, b, "slow", "jobs", SubscriberConfig{Handler: func(context.Context, *event.Event) error {
		close(started)
		<-release
		return nil
	}})
	publish(t, b, "jobs", "j")
	<-started

	removed := make(chan bool, 1)
	go func() { removed <- b.Unsubscribe(id) }()
	waitFor(t, "route removal", func() bool {
		exact, patterns := b.Routes()
		return exact+patterns == 0
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	report, _ := b.Shutdown(ctx)
	if took := time.Since(start); took > time.Second {
		t.Errorf("Shutdown() took %v while Unsubscribe was draining", took)
	}
	if !<-removed {
		t.Error("Unsubscribe() = false")
	}
	if report.Accepted != 1 || report.Abandoned != 1 || !report.Balanced() {
		t.Errorf("report = %+v", report)
	}
	close(release)
}

func TestBus_Subscribers(t *testing.T) {
	b := newBus(t, DefaultConfig())
	var s sink
	id := subscribe(t, b, "audit", "user.+", SubscriberConfig{Handler: s.handle, QueueCapacity: 32})
	_ = b.Pause(id)

	infos := b.Subscribers()
	if len(infos) != 1 {
		t.Fatalf("Subscribers() = %d entries", len(infos))
	}
	got := infos[0]
	if got.ID != id || got.Name != "audit" || got.Pattern != "user.+" || got.State != "paused" ||
		got.QueueCap != 32 || got.Breaker != "closed" || got.Mode != Push {
		t.Errorf("info = %+v", got)
	}
	if _, err := b.Subscriber(999); !errors.Is(err, event.ErrSubscriberNotFound) {
		t.Errorf("Subscriber(999) error = %v", err)
	}
}

func TestBus_BatchDelivery(t *testing.T) {
	b := newBus(t, DefaultConfig())
	var mu sync.Mutex
	var batches [][]string
	subscribe(t, b, "archive", "logs.#", SubscriberConfig{
		BatchSize:     3,
		FlushInterval: 5 * time.Millisecond,
		BatchHandler: func(_ context.Context, batch []*event.Event) error {
			names := make([]string, len(batch))
			for i, e := range batch {
				names[i] = string(e.Payload())
			}
			mu.Lock()
			batches = append(batches, names)
			mu.Unlock()
			return nil
		},
	})

	want := []string{"1", "2", "3", "4", "5", "6", "7"}
	for _, p := range want {
		publish(t, b, "logs.app", p)
	}
	waitFor(t, "seven delivered", func() bool { return b.MetricsSnapshot().EventsDelivered == 7 })

	mu.Lock()
	defer mu.Unlock()
	var flat []string
	for _, batch := range batches {
		if len(batch) > 3 {
			t.Errorf("batch of %d exceeds batch_size", len(batch))
		}
		flat = append(flat, batch...)
	}
	if !equalStrings(flat, want) {
		t.Errorf("delivery order = %v", flat)
	}
}

func TestBus_Adapter(t *testing.T) {
	b := newBus(t, DefaultConfig())
	var got atomic.Uint64
	id := subscribe(t, b, "fwd", "a.b", SubscriberConfig{
		Adapter: AdapterFunc(func(_ context.Context, id event.SubscriberID, _ *event.Event) error {
			got.Store(uint64(id))
			return nil
		}),
	})
	publish(t, b, "a.b", "x")
	waitFor(t, "adapter call", func() bool { return got.Load() != 0 })
	if got.Load() != uint64(id) {
		t.Errorf("adapter saw id %d, want %d", got.Load(), id)
	}
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	b := newBus(t, DefaultConfig())
	var s sink
	subscribe(t, b, "bad", "x", SubscriberConfig{Handler: func(context.Context, *event.Event) error { panic("boom") }})
	subscribe(t, b, "good", "x", SubscriberConfig{Handler: s.handle})

	publish(t, b, "x", "1")
	waitFor(t, "good delivery", func() bool { return s.len() == 1 })
	waitFor(t, "bad failure", func() bool { return b.MetricsSnapshot().EventsFailed == 1 })
}
