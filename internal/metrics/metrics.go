// Package metrics holds the bus counters.
//
// Counters are relaxed atomics. A Snapshot reads each counter exactly once,
// so it is not a consistent instant across counters; consumers that need
// the accounting identity (delivered + dropped + abandoned = enqueued)
// should take it after Shutdown.
package metrics

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// Observer receives per-delivery latency samples, e.g. for a histogram.
type Observer interface {
	ObserveDelivery(subscriber string, d time.Duration)
}

// Metrics is the bus-wide counter set. The zero value is ready to use.
type Metrics struct {
	published     atomic.Uint64
	rejected      atomic.Uint64
	enqueued      atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	filtered      atomic.Uint64
	shorted       atomic.Uint64
	failed        atomic.Uint64
	abandoned     atomic.Uint64
	failures      atomic.Uint64
	backpressured atomic.Uint64
	queueFull     atomic.Uint64
	redeliveries  atomic.Uint64
	batches       atomic.Uint64

	inFlight    atomic.Int64
	subscribers atomic.Int64
	publishers  atomic.Int64

	latencyNs    atomic.Uint64
	latencyCount atomic.Uint64

	observer atomic.Pointer[observerBox]
}

type observerBox struct{ o Observer }

// New returns an empty counter set.
func New() *Metrics { return &Metrics{} }

// SetObserver installs a latency observer. Nil removes it.
func (m *Metrics) SetObserver(o Observer) {
	if o == nil {
		m.observer.Store(nil)
		return
	}
	m.observer.Store(&observerBox{o: o})
}

// Published counts an accepted publish.
func (m *Metrics) Published() { m.published.Add(1) }

// Rejected counts a publish that returned an error.
func (m *Metrics) Rejected() { m.rejected.Add(1) }

// Enqueued counts one event admitted into one subscriber queue.
func (m *Metrics) Enqueued() {
	m.enqueued.Add(1)
	m.inFlight.Add(1)
}

// Refused classifies a per-subscriber admission failure.
func (m *Metrics) Refused(err error) {
	switch {
	case errors.Is(err, event.ErrBackpressureTriggered):
		m.backpressured.Add(1)
	case errors.Is(err, event.ErrQueueFull):
		m.queueFull.Add(1)
	}
}

// Delivered counts n events handed to the subscriber successfully.
func (m *Metrics) Delivered(subscriber string, n int, latency time.Duration) {
	m.delivered.Add(uint64(n))
	m.inFlight.Add(-int64(n))
	if latency > 0 {
		m.latencyNs.Add(uint64(latency))
		m.latencyCount.Add(1)
		if b := m.observer.Load(); b != nil {
			b.o.ObserveDelivery(subscriber, latency)
		}
	}
}

// Filtered counts n events dropped by the subscriber filter.
func (m *Metrics) Filtered(n int) {
	m.filtered.Add(uint64(n))
	m.drop(n)
}

// ShortCircuited counts n events dropped by an open breaker.
func (m *Metrics) ShortCircuited(n int) {
	m.shorted.Add(uint64(n))
	m.drop(n)
}

// Failed counts n events whose delivery failed terminally.
func (m *Metrics) Failed(n int) {
	m.failed.Add(uint64(n))
	m.drop(n)
}

// Abandoned counts n queued events discarded by shutdown or unsubscribe.
func (m *Metrics) Abandoned(n int) {
	m.abandoned.Add(uint64(n))
	m.inFlight.Add(-int64(n))
}

// DeliveryFailure counts one failed delivery attempt, retried or not.
func (m *Metrics) DeliveryFailure() { m.failures.Add(1) }

// Redelivered counts one retry.
func (m *Metrics) Redelivered() { m.redeliveries.Add(1) }

// BatchDelivered counts one delivered batch.
func (m *Metrics) BatchDelivered() { m.batches.Add(1) }

// SubscriberAdded and SubscriberRemoved track the active subscriber gauge.
func (m *Metrics) SubscriberAdded()   { m.subscribers.Add(1) }
func (m *Metrics) SubscriberRemoved() { m.subscribers.Add(-1) }

// PublisherAdded tracks the publisher gauge.
func (m *Metrics) PublisherAdded() { m.publishers.Add(1) }

func (m *Metrics) drop(n int) {
	m.dropped.Add(uint64(n))
	m.inFlight.Add(-int64(n))
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	EventsPublished      uint64 `json:"events_published"`
	EventsRejected       uint64 `json:"events_rejected"`
	EventsEnqueued       uint64 `json:"events_enqueued"`
	EventsDelivered      uint64 `json:"events_delivered"`
	EventsDropped        uint64 `json:"events_dropped"`
	EventsFiltered       uint64 `json:"events_filtered"`
	EventsShortCircuited uint64 `json:"events_short_circuited"`
	EventsFailed         uint64 `json:"events_failed"`
	EventsAbandoned      uint64 `json:"events_abandoned"`
	DeliveryFailures     uint64 `json:"delivery_failures"`
	EventsBackpressured  uint64 `json:"events_backpressured"`
	EventsQueueFull      uint64 `json:"events_queue_full"`
	Redeliveries         uint64 `json:"redeliveries"`
	BatchesDelivered     uint64 `json:"batches_delivered"`

	InFlight          int64 `json:"in_flight"`
	ActiveSubscribers int64 `json:"active_subscribers"`
	Publishers        int64 `json:"publishers"`

	AvgDeliveryLatency time.Duration `json:"avg_delivery_latency_ns"`
	BackpressureActive bool          `json:"backpressure_active"`
}

// Snapshot reads every counter once.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		EventsPublished:      m.published.Load(),
		EventsRejected:       m.rejected.Load(),
		EventsEnqueued:       m.enqueued.Load(),
		EventsDelivered:      m.delivered.Load(),
		EventsDropped:        m.dropped.Load(),
		EventsFiltered:       m.filtered.Load(),
		EventsShortCircuited: m.shorted.Load(),
		EventsFailed:         m.failed.Load(),
		EventsAbandoned:      m.abandoned.Load(),
		DeliveryFailures:     m.failures.Load(),
		EventsBackpressured:  m.backpressured.Load(),
		EventsQueueFull:      m.queueFull.Load(),
		Redeliveries:         m.redeliveries.Load(),
		BatchesDelivered:     m.batches.Load(),
		InFlight:             m.inFlight.Load(),
		ActiveSubscribers:    m.subscribers.Load(),
		Publishers:           m.publishers.Load(),
	}
	if n := m.latencyCount.Load(); n > 0 {
		s.AvgDeliveryLatency = time.Duration(m.latencyNs.Load() / n)
	}
	return s
}
