package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

type latencies struct {
	mu  sync.Mutex
	got map[string][]time.Duration
}

func (l *latencies) ObserveDelivery(sub string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.got == nil {
		l.got = map[string][]time.Duration{}
	}
	l.got[sub] = append(l.got[sub], d)
}

func TestMetrics_Accounting(t *testing.T) {
	m := New()
	for i := 0; i < 10; i++ {
		m.Enqueued()
	}
	m.Delivered("a", 4, 2*time.Millisecond)
	m.Filtered(1)
	m.ShortCircuited(1)
	m.Failed(2)
	m.Abandoned(1)

	s := m.Snapshot()
	if s.EventsDropped != 4 {
		t.Errorf("dropped = %d, want filtered+short+failed = 4", s.EventsDropped)
	}
	if s.InFlight != 1 {
		t.Errorf("in flight = %d, want 1", s.InFlight)
	}
	if got := s.EventsDelivered + s.EventsDropped + s.EventsAbandoned + uint64(s.InFlight); got != s.EventsEnqueued {
		t.Errorf("accounting: %d != enqueued %d", got, s.EventsEnqueued)
	}
	if s.AvgDeliveryLatency != 2*time.Millisecond {
		t.Errorf("avg latency = %v", s.AvgDeliveryLatency)
	}
}

func TestMetrics_RefusedClassification(t *testing.T) {
	m := New()
	m.Refused(&event.BackpressureError{QueueSize: 8, Threshold: 8})
	m.Refused(&event.QueueFullError{Current: 4, Max: 4})
	m.Refused(&event.QueueFullError{Current: 4, Max: 4})
	s := m.Snapshot()
	if s.EventsBackpressured != 1 || s.EventsQueueFull != 2 {
		t.Errorf("backpressured %d queue full %d", s.EventsBackpressured, s.EventsQueueFull)
	}
}

func TestMetrics_Observer(t *testing.T) {
	m := New()
	var l latencies
	m.SetObserver(&l)
	m.Delivered("orders", 1, time.Millisecond)
	m.Delivered("orders", 1, 0)
	m.SetObserver(nil)
	m.Delivered("orders", 1, time.Millisecond)
	if len(l.got["orders"]) != 1 {
		t.Errorf("observed %v", l.got)
	}
}

func TestMetrics_ConcurrentCounters(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				m.Published()
				m.Enqueued()
				m.Delivered("x", 1, 0)
			}
		}()
	}
	wg.Wait()
	s := m.Snapshot()
	if s.EventsPublished != 8000 || s.EventsDelivered != 8000 || s.InFlight != 0 {
		t.Errorf("snapshot = %+v", s)
	}
}

func BenchmarkMetrics_Enqueued(b *testing.B) {
	m := New()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Enqueued()
		}
	})
}
