package export

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/pkg/eventbus"
)

// Prometheus is an Exporter serving bus metrics over HTTP. Counters are
// read from the bus snapshot at scrape time; per-subscriber gauges are
// refreshed on a ticker; delivery latency is observed directly.
type Prometheus struct {
	addr     string
	logger   *zap.Logger
	bus      *eventbus.Bus
	registry *prometheus.Registry
	server   *http.Server
	ready    atomic.Bool
	interval time.Duration

	deliveryLatency *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	breakerOpen     *prometheus.GaugeVec
}

// NewPrometheus creates the exporter and installs it as the bus latency
// observer. All metric names, buckets, and labels are sourced from the
// constants package.
func NewPrometheus(addr string, bus *eventbus.Bus, logger *zap.Logger) *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	p := &Prometheus{
		addr:     addr,
		logger:   logger.Named("prometheus"),
		bus:      bus,
		registry: reg,
		interval: constants.StatsCollectInterval,

		deliveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    constants.MetricDeliveryLatencySecs,
			Help:    "Time from publish to successful delivery.",
			Buckets: constants.DeliveryLatencyBuckets,
		}, constants.LabelsSubscriber),

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricSubscriberQueue,
			Help: "Current queue depth per subscriber.",
		}, constants.LabelsSubscriber),

		breakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricSubscriberBreaker,
			Help: "1 while the subscriber circuit breaker is not closed.",
		}, constants.LabelsSubscriber),
	}

	counters := []struct {
		name, help string
		read       func(eventbus.MetricsSnapshot) uint64
	}{
		{constants.MetricEventsPublished, "Events accepted by Publish.", func(s eventbus.MetricsSnapshot) uint64 { return s.EventsPublished }},
		{constants.MetricEventsRejected, "Publish calls that returned an error.", func(s eventbus.MetricsSnapshot) uint64 { return s.EventsRejected }},
		{constants.MetricEventsEnqueued, "Events admitted into subscriber queues.", func(s eventbus.MetricsSnapshot) uint64 { return s.EventsEnqueued }},
		{constants.MetricEventsDelivered, "Events delivered to subscribers.", func(s eventbus.MetricsSnapshot) uint64 { return s.EventsDelivered }},
		{constants.MetricEventsDropped, "Events dropped after admission.", func(s eventbus.MetricsSnapshot) uint64 { return s.EventsDropped }},
		{constants.MetricEventsFiltered, "Events dropped by subscriber filters.", func(s eventbus.MetricsSnapshot) uint64 { return s.EventsFiltered }},
		{constants.MetricShortCircuited, "Events dropped by open circuit breakers.", func(s eventbus.MetricsSnapshot) uint64 { return s.EventsShortCircuited }},
		{constants.MetricEventsAbandoned, "Events abandoned at unsubscribe or shutdown.", func(s eventbus.MetricsSnapshot) uint64 { return s.EventsAbandoned }},
		{constants.MetricDeliveryFailures, "Failed delivery attempts.", func(s eventbus.MetricsSnapshot) uint64 { return s.DeliveryFailures }},
		{constants.MetricBackpressured, "Enqueues refused by backpressure.", func(s eventbus.MetricsSnapshot) uint64 { return s.EventsBackpressured }},
		{constants.MetricQueueFull, "Enqueues refused by full queues.", func(s eventbus.MetricsSnapshot) uint64 { return s.EventsQueueFull }},
		{constants.MetricRedeliveries, "Delivery retries.", func(s eventbus.MetricsSnapshot) uint64 { return s.Redeliveries }},
		{constants.MetricBatchesDelivered, "Batches delivered.", func(s eventbus.MetricsSnapshot) uint64 { return s.BatchesDelivered }},
	}
	for _, c := range counters {
		read := c.read
		factory.NewCounterFunc(prometheus.CounterOpts{Name: c.name, Help: c.help}, func() float64 {
			return float64(read(bus.MetricsSnapshot()))
		})
	}

	gauges := []struct {
		name, help string
		read       func(eventbus.MetricsSnapshot) float64
	}{
		{constants.MetricActiveSubscribers, "Registered subscribers.", func(s eventbus.MetricsSnapshot) float64 { return float64(s.ActiveSubscribers) }},
		{constants.MetricPublishers, "Registered publishers.", func(s eventbus.MetricsSnapshot) float64 { return float64(s.Publishers) }},
		{constants.MetricInFlight, "Events admitted but not yet resolved.", func(s eventbus.MetricsSnapshot) float64 { return float64(s.InFlight) }},
		{constants.MetricPressureTriggered, "1 while bus-wide backpressure is active.", func(s eventbus.MetricsSnapshot) float64 {
			if s.BackpressureActive {
				return 1
			}
			return 0
		}},
	}
	for _, g := range gauges {
		read := g.read
		factory.NewGaugeFunc(prometheus.GaugeOpts{Name: g.name, Help: g.help}, func() float64 {
			return read(bus.MetricsSnapshot())
		})
	}

	bus.SetLatencyObserver(p)
	return p
}

func (p *Prometheus) Name() string { return constants.ExporterPrometheus }

// ObserveDelivery records one delivery latency.
func (p *Prometheus) ObserveDelivery(subscriber string, d time.Duration) {
	p.deliveryLatency.WithLabelValues(subscriber).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(constants.PathMetrics, p.Handler())
	mux.HandleFunc(constants.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc(constants.PathReadyz, func(w http.ResponseWriter, r *http.Request) {
		if p.ready.Load() && p.bus.Running() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready\n"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready\n"))
		}
	})

	p.server = &http.Server{
		Addr:         p.addr,
		Handler:      mux,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		p.logger.Info("Prometheus exporter listening",
			zap.String("addr", p.addr),
			zap.String("path", constants.PathMetrics))
		if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	p.ready.Store(true)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			p.ready.Store(false)
			return err
		case <-ticker.C:
			p.collectBusStats()
		}
	}
}

func (p *Prometheus) Stop(ctx context.Context) error {
	p.ready.Store(false)
	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}

// collectBusStats refreshes the per-subscriber gauges. Gauges of removed
// subscribers are dropped.
func (p *Prometheus) collectBusStats() {
	p.queueDepth.Reset()
	p.breakerOpen.Reset()
	for _, s := range p.bus.Subscribers() {
		p.queueDepth.WithLabelValues(s.Name).Set(float64(s.QueueLen))
		open := 0.0
		if s.Breaker != "" && s.Breaker != "closed" {
			open = 1
		}
		p.breakerOpen.WithLabelValues(s.Name).Set(open)
	}
}
