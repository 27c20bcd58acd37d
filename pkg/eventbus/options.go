package eventbus

import (
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/metrics"
	"github.com/sureshkrishnan-v/pulsebus/pkg/clock"
)

// LatencyObserver receives every successful delivery latency, labelled by
// subscriber name. The Prometheus exporter implements it.
type LatencyObserver = metrics.Observer

// Option configures a Bus.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	clock    clock.Clock
	observer LatencyObserver
}

// WithLogger sets the structured logger. Nil keeps the no-op default.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLatencyObserver registers an observer for delivery latencies.
func WithLatencyObserver(obs LatencyObserver) Option {
	return func(o *options) { o.observer = obs }
}
