// Package export connects the bus to external systems.
//
// Sinks are delivery adapters: a subscription routes matching events to a
// sink, which forwards them to NATS, Redis, ClickHouse, a watermill
// publisher or the log. Exporters are long-running services that expose bus
// state, like the Prometheus endpoint.
package export

import (
	"context"

	"github.com/sureshkrishnan-v/pulsebus/pkg/eventbus"
)

// Sink forwards delivered events to an external system.
type Sink interface {
	eventbus.DeliveryAdapter

	// Name returns the sink kind, e.g. "nats".
	Name() string

	// Close releases the sink's connections.
	Close() error
}

// Exporter defines the interface for long-running export services.
type Exporter interface {
	// Name returns a unique identifier for this exporter.
	Name() string

	// Start begins serving. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the exporter.
	Stop(ctx context.Context) error
}
