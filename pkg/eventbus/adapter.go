package eventbus

import (
	"context"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// Handler receives one event on the subscriber's worker goroutine. A
// returned error counts as a delivery failure.
type Handler func(ctx context.Context, e *event.Event) error

// BatchHandler receives up to batch_size events at once.
type BatchHandler func(ctx context.Context, batch []*event.Event) error

// DeliveryAdapter forwards events to an external system.
type DeliveryAdapter interface {
	Deliver(ctx context.Context, id event.SubscriberID, e *event.Event) error
}

// BatchAdapter is a DeliveryAdapter that can also take whole batches. It is
// used when the subscription's batch_size is above one.
type BatchAdapter interface {
	DeliveryAdapter
	DeliverBatch(ctx context.Context, id event.SubscriberID, batch []*event.Event) error
}

// AdapterFunc adapts a plain function to DeliveryAdapter.
type AdapterFunc func(ctx context.Context, id event.SubscriberID, e *event.Event) error

// Deliver calls f.
func (f AdapterFunc) Deliver(ctx context.Context, id event.SubscriberID, e *event.Event) error {
	return f(ctx, id, e)
}

// bind resolves the adapter into concrete handlers for id.
func bind(cfg SubscriberConfig, id event.SubscriberID) (Handler, BatchHandler) {
	if cfg.Adapter == nil {
		return cfg.Handler, cfg.BatchHandler
	}
	if ba, ok := cfg.Adapter.(BatchAdapter); ok && cfg.BatchSize > 1 {
		return nil, func(ctx context.Context, batch []*event.Event) error {
			return ba.DeliverBatch(ctx, id, batch)
		}
	}
	a := cfg.Adapter
	return func(ctx context.Context, e *event.Event) error {
		return a.Deliver(ctx, id, e)
	}, nil
}
