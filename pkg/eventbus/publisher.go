package eventbus

import (
	"context"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/registry"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// Publisher is a named producer handle with an optional rate limit. It
// refuses events while bus-wide backpressure is active.
type Publisher struct {
	bus   *Bus
	entry *registry.Publisher
}

// CreatePublisher registers a publisher.
func (b *Bus) CreatePublisher(name string, cfg PublisherConfig) (event.PublisherID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkState(); err != nil {
		return 0, err
	}
	if err := validateStruct(cfg); err != nil {
		return 0, err
	}
	id, _, err := b.pubs.Register(func(id event.PublisherID) (*Publisher, error) {
		return &Publisher{bus: b, entry: registry.NewPublisher(id, name, cfg.Rate, cfg.Burst)}, nil
	})
	if err != nil {
		return 0, err
	}
	b.metrics.PublisherAdded()
	b.log.Info("Publisher registered",
		zap.Uint64("publisher_id", uint64(id)),
		zap.String("name", name),
		zap.Float64("rate", cfg.Rate),
		zap.Int("burst", cfg.Burst))
	return id, nil
}

// Publisher returns the handle for id.
func (b *Bus) Publisher(id event.PublisherID) (*Publisher, bool) {
	return b.pubs.Get(id)
}

// Publishers lists registered publishers ordered by id.
func (b *Bus) Publishers() []*Publisher { return b.pubs.All() }

// ID returns the publisher id.
func (p *Publisher) ID() event.PublisherID { return p.entry.ID }

// Name returns the publisher name.
func (p *Publisher) Name() string { return p.entry.Name }

// Counts returns how many events this publisher got accepted and refused.
func (p *Publisher) Counts() (published, rejected uint64) { return p.entry.Counts() }

// Publish checks backpressure and the rate limit without waiting, then
// publishes e on the bus.
func (p *Publisher) Publish(ctx context.Context, e *event.Event) (PublishResult, error) {
	if err := p.bus.credits.Check(); err != nil {
		p.entry.RecordRejected()
		p.bus.metrics.Refused(err)
		p.bus.metrics.Rejected()
		return PublishResult{}, err
	}
	if !p.entry.Allow() {
		p.entry.RecordRejected()
		p.bus.metrics.Rejected()
		r, burst := p.entry.Rate()
		return PublishResult{}, &event.ResourceLimitError{Resource: "publish_rate", Limit: max(int(r), burst), Requested: burst + 1}
	}
	return p.publish(ctx, e)
}

// PublishWait waits for a rate-limit token until ctx ends, then publishes.
// Backpressure still refuses immediately.
func (p *Publisher) PublishWait(ctx context.Context, e *event.Event) (PublishResult, error) {
	if err := p.bus.credits.Check(); err != nil {
		p.entry.RecordRejected()
		p.bus.metrics.Refused(err)
		p.bus.metrics.Rejected()
		return PublishResult{}, err
	}
	if err := p.entry.Wait(ctx); err != nil {
		p.entry.RecordRejected()
		return PublishResult{}, err
	}
	return p.publish(ctx, e)
}

func (p *Publisher) publish(ctx context.Context, e *event.Event) (PublishResult, error) {
	res, err := p.bus.Publish(ctx, e)
	if err != nil {
		p.entry.RecordRejected()
		return res, err
	}
	p.entry.RecordPublished()
	return res, nil
}
