// Package ingest implements the NATS→bus pipeline.
// A durable JetStream consumer decodes events in the export wire format and
// republishes them on the local bus, so several pulsebus processes can be
// chained through a stream.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/internal/export"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
	"github.com/sureshkrishnan-v/pulsebus/pkg/eventbus"
)

// Config holds ingest settings.
type Config struct {
	Enabled      bool    `yaml:"enabled"`
	URL          string  `yaml:"url"`
	Stream       string  `yaml:"stream"`
	Subject      string  `yaml:"subject"`
	ConsumerName string  `yaml:"consumer_name"`
	MaxAckPend   int     `yaml:"max_ack_pending"`
	Rate         float64 `yaml:"rate"`
	Burst        int     `yaml:"burst"`
}

// DefaultConfig returns lean defaults.
func DefaultConfig() Config {
	return Config{
		URL:          constants.NATSDefaultURL,
		Stream:       constants.NATSStream,
		Subject:      constants.NATSSubjectPrefix + ">",
		ConsumerName: constants.IngestConsumerName,
		MaxAckPend:   constants.IngestMaxAckPending,
	}
}

// Outcome is how a single message was settled.
type Outcome int

const (
	// Ack: the event was accepted by the bus.
	Ack Outcome = iota
	// Nak: the bus refused it for now; JetStream redelivers.
	Nak
	// Term: the message can never be published.
	Term
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	default:
		return "term"
	}
}

// Ingest republishes stream messages on the bus.
type Ingest struct {
	cfg    Config
	pub    *eventbus.Publisher
	logger *zap.Logger

	acked  atomic.Uint64
	naked  atomic.Uint64
	termed atomic.Uint64
}

// New registers an "ingest" publisher on bus.
func New(cfg Config, bus *eventbus.Bus, logger *zap.Logger) (*Ingest, error) {
	id, err := bus.CreatePublisher(constants.IngestPublisherName, eventbus.PublisherConfig{
		Rate:  cfg.Rate,
		Burst: cfg.Burst,
	})
	if err != nil {
		return nil, err
	}
	pub, _ := bus.Publisher(id)
	return &Ingest{cfg: cfg, pub: pub, logger: logger.Named("ingest")}, nil
}

// Name implements export.Exporter so the runtime manages the lifecycle.
func (in *Ingest) Name() string { return constants.IngestPublisherName }

// Start consumes from NATS JetStream until ctx is cancelled.
func (in *Ingest) Start(ctx context.Context) error {
	nc, err := nats.Connect(in.cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(constants.NATSReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}

	// Create durable consumer
	cons, err := js.CreateOrUpdateConsumer(ctx, in.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       in.cfg.ConsumerName,
		FilterSubject: in.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: in.cfg.MaxAckPend,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", in.cfg.ConsumerName, err)
	}

	in.logger.Info("Ingest started",
		zap.String("stream", in.cfg.Stream),
		zap.String("subject", in.cfg.Subject))

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		switch in.Handle(ctx, msg.Data()) {
		case Ack:
			_ = msg.Ack()
		case Nak:
			_ = msg.NakWithDelay(constants.IngestRetryDelay)
		case Term:
			_ = msg.Term()
		}
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// Stop is a no-op; Start returns when its context ends.
func (in *Ingest) Stop(context.Context) error { return nil }

// Handle decodes one wire message and publishes it, waiting for a rate
// token when a rate is configured.
func (in *Ingest) Handle(ctx context.Context, data []byte) Outcome {
	w, err := export.Decode(data)
	if err != nil {
		in.logger.Warn("Failed to decode event", zap.Error(err))
		in.termed.Add(1)
		return Term
	}

	opts := []event.Option{
		event.WithPriority(w.Priority),
		event.WithHeaders(w.Headers),
		event.WithTimestamp(w.Timestamp),
	}
	_, err = in.pub.PublishWait(ctx, event.New(w.Topic, w.Body(), opts...))
	var state *event.InvalidConfigurationError
	switch {
	case err == nil:
		in.acked.Add(1)
		return Ack
	case errors.Is(err, event.ErrBackpressureTriggered), errors.Is(err, event.ErrQueueFull),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &state) && state.Field == "state":
		in.naked.Add(1)
		return Nak
	default:
		in.logger.Warn("Dropping unpublishable event",
			zap.String("topic", w.Topic), zap.Error(err))
		in.termed.Add(1)
		return Term
	}
}

// Counts returns messages settled per outcome.
func (in *Ingest) Counts() (acked, naked, termed uint64) {
	return in.acked.Load(), in.naked.Load(), in.termed.Load()
}
