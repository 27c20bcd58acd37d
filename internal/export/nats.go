package export

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// NATSConfig holds NATS sink settings.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultNATSConfig returns a lean default for small instances.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           constants.NATSDefaultURL,
		Stream:        constants.NATSStream,
		SubjectPrefix: constants.NATSSubjectPrefix,
	}
}

// Subject maps a bus topic onto a NATS subject. Both use '.' separators.
func (c NATSConfig) Subject(topic string) string {
	return c.SubjectPrefix + topic
}

// NATS forwards events to a JetStream-backed subject tree.
type NATS struct {
	cfg    NATSConfig
	logger *zap.Logger

	nc *nats.Conn
	js jetstream.JetStream
}

// NewNATS connects and makes sure the stream capturing the subject prefix
// exists.
func NewNATS(ctx context.Context, cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	logger = logger.Named("nats")
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(constants.NATSReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ">"},
		Retention: jetstream.LimitsPolicy,
		MaxBytes:  constants.NATSStreamMaxBytes,
		Discard:   jetstream.DiscardOld,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	logger.Info("NATS sink connected",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.Stream),
		zap.String("subjects", cfg.SubjectPrefix+">"))
	return &NATS{cfg: cfg, logger: logger, nc: nc, js: js}, nil
}

func (n *NATS) Name() string { return constants.SinkNATS }

// Deliver publishes one event and waits for the stream ack.
func (n *NATS) Deliver(ctx context.Context, id event.SubscriberID, e *event.Event) error {
	msg, err := n.message(id, e)
	if err != nil {
		return err
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// DeliverBatch publishes asynchronously and waits for every ack.
func (n *NATS) DeliverBatch(ctx context.Context, id event.SubscriberID, batch []*event.Event) error {
	futures := make([]jetstream.PubAckFuture, 0, len(batch))
	for _, e := range batch {
		msg, err := n.message(id, e)
		if err != nil {
			return err
		}
		f, err := n.js.PublishMsgAsync(msg)
		if err != nil {
			return fmt.Errorf("publish %s: %w", msg.Subject, err)
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		select {
		case <-f.Ok():
		case err := <-f.Err():
			return fmt.Errorf("publish %s: %w", f.Msg().Subject, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (n *NATS) message(id event.SubscriberID, e *event.Event) (*nats.Msg, error) {
	data, err := Encode(id, e)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(n.cfg.Subject(e.Topic()))
	msg.Data = data
	// Dedup on the bus event id per subscriber.
	msg.Header.Set(jetstream.MsgIDHeader, strconv.FormatUint(uint64(id), 10)+"-"+strconv.FormatUint(e.ID(), 10))
	return msg, nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
