package export

import (
	"context"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// Metadata keys carrying the envelope through a watermill message. They
// share MetaPrefix so that event headers keep their own names.
const (
	MetaPrefix     = "pulsebus_"
	MetaTopic      = MetaPrefix + "topic"
	MetaEventID    = MetaPrefix + "event_id"
	MetaPriority   = MetaPrefix + "priority"
	MetaTimestamp  = MetaPrefix + "ts"
	MetaSubscriber = MetaPrefix + "subscriber_id"
)

// Watermill forwards events to any watermill publisher (Kafka, AMQP, SQL,
// the in-memory gochannel...). The message topic is the bus topic.
type Watermill struct {
	pub message.Publisher
}

// NewWatermill wraps pub. Close closes pub.
func NewWatermill(pub message.Publisher) *Watermill {
	return &Watermill{pub: pub}
}

func (w *Watermill) Name() string { return constants.SinkWatermill }

// Deliver publishes one message. Event headers become metadata.
func (w *Watermill) Deliver(ctx context.Context, id event.SubscriberID, e *event.Event) error {
	return w.pub.Publish(e.Topic(), ToMessage(ctx, id, e))
}

// DeliverBatch publishes the batch in order, grouped by topic runs.
func (w *Watermill) DeliverBatch(ctx context.Context, id event.SubscriberID, batch []*event.Event) error {
	for start := 0; start < len(batch); {
		end := start + 1
		for end < len(batch) && batch[end].Topic() == batch[start].Topic() {
			end++
		}
		msgs := make([]*message.Message, 0, end-start)
		for _, e := range batch[start:end] {
			msgs = append(msgs, ToMessage(ctx, id, e))
		}
		if err := w.pub.Publish(batch[start].Topic(), msgs...); err != nil {
			return err
		}
		start = end
	}
	return nil
}

// Close closes the underlying publisher.
func (w *Watermill) Close() error { return w.pub.Close() }

// ToMessage converts an event to a watermill message with a fresh UUID.
func ToMessage(ctx context.Context, id event.SubscriberID, e *event.Event) *message.Message {
	msgID := uuid.NewString()
	if v, ok := e.Header(constants.HeaderMessageID); ok && v != "" {
		msgID = v
	}
	msg := message.NewMessage(msgID, e.Payload())
	msg.SetContext(ctx)
	for k, v := range e.Headers() {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(MetaTopic, e.Topic())
	msg.Metadata.Set(MetaEventID, strconv.FormatUint(e.ID(), 10))
	msg.Metadata.Set(MetaPriority, e.Priority().String())
	msg.Metadata.Set(MetaTimestamp, strconv.FormatUint(e.Timestamp(), 10))
	msg.Metadata.Set(MetaSubscriber, strconv.FormatUint(uint64(id), 10))
	return msg
}

// FromMessage rebuilds an event from a message produced by ToMessage. The
// bus assigns a new id when the event is published again.
func FromMessage(msg *message.Message) (*event.Event, error) {
	prio, err := event.ParsePriority(msg.Metadata.Get(MetaPriority))
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(msg.Metadata))
	for k, v := range msg.Metadata {
		switch k {
		case MetaTopic, MetaEventID, MetaPriority, MetaTimestamp, MetaSubscriber:
		default:
			headers[k] = v
		}
	}
	opts := []event.Option{event.WithPriority(prio), event.WithHeaders(headers)}
	if ts, err := strconv.ParseUint(msg.Metadata.Get(MetaTimestamp), 10, 64); err == nil {
		opts = append(opts, event.WithTimestamp(ts))
	}
	return event.New(msg.Metadata.Get(MetaTopic), msg.Payload, opts...), nil
}
