package export

import (
	"context"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// Log writes every delivered event to the structured log. Useful for
// debugging subscriptions.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log sink.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("sink")}
}

func (l *Log) Name() string { return constants.SinkLog }

func (l *Log) Deliver(_ context.Context, id event.SubscriberID, e *event.Event) error {
	l.logger.Info("Event delivered",
		zap.Uint64("subscriber_id", uint64(id)),
		zap.Uint64("event_id", e.ID()),
		zap.String("topic", e.Topic()),
		zap.Stringer("priority", e.Priority()),
		zap.Int("payload_bytes", len(e.Payload())),
		zap.Any("headers", e.Headers()))
	return nil
}

func (l *Log) Close() error { return nil }
