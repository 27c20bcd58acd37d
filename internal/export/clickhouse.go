package export

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// ClickHouseConfig holds connection settings.
type ClickHouseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
	Table    string `yaml:"table"`
}

// DefaultClickHouseConfig returns lean defaults.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		DSN:      constants.ClickHouseDefaultDSN,
		MaxConns: constants.ClickHouseMaxConns,
		Table:    constants.ClickHouseTable,
	}
}

// EventRow is one archived event.
type EventRow struct {
	Timestamp    time.Time
	EventID      uint64
	SubscriberID uint64
	Topic        string
	Priority     string
	Headers      map[string]string
	Payload      string
}

// NewEventRow converts a delivered event into a row.
func NewEventRow(id event.SubscriberID, e *event.Event) EventRow {
	headers := e.Headers()
	if headers == nil {
		headers = map[string]string{}
	}
	return EventRow{
		Timestamp:    time.Unix(0, int64(e.Timestamp())).UTC(),
		EventID:      e.ID(),
		SubscriberID: uint64(id),
		Topic:        e.Topic(),
		Priority:     e.Priority().String(),
		Headers:      headers,
		Payload:      string(e.Payload()),
	}
}

// ClickHouse archives events through the native batch protocol. It is
// meant to sit behind a batching subscription.
type ClickHouse struct {
	cfg    ClickHouseConfig
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouse creates and pings a ClickHouse connection.
func NewClickHouse(cfg ClickHouseConfig, logger *zap.Logger) (*ClickHouse, error) {
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	opts.MaxOpenConns = cfg.MaxConns
	opts.MaxIdleConns = cfg.MaxConns
	opts.ConnMaxLifetime = constants.ClickHouseConnLifetime

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.ClickHousePingTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	logger.Info("ClickHouse connected", zap.String("table", cfg.Table))
	return &ClickHouse{cfg: cfg, conn: conn, logger: logger.Named("clickhouse")}, nil
}

func (ch *ClickHouse) Name() string { return constants.SinkClickHouse }

// Deliver inserts a single event. Prefer a batching subscription.
func (ch *ClickHouse) Deliver(ctx context.Context, id event.SubscriberID, e *event.Event) error {
	return ch.InsertBatch(ctx, []EventRow{NewEventRow(id, e)})
}

// DeliverBatch inserts the batch in one round trip.
func (ch *ClickHouse) DeliverBatch(ctx context.Context, id event.SubscriberID, batch []*event.Event) error {
	rows := make([]EventRow, len(batch))
	for i, e := range batch {
		rows[i] = NewEventRow(id, e)
	}
	return ch.InsertBatch(ctx, rows)
}

// InsertBatch inserts rows using the native batch protocol.
func (ch *ClickHouse) InsertBatch(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := ch.conn.PrepareBatch(ctx, insertStatement(ch.cfg.Table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.Timestamp,
			r.EventID,
			r.SubscriberID,
			r.Topic,
			r.Priority,
			r.Headers,
			r.Payload,
		); err != nil {
			batch.Abort()
			return fmt.Errorf("append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	ch.logger.Debug("Batch inserted", zap.Int("rows", len(rows)))
	return nil
}

func insertStatement(table string) string {
	return "INSERT INTO " + table + " (timestamp, event_id, subscriber_id, topic, priority, headers, payload)"
}

// Close closes the ClickHouse connection.
func (ch *ClickHouse) Close() error {
	return ch.conn.Close()
}
