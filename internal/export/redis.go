package export

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	PoolSize      int    `yaml:"pool_size"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// DefaultRedisConfig returns lean defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          constants.RedisDefaultAddr,
		PoolSize:      constants.RedisPoolSize,
		ChannelPrefix: constants.RedisChannelPrefix,
	}
}

// Channel returns the pub/sub channel for a topic.
func (c RedisConfig) Channel(topic string) string {
	return c.ChannelPrefix + topic
}

// Redis forwards events to Redis pub/sub channels.
type Redis struct {
	cfg    RedisConfig
	client *redis.Client
	logger *zap.Logger
}

// NewRedis creates and pings a Redis connection.
func NewRedis(cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), constants.RedisConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	logger.Info("Redis connected", zap.String("addr", cfg.Addr))
	return &Redis{cfg: cfg, client: client, logger: logger.Named("redis")}, nil
}

func (r *Redis) Name() string { return constants.SinkRedis }

// Deliver publishes one event on its topic channel.
func (r *Redis) Deliver(ctx context.Context, id event.SubscriberID, e *event.Event) error {
	data, err := Encode(id, e)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.cfg.Channel(e.Topic()), data).Err()
}

// DeliverBatch publishes a batch in one pipeline round trip.
func (r *Redis) DeliverBatch(ctx context.Context, id event.SubscriberID, batch []*event.Event) error {
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, e := range batch {
			data, err := Encode(id, e)
			if err != nil {
				return err
			}
			p.Publish(ctx, r.cfg.Channel(e.Topic()), data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Subscribe returns a pub/sub subscription on the channels of the given
// topics, for consumers on the other side of the sink.
func (r *Redis) Subscribe(ctx context.Context, topics ...string) *redis.PubSub {
	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = r.cfg.Channel(t)
	}
	return r.client.Subscribe(ctx, channels...)
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
