package eventbus

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
	"github.com/sureshkrishnan-v/pulsebus/pkg/filter"
)

// Config holds bus-wide settings. Zero numeric fields are replaced by
// DefaultConfig values in New; the feature switches are taken as given.
type Config struct {
	QueueSize        int `yaml:"queue_size" validate:"min=1"`
	SegmentSize      int `yaml:"segment_size" validate:"min=1,pow2"`
	MaxSubscribers   int `yaml:"max_subscribers" validate:"min=1"`
	MaxPendingEvents int `yaml:"max_pending_events" validate:"min=1"`

	EnableFiltering  bool `yaml:"enable_filtering"`
	EnablePriority   bool `yaml:"enable_priority"`
	EnableMonitoring bool `yaml:"enable_monitoring"`

	HighWaterMarkPercent int `yaml:"high_water_mark_percent" validate:"min=1,max=100"`
	LowWaterMarkPercent  int `yaml:"low_water_mark_percent" validate:"min=1,ltfield=HighWaterMarkPercent"`

	// PriorityAging serves a waiting lower level after this many consecutive
	// higher-level pops. Zero disables aging.
	PriorityAging int `yaml:"priority_aging" validate:"min=0"`

	DrainOnUnsubscribe bool          `yaml:"drain_on_unsubscribe"`
	DrainTimeout       time.Duration `yaml:"drain_timeout" validate:"min=0"`
	MonitoringInterval time.Duration `yaml:"monitoring_interval" validate:"min=0"`
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		QueueSize:            constants.DefaultQueueSize,
		SegmentSize:          constants.DefaultSegmentSize,
		MaxSubscribers:       constants.DefaultMaxSubscribers,
		MaxPendingEvents:     constants.DefaultQueueSize * 16,
		EnableFiltering:      true,
		EnablePriority:       true,
		HighWaterMarkPercent: constants.DefaultHighWaterMarkPercent,
		LowWaterMarkPercent:  constants.DefaultLowWaterMarkPercent,
		DrainOnUnsubscribe:   true,
		DrainTimeout:         constants.DefaultDrainTimeout,
		MonitoringInterval:   constants.StatsCollectInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = d.SegmentSize
	}
	if c.MaxSubscribers == 0 {
		c.MaxSubscribers = d.MaxSubscribers
	}
	if c.MaxPendingEvents == 0 {
		c.MaxPendingEvents = d.MaxPendingEvents
	}
	if c.HighWaterMarkPercent == 0 {
		c.HighWaterMarkPercent = d.HighWaterMarkPercent
		if c.LowWaterMarkPercent == 0 {
			c.LowWaterMarkPercent = d.LowWaterMarkPercent
		}
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.MonitoringInterval == 0 {
		c.MonitoringInterval = d.MonitoringInterval
	}
	return c
}

// Validate checks c as given, without applying defaults.
func (c Config) Validate() error {
	return validateStruct(c)
}

// DeliveryMode selects how a subscriber receives events.
type DeliveryMode string

const (
	// Push invokes a handler on the worker goroutine.
	Push DeliveryMode = "push"
	// Pull hands events to an AsyncSubscriber.
	Pull DeliveryMode = "pull"
)

// SubscriberConfig configures one subscription. Exactly one of Handler,
// BatchHandler and Adapter must be set for push subscribers; pull
// subscribers (SubscribeAsync, Stream) set none.
type SubscriberConfig struct {
	QueueCapacity int            `yaml:"queue_capacity" validate:"min=0"`
	BatchSize     int            `yaml:"batch_size" validate:"min=0"`
	FlushInterval time.Duration  `yaml:"flush_interval" validate:"min=0"`
	PriorityFloor event.Priority `yaml:"priority_floor" validate:"max=3"`
	DeliveryMode  DeliveryMode   `yaml:"delivery_mode" validate:"omitempty,oneof=push pull"`
	MaxInFlight   int            `yaml:"max_in_flight" validate:"min=0"`

	FailureThreshold  int           `yaml:"failure_threshold" validate:"min=0"`
	RecoveryTimeoutMS int64         `yaml:"recovery_timeout_ms" validate:"min=0"`
	MaxRedeliveries   int           `yaml:"max_redeliveries" validate:"min=0"`
	RedeliveryBackoff time.Duration `yaml:"redelivery_backoff" validate:"min=0"`

	Filter       filter.Filter   `yaml:"-"`
	Handler      Handler         `yaml:"-"`
	BatchHandler BatchHandler    `yaml:"-"`
	Adapter      DeliveryAdapter `yaml:"-"`
}

func (c SubscriberConfig) withDefaults(bus Config) SubscriberConfig {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = bus.QueueSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = constants.DefaultBatchSize
	}
	if c.DeliveryMode == "" {
		c.DeliveryMode = Push
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = constants.DefaultFailureThreshold
	}
	if c.RecoveryTimeoutMS == 0 {
		c.RecoveryTimeoutMS = constants.DefaultRecoveryTimeout.Milliseconds()
	}
	return c
}

func (c SubscriberConfig) validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	set := 0
	for _, ok := range []bool{c.Handler != nil, c.BatchHandler != nil, c.Adapter != nil} {
		if ok {
			set++
		}
	}
	switch c.DeliveryMode {
	case Pull:
		if set != 0 {
			return &event.InvalidConfigurationError{Field: "delivery_mode", Reason: "pull subscribers take no handler"}
		}
	default:
		if set != 1 {
			return &event.InvalidConfigurationError{Field: "handler", Reason: "exactly one of handler, batch handler or adapter is required"}
		}
		if c.BatchHandler != nil && c.BatchSize < 2 {
			return &event.InvalidConfigurationError{Field: "batch_size", Reason: "batch handler needs batch_size >= 2"}
		}
	}
	return nil
}

func (c SubscriberConfig) recoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutMS) * time.Millisecond
}

// PublisherConfig configures a publisher handle. Rate is events per second;
// zero means unlimited.
type PublisherConfig struct {
	Rate  float64 `yaml:"rate" validate:"min=0"`
	Burst int     `yaml:"burst" validate:"min=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("pow2", func(fl validator.FieldLevel) bool {
		n := fl.Field().Int()
		return n > 0 && n&(n-1) == 0
	})
	return v
}

// validateStruct reports the first failing field as an
// InvalidConfigurationError named after its yaml key.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return &event.InvalidConfigurationError{Field: "config", Reason: err.Error()}
	}
	fe := fields[0]
	return &event.InvalidConfigurationError{Field: fe.Field(), Reason: reason(fe)}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "max":
		return fmt.Sprintf("must be <= %s, got %v", fe.Param(), fe.Value())
	case "pow2":
		return fmt.Sprintf("must be a power of two, got %v", fe.Value())
	case "ltfield":
		return fmt.Sprintf("must be below %s, got %v", fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
