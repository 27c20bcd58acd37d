// Package config provides YAML-based configuration for pulsebus.
// Supports validation, defaults, env overrides, and declarative
// subscriptions routed to sinks.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/internal/export"
	"github.com/sureshkrishnan-v/pulsebus/internal/ingest"
	"github.com/sureshkrishnan-v/pulsebus/internal/topic"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
	"github.com/sureshkrishnan-v/pulsebus/pkg/eventbus"
)

// Config is the top-level configuration for pulsebus.
type Config struct {
	Service       ServiceConfig        `yaml:"service"`
	Bus           eventbus.Config      `yaml:"bus"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Sinks         SinksConfig          `yaml:"sinks"`
	Exporters     ExportersConfig      `yaml:"exporters"`
	Ingest        ingest.Config        `yaml:"ingest"`
}

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	APIAddr         string        `yaml:"api_addr"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SubscriptionConfig declares a subscription whose events are forwarded to
// a sink. Headers, when set, must all match for an event to be delivered.
type SubscriptionConfig struct {
	Name    string            `yaml:"name" validate:"required"`
	Pattern string            `yaml:"pattern" validate:"required"`
	Sink    string            `yaml:"sink" validate:"required,oneof=log nats redis clickhouse watermill"`
	Headers map[string]string `yaml:"headers"`

	eventbus.SubscriberConfig `yaml:",inline"`
}

// SinksConfig holds connection settings for the forwarding sinks. A sink
// is only connected when a subscription references it.
type SinksConfig struct {
	NATS       export.NATSConfig       `yaml:"nats"`
	Redis      export.RedisConfig      `yaml:"redis"`
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`
}

// ExportersConfig holds exporter settings.
type ExportersConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// PrometheusConfig holds Prometheus exporter settings.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config with sensible production defaults.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			APIAddr:         constants.APIDefaultAddr,
			LogLevel:        constants.DefaultLogLevel,
			ShutdownTimeout: constants.ShutdownTimeout,
		},
		Bus: eventbus.DefaultConfig(),
		Sinks: SinksConfig{
			NATS:       export.DefaultNATSConfig(),
			Redis:      export.DefaultRedisConfig(),
			ClickHouse: export.DefaultClickHouseConfig(),
		},
		Exporters: ExportersConfig{
			Prometheus: PrometheusConfig{Enabled: true, Addr: constants.MetricsDefaultAddr},
		},
		Ingest: ingest.DefaultConfig(),
	}
}

// Load reads a YAML config file and merges it over defaults.
// If the file doesn't exist, returns defaults.
// Environment variables override: PULSEBUS_LOG_LEVEL, PULSEBUS_API_ADDR,
// PULSEBUS_METRICS_ADDR, NATS_URL, REDIS_ADDR, CLICKHOUSE_DSN.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides allows environment variables to override config values.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv(constants.EnvLogLevel); level != "" {
		c.Service.LogLevel = level
	}
	if addr := os.Getenv(constants.EnvAPIAddr); addr != "" {
		c.Service.APIAddr = addr
	}
	if addr := os.Getenv(constants.EnvMetricsAddr); addr != "" {
		c.Exporters.Prometheus.Addr = addr
	}
	if url := os.Getenv(constants.EnvNATSURL); url != "" {
		c.Sinks.NATS.URL = url
		c.Ingest.URL = url
	}
	if addr := os.Getenv(constants.EnvRedisAddr); addr != "" {
		c.Sinks.Redis.Addr = addr
	}
	if dsn := os.Getenv(constants.EnvClickHouseDSN); dsn != "" {
		c.Sinks.ClickHouse.DSN = dsn
	}
}

// Validate checks the config for logical errors and reports all of them.
func (c *Config) Validate() error {
	var errs []string

	if _, err := zapcore.ParseLevel(c.Service.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("service.log_level: unknown level %q", c.Service.LogLevel))
	}
	if c.Service.ShutdownTimeout <= 0 {
		errs = append(errs, "service.shutdown_timeout must be > 0")
	}
	if c.Exporters.Prometheus.Enabled && c.Exporters.Prometheus.Addr == "" {
		errs = append(errs, "exporters.prometheus.addr is required when enabled")
	}
	if err := c.Bus.Validate(); err != nil {
		var ice *event.InvalidConfigurationError
		if errors.As(err, &ice) {
			errs = append(errs, fmt.Sprintf("bus.%s: %s", ice.Field, ice.Reason))
		} else {
			errs = append(errs, "bus: "+err.Error())
		}
	}

	if c.Ingest.Enabled {
		if c.Ingest.URL == "" || c.Ingest.Stream == "" || c.Ingest.ConsumerName == "" {
			errs = append(errs, "ingest.url, ingest.stream and ingest.consumer_name are required when enabled")
		}
		if c.Ingest.Rate < 0 || c.Ingest.Burst < 0 {
			errs = append(errs, "ingest.rate and ingest.burst must be >= 0")
		}
	}

	names := make(map[string]bool, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		prefix := fmt.Sprintf("subscriptions[%d]", i)
		errs = append(errs, checkStruct(prefix, s)...)
		if s.Name != "" {
			if names[s.Name] {
				errs = append(errs, fmt.Sprintf("%s.name: duplicate %q", prefix, s.Name))
			}
			names[s.Name] = true
		}
		if s.Pattern != "" {
			if _, err := topic.Compile(s.Pattern); err != nil {
				errs = append(errs, fmt.Sprintf("%s.pattern: %v", prefix, err))
			}
		}
		if s.DeliveryMode == eventbus.Pull {
			errs = append(errs, prefix+".delivery_mode: declarative subscriptions are push only")
		}
	}

	for _, sink := range c.SinksInUse() {
		switch {
		case sink == constants.SinkNATS && c.Sinks.NATS.URL == "":
			errs = append(errs, "sinks.nats.url is required")
		case sink == constants.SinkRedis && c.Sinks.Redis.Addr == "":
			errs = append(errs, "sinks.redis.addr is required")
		case sink == constants.SinkClickHouse && c.Sinks.ClickHouse.DSN == "":
			errs = append(errs, "sinks.clickhouse.dsn is required")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// SinksInUse returns the distinct sinks referenced by subscriptions, in
// first-use order.
func (c *Config) SinksInUse() []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range c.Subscriptions {
		if s.Sink != "" && !seen[s.Sink] {
			seen[s.Sink] = true
			out = append(out, s.Sink)
		}
	}
	return out
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func checkStruct(prefix string, s any) []string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return []string{prefix + ": " + err.Error()}
	}
	out := make([]string, 0, len(fields))
	for _, fe := range fields {
		msg := fmt.Sprintf("%s.%s: failed %s", prefix, fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out = append(out, msg)
	}
	return out
}
