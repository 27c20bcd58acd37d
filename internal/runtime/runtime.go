// Package runtime provides the pulsebus service orchestrator.
// It builds the bus from config, wires declarative subscriptions to sinks,
// and runs the API and exporters until shutdown.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/api"
	"github.com/sureshkrishnan-v/pulsebus/internal/config"
	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/internal/export"
	"github.com/sureshkrishnan-v/pulsebus/internal/ingest"
	"github.com/sureshkrishnan-v/pulsebus/pkg/eventbus"
	"github.com/sureshkrishnan-v/pulsebus/pkg/filter"
)

// Runtime is the central orchestrator for pulsebus.
// It manages the lifecycle of the bus, sinks, exporters, the API server,
// and graceful shutdown.
type Runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	bus       *eventbus.Bus
	sinks     map[string]export.Sink
	exporters []export.Exporter
	pubsub    *gochannel.GoChannel
}

// NewRuntime creates a new Runtime with the given configuration.
// The bus is created eagerly so callers can subscribe before Run.
func NewRuntime(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	bus, err := eventbus.New(cfg.Bus, eventbus.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating bus: %w", err)
	}
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		sinks:  make(map[string]export.Sink),
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(cfg.Bus.QueueSize),
		}, watermill.NopLogger{}),
	}, nil
}

// RegisterSink makes s available to subscriptions under s.Name(), replacing
// the sink the config would connect. Must be called before Run.
func (rt *Runtime) RegisterSink(s export.Sink) {
	rt.sinks[s.Name()] = s
}

// RegisterExporter adds an exporter to the runtime.
// Must be called before Run.
func (rt *Runtime) RegisterExporter(e export.Exporter) {
	rt.exporters = append(rt.exporters, e)
}

// Bus returns the event bus.
func (rt *Runtime) Bus() *eventbus.Bus {
	return rt.bus
}

// Watermill returns the in-process watermill subscriber fed by the
// "watermill" sink.
func (rt *Runtime) Watermill() message.Subscriber {
	return rt.pubsub
}

// Run starts the full runtime lifecycle:
//  1. Connect the sinks referenced by subscriptions
//  2. Register subscriptions
//  3. Start exporters and the API server
//  4. Wait for shutdown signal
//  5. Stop API → drain bus → close sinks → stop exporters
func (rt *Runtime) Run(ctx context.Context) error {
	rt.logger.Info("pulsebus runtime starting",
		zap.Int("subscriptions", len(rt.cfg.Subscriptions)),
		zap.Strings("sinks", rt.cfg.SinksInUse()))

	if err := rt.connectSinks(ctx); err != nil {
		rt.abort()
		return err
	}
	if err := rt.subscribe(); err != nil {
		rt.abort()
		return err
	}

	if p := rt.cfg.Exporters.Prometheus; p.Enabled {
		rt.RegisterExporter(export.NewPrometheus(p.Addr, rt.bus, rt.logger))
	}
	if rt.cfg.Ingest.Enabled {
		in, err := ingest.New(rt.cfg.Ingest, rt.bus, rt.logger)
		if err != nil {
			rt.abort()
			return fmt.Errorf("creating ingest: %w", err)
		}
		rt.RegisterExporter(in)
	}

	var srv *api.Server
	if rt.cfg.Service.APIAddr != "" {
		var err error
		if srv, err = api.NewServer(rt.cfg.Service.APIAddr, rt.bus, rt.logger); err != nil {
			rt.abort()
			return fmt.Errorf("creating API server: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, e := range rt.exporters {
		wg.Add(1)
		go func(e export.Exporter) {
			defer wg.Done()
			rt.logger.Info("Starting exporter", zap.String("exporter", e.Name()))
			if err := e.Start(runCtx); err != nil && runCtx.Err() == nil {
				rt.logger.Error("Exporter error",
					zap.String("exporter", e.Name()), zap.Error(err))
			}
		}(e)
	}
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(); err != nil && runCtx.Err() == nil {
				rt.logger.Error("API server error", zap.Error(err))
				cancel()
			}
		}()
	}

	exporterNames := make([]string, len(rt.exporters))
	for i, e := range rt.exporters {
		exporterNames[i] = e.Name()
	}
	rt.logger.Info("pulsebus running",
		zap.String("api", rt.cfg.Service.APIAddr),
		zap.Strings("exporters", exporterNames))

	// Wait for shutdown signal
	<-runCtx.Done()
	rt.logger.Info("Shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), rt.cfg.Service.ShutdownTimeout)
	defer stopCancel()

	if srv != nil {
		if err := srv.Stop(); err != nil {
			rt.logger.Warn("Error stopping API server", zap.Error(err))
		}
	}

	report, err := rt.bus.Shutdown(stopCtx)
	if err != nil {
		rt.logger.Warn("Bus shutdown incomplete", zap.Error(err))
	}
	rt.closeSinks()

	for _, e := range rt.exporters {
		rt.logger.Debug("Stopping exporter", zap.String("exporter", e.Name()))
		if err := e.Stop(stopCtx); err != nil {
			rt.logger.Warn("Error stopping exporter",
				zap.String("exporter", e.Name()), zap.Error(err))
		}
	}

	wg.Wait()

	rt.logger.Info("pulsebus stopped",
		zap.Uint64("accepted", report.Accepted),
		zap.Uint64("delivered", report.Delivered),
		zap.Uint64("dropped", report.Dropped),
		zap.Uint64("abandoned", report.Abandoned),
		zap.Bool("balanced", report.Balanced()),
		zap.Duration("elapsed", report.Elapsed))

	return nil
}

// connectSinks opens every sink a subscription references that was not
// registered up front.
func (rt *Runtime) connectSinks(ctx context.Context) error {
	for _, name := range rt.cfg.SinksInUse() {
		if _, ok := rt.sinks[name]; ok {
			continue
		}
		s, err := rt.openSink(ctx, name)
		if err != nil {
			return fmt.Errorf("connecting sink %s: %w", name, err)
		}
		rt.sinks[name] = s
	}
	return nil
}

func (rt *Runtime) openSink(ctx context.Context, name string) (export.Sink, error) {
	sinks := rt.cfg.Sinks
	switch name {
	case constants.SinkLog:
		return export.NewLog(rt.logger), nil
	case constants.SinkWatermill:
		return export.NewWatermill(rt.pubsub), nil
	case constants.SinkNATS:
		return export.NewNATS(ctx, sinks.NATS, rt.logger)
	case constants.SinkRedis:
		return export.NewRedis(sinks.Redis, rt.logger)
	case constants.SinkClickHouse:
		return export.NewClickHouse(sinks.ClickHouse, rt.logger)
	default:
		return nil, fmt.Errorf("unknown sink %q", name)
	}
}

func (rt *Runtime) subscribe() error {
	for _, sc := range rt.cfg.Subscriptions {
		cfg := sc.SubscriberConfig
		cfg.Adapter = rt.sinks[sc.Sink]
		if sc.Sink == constants.SinkClickHouse && cfg.BatchSize == 0 {
			cfg.BatchSize = constants.ClickHouseBatchSize
			if cfg.FlushInterval == 0 {
				cfg.FlushInterval = constants.ClickHouseFlushInterval
			}
		}
		if len(sc.Headers) > 0 {
			cfg.Filter = filter.HeaderEquals(sc.Headers)
		}
		id, err := rt.bus.Subscribe(sc.Name, sc.Pattern, cfg)
		if err != nil {
			return fmt.Errorf("subscription %s: %w", sc.Name, err)
		}
		rt.logger.Info("Subscription routed",
			zap.Uint64("subscriber_id", uint64(id)),
			zap.String("name", sc.Name),
			zap.String("pattern", sc.Pattern),
			zap.String("sink", sc.Sink))
	}
	return nil
}

// abort tears down a runtime that failed to start.
func (rt *Runtime) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Service.ShutdownTimeout)
	defer cancel()
	_, _ = rt.bus.Shutdown(ctx)
	rt.closeSinks()
}

func (rt *Runtime) closeSinks() {
	for name, s := range rt.sinks {
		if err := s.Close(); err != nil {
			rt.logger.Warn("Error closing sink", zap.String("sink", name), zap.Error(err))
		}
	}
	if _, ok := rt.sinks[constants.SinkWatermill]; !ok {
		_ = rt.pubsub.Close()
	}
}
