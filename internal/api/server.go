// Package api provides the pulsebus HTTP API server.
// Uses Fiber v2 (zero-alloc, fasthttp-based) for max throughput.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/internal/export"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
	"github.com/sureshkrishnan-v/pulsebus/pkg/eventbus"
)

// Server is the HTTP API server.
type Server struct {
	app    *fiber.App
	bus    *eventbus.Bus
	pub    *eventbus.Publisher
	logger *zap.Logger
	addr   string
}

// NewServer creates a Fiber API server with all routes. Events published
// over HTTP go through a rate-limited "api" publisher.
func NewServer(addr string, bus *eventbus.Bus, logger *zap.Logger) (*Server, error) {
	id, err := bus.CreatePublisher(constants.APIPublisherName, eventbus.PublisherConfig{
		Rate:  constants.APIPublisherRate,
		Burst: constants.APIPublisherBurst,
	})
	if err != nil {
		return nil, err
	}
	pub, _ := bus.Publisher(id)

	app := fiber.New(fiber.Config{
		Prefork:               false,
		StrictRouting:         false,
		DisableStartupMessage: true,
		ReadTimeout:           constants.HTTPReadTimeout,
		WriteTimeout:          constants.HTTPWriteTimeout,
		IdleTimeout:           constants.HTTPIdleTimeout,
	})

	s := &Server{
		app:    app,
		bus:    bus,
		pub:    pub,
		logger: logger.Named("api"),
		addr:   addr,
	}

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{Format: "${time} ${status} ${method} ${path} ${latency}\n"}))
	app.Use(cors.New(cors.Config{AllowOrigins: "*"}))
	app.Use(compress.New())
	app.Use(limiter.New(limiter.Config{
		Max:        constants.APIRateLimit,
		Expiration: time.Second,
	}))

	// Routes
	v1 := app.Group("/api/v1")
	v1.Post("/events", s.handlePublish)
	v1.Get("/subscribers", s.handleSubscribers)
	v1.Get("/subscribers/:id", s.handleSubscriber)
	v1.Delete("/subscribers/:id", s.handleUnsubscribe)
	v1.Post("/subscribers/:id/pause", s.handlePause)
	v1.Post("/subscribers/:id/resume", s.handleResume)
	v1.Get("/publishers", s.handlePublishers)
	v1.Get("/metrics", s.handleMetrics)

	// WebSocket for live events
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/subscribe", websocket.New(s.handleWS))

	// Health
	app.Get(constants.PathHealthz, func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get(constants.PathReadyz, func(c *fiber.Ctx) error {
		if !bus.Running() {
			return c.Status(fiber.StatusServiceUnavailable).SendString("not ready")
		}
		return c.SendString("ready")
	})

	return s, nil
}

// Start begins listening. Blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.addr))
	return s.app.Listen(s.addr)
}

// Stop gracefully shuts down.
func (s *Server) Stop() error {
	return s.app.Shutdown()
}

// ─── Handlers ────────────────────────────────────────────────────

// publishRequest is the POST /events body. A JSON payload travels in
// Payload; binary payloads go base64-encoded in Data.
type publishRequest struct {
	Topic    string            `json:"topic"`
	Priority event.Priority    `json:"priority"`
	Headers  map[string]string `json:"headers"`
	Payload  json.RawMessage   `json:"payload"`
	Data     []byte            `json:"data"`
}

func (s *Server) handlePublish(c *fiber.Ctx) error {
	req := publishRequest{Priority: event.Normal}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body: " + err.Error()})
	}
	if len(req.Payload) > 0 && len(req.Data) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "payload and data are exclusive"})
	}

	msgID := req.Headers[constants.HeaderMessageID]
	if msgID == "" {
		msgID = uuid.NewString()
	}
	payload := req.Data
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	e := event.New(req.Topic, payload,
		event.WithPriority(req.Priority),
		event.WithHeaders(req.Headers),
		event.WithHeader(constants.HeaderMessageID, msgID))

	res, err := s.pub.Publish(c.UserContext(), e)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error(), "message_id": msgID})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"event_id":   res.EventID,
		"message_id": msgID,
		"matched":    res.Matched,
		"enqueued":   res.Enqueued,
		"refused":    res.Refused,
	})
}

func (s *Server) handleSubscribers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"subscribers": s.bus.Subscribers()})
}

func (s *Server) handleSubscriber(c *fiber.Ctx) error {
	id, err := subscriberID(c)
	if err != nil {
		return err
	}
	info, err := s.bus.Subscriber(id)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(info)
}

func (s *Server) handleUnsubscribe(c *fiber.Ctx) error {
	id, err := subscriberID(c)
	if err != nil {
		return err
	}
	if !s.bus.Unsubscribe(id) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": (&event.SubscriberNotFoundError{ID: id}).Error()})
	}
	s.logger.Info("Subscriber removed via API", zap.Uint64("subscriber_id", uint64(id)))
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handlePause(c *fiber.Ctx) error {
	return s.setPaused(c, true)
}

func (s *Server) handleResume(c *fiber.Ctx) error {
	return s.setPaused(c, false)
}

func (s *Server) setPaused(c *fiber.Ctx, pause bool) error {
	id, err := subscriberID(c)
	if err != nil {
		return err
	}
	if pause {
		err = s.bus.Pause(id)
	} else {
		err = s.bus.Resume(id)
	}
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}
	info, err := s.bus.Subscriber(id)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(info)
}

func (s *Server) handlePublishers(c *fiber.Ctx) error {
	pubs := s.bus.Publishers()
	items := make([]fiber.Map, 0, len(pubs))
	for _, p := range pubs {
		published, rejected := p.Counts()
		items = append(items, fiber.Map{
			"id":        p.ID(),
			"name":      p.Name(),
			"published": published,
			"rejected":  rejected,
		})
	}
	return c.JSON(fiber.Map{"publishers": items})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	return c.JSON(s.bus.MetricsSnapshot())
}

// handleWS streams live events via WebSocket, backed by a pull subscriber
// on the "pattern" query parameter. Events use the export wire format.
func (s *Server) handleWS(c *websocket.Conn) {
	pattern := c.Query("pattern", "#")
	floor, err := event.ParsePriority(c.Query("min_priority"))
	if err != nil {
		floor = event.Low
	}

	sub, err := s.bus.SubscribeAsync("ws:"+c.RemoteAddr().String(), pattern, eventbus.SubscriberConfig{
		QueueCapacity: constants.APIStreamQueueSize,
		PriorityFloor: floor,
	})
	if err != nil {
		_ = c.WriteJSON(fiber.Map{"error": err.Error()})
		return
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reader: the client never sends data; a read error means it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("Stream opened",
		zap.Uint64("subscriber_id", uint64(sub.ID())),
		zap.String("pattern", pattern))

	ping := time.NewTicker(constants.APIStreamPingPeriod)
	defer ping.Stop()
	events := make(chan *event.Event)
	go func() {
		defer close(events)
		for {
			e, err := sub.Receive(ctx)
			if err != nil {
				return
			}
			select {
			case events <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(constants.APIStreamWriteWindow)
			if err := c.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := export.Encode(sub.ID(), e)
			if err != nil {
				s.logger.Warn("Stream encode failed", zap.Error(err))
				continue
			}
			_ = c.SetWriteDeadline(time.Now().Add(constants.APIStreamWriteWindow))
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func subscriberID(c *fiber.Ctx) (event.SubscriberID, error) {
	n, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid subscriber id")
	}
	return event.SubscriberID(n), nil
}

// errorStatus maps the bus error taxonomy onto HTTP status codes.
func errorStatus(err error) int {
	var cfgErr *event.InvalidConfigurationError
	var limitErr *event.ResourceLimitError
	switch {
	case errors.As(err, &cfgErr) && cfgErr.Field == "state":
		return fiber.StatusServiceUnavailable
	case errors.Is(err, event.ErrInvalidTopic), errors.Is(err, event.ErrInvalidConfiguration):
		return fiber.StatusBadRequest
	case errors.Is(err, event.ErrSubscriberNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &limitErr) && limitErr.Resource == "payload_size":
		return fiber.StatusRequestEntityTooLarge
	case errors.As(err, &limitErr) && limitErr.Resource == "headers":
		return fiber.StatusBadRequest
	case errors.Is(err, event.ErrResourceLimitExceeded):
		return fiber.StatusTooManyRequests
	case errors.Is(err, event.ErrBackpressureTriggered), errors.Is(err, event.ErrQueueFull):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusRequestTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
