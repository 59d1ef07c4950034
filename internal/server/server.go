// Package server provides the station HTTP API
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-sentinel/internal/config"
	"github.com/teslashibe/go-sentinel/internal/datastore"
	"github.com/teslashibe/go-sentinel/internal/doa"
	"github.com/teslashibe/go-sentinel/internal/health"
	"github.com/teslashibe/go-sentinel/internal/metrics"
	"github.com/teslashibe/go-sentinel/internal/pipeline"
)

// HistoryStore serves persisted bearings
type HistoryStore interface {
	Recent(ctx context.Context, limit int) ([]datastore.BearingRecord, error)
}

// Deps are the components the API exposes. Any of them may be nil; the
// matching routes then answer 503.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Tracker  *doa.Tracker
	Health   *health.Checker
	Metrics  *metrics.Metrics
	History  HistoryStore
	Settings any // served as-is on /api/config
}

// Server is the station HTTP server
type Server struct {
	app       *fiber.App
	cfg       config.ServerConfig
	deps      Deps
	logger    *slog.Logger
	wsHub     *WSHub
	startTime time.Time
	version   string
}

// New creates a new HTTP server
func New(cfg config.ServerConfig, deps Deps, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	app := fiber.New(fiber.Config{
		AppName:               "go-sentinel",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(RequestLogger(logger))

	s := &Server{
		app:       app,
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		wsHub:     NewWSHub(deps.Tracker, deps.Pipeline, deps.Metrics, cfg.BroadcastHz, logger),
		startTime: time.Now(),
		version:   version,
	}

	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", s.metricsHandler())

	api := s.app.Group("/api")

	audio := api.Group("/audio")
	audio.Get("/doa", s.doaHandler)
	audio.Get("/doa/stream", s.wsHub.UpgradeHandler())
	audio.Get("/doa/history", s.trackerHistoryHandler)
	audio.Get("/channels", s.channelsHandler)

	api.Get("/history", s.historyHandler)
	api.Get("/config", s.configHandler)
	api.Get("/stats", s.statsHandler)

	pl := api.Group("/pipeline")
	pl.Post("/start", s.pipelineStartHandler)
	pl.Post("/stop", s.pipelineStopHandler)
}

func unavailable(c *fiber.Ctx, what string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": what + " not available",
	})
}

// healthHandler returns station health; 503 once a critical component fails
func (s *Server) healthHandler(c *fiber.Ctx) error {
	if s.deps.Health == nil {
		return c.JSON(fiber.Map{
			"status":         health.StatusOK,
			"version":        s.version,
			"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		})
	}

	status := s.deps.Health.GetStatus()
	if !s.deps.Health.IsHealthy() {
		c.Status(fiber.StatusServiceUnavailable)
	}
	return c.JSON(status)
}

func (s *Server) metricsHandler() fiber.Handler {
	if s.deps.Metrics == nil {
		return func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusServiceUnavailable).SendString("# metrics disabled\n")
		}
	}
	return adaptor.HTTPHandler(s.deps.Metrics.Handler())
}

// doaHandler returns the latest bearing
func (s *Server) doaHandler(c *fiber.Ctx) error {
	if s.deps.Tracker == nil {
		return unavailable(c, "DOA tracker")
	}
	return c.JSON(s.deps.Tracker.GetLatest())
}

// trackerHistoryHandler returns the in-memory bearing history
func (s *Server) trackerHistoryHandler(c *fiber.Ctx) error {
	if s.deps.Tracker == nil {
		return unavailable(c, "DOA tracker")
	}
	return c.JSON(s.deps.Tracker.History(c.QueryInt("n", 0)))
}

// historyHandler returns persisted bearings, newest first
func (s *Server) historyHandler(c *fiber.Ctx) error {
	if s.deps.History == nil {
		return unavailable(c, "bearing history")
	}

	limit := c.QueryInt("limit", 100)
	if limit < 1 || limit > 10000 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 10000",
		})
	}

	recs, err := s.deps.History.Recent(c.UserContext(), limit)
	if err != nil {
		s.logger.Warn("history query failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "history query failed",
		})
	}
	return c.JSON(recs)
}

// channelsHandler returns per-channel frame assembly state
func (s *Server) channelsHandler(c *fiber.Ctx) error {
	if s.deps.Pipeline == nil {
		return unavailable(c, "pipeline")
	}
	return c.JSON(s.deps.Pipeline.Stats().Channels)
}

// configHandler returns the effective configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	if s.deps.Settings == nil {
		return c.JSON(fiber.Map{
			"server": fiber.Map{
				"port":             s.cfg.Port,
				"read_timeout_ms":  s.cfg.ReadTimeout.Milliseconds(),
				"write_timeout_ms": s.cfg.WriteTimeout.Milliseconds(),
			},
		})
	}
	return c.JSON(s.deps.Settings)
}

// statsHandler returns pipeline and tracker statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	out := fiber.Map{
		"version":           s.version,
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"websocket_clients": s.wsHub.ClientCount(),
	}
	if s.deps.Pipeline != nil {
		out["pipeline"] = s.deps.Pipeline.Stats()
	}
	if s.deps.Tracker != nil {
		out["tracker"] = s.deps.Tracker.Stats()
	}
	return c.JSON(out)
}

func (s *Server) pipelineStartHandler(c *fiber.Ctx) error {
	if s.deps.Pipeline == nil {
		return unavailable(c, "pipeline")
	}
	// the pipeline outlives the request
	ctx := context.WithoutCancel(c.UserContext())
	if err := s.deps.Pipeline.Start(ctx); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"state": s.deps.Pipeline.State().String()})
}

func (s *Server) pipelineStopHandler(c *fiber.Ctx) error {
	if s.deps.Pipeline == nil {
		return unavailable(c, "pipeline")
	}
	if err := s.deps.Pipeline.Stop(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"state": s.deps.Pipeline.State().String()})
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// WSHub returns the WebSocket hub
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	s.wsHub.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
