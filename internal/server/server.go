// Package server provides the status HTTP API and live feed for the
// aggregation server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/sonotrack/go-tdoa/internal/aggregate"
)

// Config configures the status server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes the aggregation round over HTTP: health, registry progress,
// the completed round, plain-text metrics, and a WebSocket feed.
type Server struct {
	app       *fiber.App
	cfg       Config
	agg       *aggregate.Server
	logger    *slog.Logger
	hub       *WSHub
	startTime time.Time
	version   string

	mu        sync.Mutex
	lastRound *aggregate.Round
	mapPath   string
}

// New creates a status server wrapping the aggregation server.
func New(cfg Config, agg *aggregate.Server, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-tdoa",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:       app,
		cfg:       cfg,
		agg:       agg,
		logger:    logger,
		hub:       NewWSHub(logger),
		startTime: time.Now(),
		version:   version,
	}

	s.registerRoutes()
	return s
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")
	api.Get("/registry", s.registryHandler)
	api.Get("/round", s.roundHandler)
	api.Get("/feed", s.hub.UpgradeHandler())
}

// Hub returns the WebSocket feed hub for wiring into aggregation callbacks.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// SetRound records the completed round and the rendered artifact path.
func (s *Server) SetRound(round *aggregate.Round, mapPath string) {
	s.mu.Lock()
	s.lastRound = round
	s.mapPath = mapPath
	s.mu.Unlock()
}

// healthHandler reports aggregation progress as service health: the server
// is "waiting" until the roster is complete, then "ok".
func (s *Server) healthHandler(c *fiber.Ctx) error {
	stats := s.agg.Stats()

	s.mu.Lock()
	done := s.lastRound != nil
	s.mu.Unlock()

	status := "waiting"
	if done {
		status = "ok"
	}

	return c.JSON(fiber.Map{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"reported":       stats.Reported,
		"expected":       stats.Expected,
		"missing":        s.agg.Missing(),
	})
}

// registryHandler returns the most recent event per identity.
func (s *Server) registryHandler(c *fiber.Ctx) error {
	return c.JSON(s.agg.Registry())
}

// roundHandler returns the completed round, or 404 while still collecting.
func (s *Server) roundHandler(c *fiber.Ctx) error {
	s.mu.Lock()
	round := s.lastRound
	mapPath := s.mapPath
	s.mu.Unlock()

	if round == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "no completed round",
			"missing": s.agg.Missing(),
		})
	}

	skipped := make([]fiber.Map, 0, len(round.Skipped))
	for _, pe := range round.Skipped {
		skipped = append(skipped, fiber.Map{
			"pair":  pe.IDA + "/" + pe.IDB,
			"error": pe.Err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"round_id": round.ID.String(),
		"events":   round.Events,
		"loci":     len(round.Loci),
		"skipped":  skipped,
		"map_path": mapPath,
	})
}

// metricsHandler returns Prometheus-format metrics.
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	stats := s.agg.Stats()

	s.mu.Lock()
	loci := 0
	skipped := 0
	if s.lastRound != nil {
		loci = len(s.lastRound.Loci)
		skipped = len(s.lastRound.Skipped)
	}
	s.mu.Unlock()

	metrics := fmt.Sprintf(`# HELP go_tdoa_reports_received Total accepted receiver reports
# TYPE go_tdoa_reports_received counter
go_tdoa_reports_received %d

# HELP go_tdoa_reports_malformed Total malformed datagrams discarded
# TYPE go_tdoa_reports_malformed counter
go_tdoa_reports_malformed %d

# HELP go_tdoa_reports_unknown Total reports from identities outside the roster
# TYPE go_tdoa_reports_unknown counter
go_tdoa_reports_unknown %d

# HELP go_tdoa_roster_reported Roster identities that have reported
# TYPE go_tdoa_roster_reported gauge
go_tdoa_roster_reported %d

# HELP go_tdoa_roster_expected Roster size
# TYPE go_tdoa_roster_expected gauge
go_tdoa_roster_expected %d

# HELP go_tdoa_loci_computed Pairwise loci computed in the completed round
# TYPE go_tdoa_loci_computed gauge
go_tdoa_loci_computed %d

# HELP go_tdoa_pairs_skipped Pairs skipped for domain-invalid geometry
# TYPE go_tdoa_pairs_skipped gauge
go_tdoa_pairs_skipped %d

# HELP go_tdoa_uptime_seconds Server uptime in seconds
# TYPE go_tdoa_uptime_seconds gauge
go_tdoa_uptime_seconds %d

# HELP go_tdoa_websocket_clients Current WebSocket feed client count
# TYPE go_tdoa_websocket_clients gauge
go_tdoa_websocket_clients %d
`,
		stats.Received,
		stats.Malformed,
		stats.Unknown,
		stats.Reported,
		stats.Expected,
		loci,
		skipped,
		int64(time.Since(s.startTime).Seconds()),
		s.hub.ClientCount(),
	)

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(metrics)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting status server", "port", s.cfg.Port)
	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// Shutdown gracefully shuts down the server and the feed hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")

	s.hub.Close()

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
