// Package api provides the HTTP surface: the LangSmith-compatible ingest
// API, the OTLP/HTTP route, the dashboard query endpoints, health probes,
// and the WebSocket upgrade.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/agentspy/agentspy/pkg/cache"
	"github.com/agentspy/agentspy/pkg/config"
	"github.com/agentspy/agentspy/pkg/database"
	"github.com/agentspy/agentspy/pkg/events"
	"github.com/agentspy/agentspy/pkg/otlp"
	"github.com/agentspy/agentspy/pkg/services"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg             *config.Settings
	dbClient        *database.Client
	runService      *services.RunService
	feedbackService *services.FeedbackService
	hub             *events.Hub
	connManager     *events.ConnectionManager
	otlpReceiver    *otlp.HTTPReceiver
	rateLimiter     cache.RateLimiter // nil when disabled
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.Settings,
	dbClient *database.Client,
	runService *services.RunService,
	feedbackService *services.FeedbackService,
	hub *events.Hub,
	connManager *events.ConnectionManager,
) *Server {
	s := &Server{
		echo:            echo.New(),
		cfg:             cfg,
		dbClient:        dbClient,
		runService:      runService,
		feedbackService: feedbackService,
		hub:             hub,
		connManager:     connManager,
		otlpReceiver:    otlp.NewHTTPReceiver(runService),
	}
	if cfg.RateLimitRPS > 0 {
		s.rateLimiter = cache.NewTokenBucket(cfg.RateLimitRPS)
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	// Batch-sized body cap at the HTTP read level, before deserialization.
	// The per-trace cap is enforced per row in the repository.
	s.echo.Use(middleware.BodyLimit(int64(s.cfg.BatchSizeLimitBytes())))
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.cfg.CORSOrigins,
	}))
	s.echo.Use(securityHeaders())
	s.echo.Use(s.requestTimeout())
	if s.rateLimiter != nil {
		s.echo.Use(s.rateLimit())
	}

	// Health probes stay open even when auth is required.
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/health/ready", s.readyHandler)
	s.echo.GET("/health/live", s.liveHandler)
	s.echo.GET("/health/traces", s.tracesHealthHandler)

	// OTLP HTTP receiver at its configurable path.
	s.echo.POST(s.cfg.OTLPHTTPPath, s.otlpReceiver.Handle, s.requireAuth())

	v1 := s.echo.Group("/api/v1", s.requireAuth())

	// LangSmith-compatible surface.
	v1.GET("/info", s.infoHandler)
	v1.POST("/runs", s.createRunHandler)
	v1.POST("/runs/batch", s.batchIngestHandler)
	v1.GET("/runs/:id", s.getRunHandler)
	v1.PATCH("/runs/:id", s.patchRunHandler)
	v1.POST("/feedback", s.createFeedbackHandler)
	v1.GET("/runs/:id/feedback", s.listFeedbackHandler)

	// Dashboard read side.
	v1.GET("/dashboard/runs/roots", s.listRootRunsHandler)
	v1.GET("/dashboard/runs/:id", s.runDetailHandler)
	v1.GET("/dashboard/runs/:id/hierarchy", s.hierarchyHandler)
	v1.GET("/dashboard/stats/summary", s.statsSummaryHandler)

	// WebSocket endpoint for real-time event streaming. Auth (when
	// enabled) runs before the upgrade, same policy as HTTP.
	v1.GET("/ws", s.wsHandler)
	s.echo.GET("/ws", s.wsHandler, s.requireAuth())
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by cmd/agentspy, which binds the listener itself so a bind failure
// is reported before any server goroutine starts.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Echo exposes the router for handler tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
