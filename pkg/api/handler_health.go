package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentspy/agentspy/pkg/database"
	"github.com/agentspy/agentspy/pkg/version"
)

// healthCheckTimeout bounds the database ping inside health probes.
const healthCheckTimeout = 5 * time.Second

func versionString() string {
	return version.Full()
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	published, dropped, subscribers := s.hub.Stats()
	resp := &healthResponse{
		Status:  "healthy",
		Version: versionString(),
		Events: eventsHealth{
			Published:   published,
			Dropped:     dropped,
			Subscribers: subscribers,
		},
		Connection: connectionHealth{
			ActiveConnections: s.connManager.ActiveConnections(),
		},
	}

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	resp.Database = dbHealth
	if err != nil {
		resp.Status = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}

	return c.JSON(http.StatusOK, resp)
}

// readyHandler handles GET /health/ready — readiness is database
// reachability.
func (s *Server) readyHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	if err := s.dbClient.DB().PingContext(reqCtx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// liveHandler handles GET /health/live — the process is up.
func (s *Server) liveHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// tracesHealthHandler handles GET /health/traces: the completeness audit
// over recently updated runs.
func (s *Server) tracesHealthHandler(c *echo.Context) error {
	var project *string
	if v := c.QueryParam("project"); v != "" {
		project = &v
	}

	report, err := s.runService.CheckCompleteness(c.Request().Context(), s.cfg.CompletenessWindow, project)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, report)
}
