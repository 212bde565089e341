package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/agentspy/agentspy/pkg/models"
)

// infoHandler handles GET /api/v1/info.
func (s *Server) infoHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &infoResponse{
		Version:      versionString(),
		TenantHandle: "agent-spy",
		BatchIngestConfig: batchIngestConfig{
			SizeLimitBytes: s.cfg.BatchSizeLimitBytes(),
			SizeLimit:      100,
		},
		InstanceFlags: instanceFlags{
			AuthEnabled:     s.cfg.RequireAuth,
			OTLPGRPCEnabled: s.cfg.OTLPGRPCEnabled,
		},
	})
}

// listRootRunsHandler handles GET /api/v1/dashboard/runs/roots.
func (s *Server) listRootRunsHandler(c *echo.Context) error {
	filter := models.RootRunFilter{Limit: models.DefaultRootRunsLimit}

	if v := c.QueryParam("project"); v != "" {
		filter.ProjectName = &v
	}
	if v := c.QueryParam("status"); v != "" {
		st := models.RunStatus(v)
		if !models.ValidRunStatus(st) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
		filter.Status = &st
	}
	if v := c.QueryParam("search"); v != "" {
		filter.Search = &v
	}
	if v := c.QueryParam("start_time_gte"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid start_time_gte: must be RFC3339")
		}
		filter.StartTimeGte = &t
	}
	if v := c.QueryParam("start_time_lte"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid start_time_lte: must be RFC3339")
		}
		filter.StartTimeLte = &t
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > models.MaxRootRunsLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be in 1..1000")
		}
		filter.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "offset must be non-negative")
		}
		filter.Offset = n
	}

	page, err := s.runService.GetRootRuns(c.Request().Context(), filter)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, page)
}

// runDetailHandler handles GET /api/v1/dashboard/runs/:id.
func (s *Server) runDetailHandler(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	run, err := s.runService.GetRun(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &runResponse{Run: *run, DurationMS: run.DurationMS()})
}

// hierarchyHandler handles GET /api/v1/dashboard/runs/:id/hierarchy.
func (s *Server) hierarchyHandler(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	tree, err := s.runService.GetHierarchy(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, tree)
}

// statsSummaryHandler handles GET /api/v1/dashboard/stats/summary.
func (s *Server) statsSummaryHandler(c *echo.Context) error {
	stats, err := s.runService.GetDashboardStats(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, stats)
}
