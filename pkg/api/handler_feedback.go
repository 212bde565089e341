package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/agentspy/agentspy/pkg/models"
)

// createFeedbackHandler handles POST /api/v1/feedback.
func (s *Server) createFeedbackHandler(c *echo.Context) error {
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed feedback body")
	}

	runID, err := uuid.Parse(req.RunID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id")
	}

	fb := &models.Feedback{
		RunID:      runID,
		Key:        req.Key,
		Score:      req.Score,
		Comment:    req.Comment,
		Correction: req.Correction,
		Metadata:   req.Metadata,
	}
	if req.ID != nil {
		id, err := uuid.Parse(*req.ID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid feedback id")
		}
		fb.ID = id
	}

	created, err := s.feedbackService.Create(c.Request().Context(), fb)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

// listFeedbackHandler handles GET /api/v1/runs/:id/feedback.
func (s *Server) listFeedbackHandler(c *echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	items, err := s.feedbackService.ListForRun(c.Request().Context(), runID)
	if err != nil {
		return mapServiceError(err)
	}
	if items == nil {
		items = []models.Feedback{}
	}
	return c.JSON(http.StatusOK, map[string]any{"feedback": items})
}
