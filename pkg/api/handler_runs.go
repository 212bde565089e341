package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/agentspy/agentspy/pkg/models"
)

// createRunHandler handles POST /api/v1/runs (single create).
func (s *Server) createRunHandler(c *echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed run body")
	}

	row, err := req.toUpsert(nil, models.SourceLangSmith)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.runService.IngestBatch(c.Request().Context(), []models.RunUpsert{row}, nil)
	if err != nil {
		return mapServiceError(err)
	}
	if len(result.Errors) > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, result.Errors[0].Message)
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"id":     row.ID.String(),
		"detail": "run accepted",
	})
}

// patchRunHandler handles PATCH /api/v1/runs/:id (partial update). An
// unknown id still upserts: patches legitimately race ahead of their
// creates, and the row converges once both have landed.
func (s *Server) patchRunHandler(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed run body")
	}

	row, err := req.toUpsert(&id, models.SourceLangSmith)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.runService.IngestBatch(c.Request().Context(), nil, []models.RunUpsert{row})
	if err != nil {
		return mapServiceError(err)
	}
	if len(result.Errors) > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, result.Errors[0].Message)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"id":     id.String(),
		"detail": "run updated",
	})
}

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *echo.Context) error {
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

// batchIngestHandler handles POST /api/v1/runs/batch — the main LangSmith
// SDK ingestion path. Rows that fail to decode are itemized next to rows
// the repository rejected; everything else commits.
func (s *Server) batchIngestHandler(c *echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed batch body")
	}

	decodeErrors := []models.BatchError{}
	post := decodeRows(req.Post, &decodeErrors)
	patch := decodeRows(req.Patch, &decodeErrors)

	result, err := s.runService.IngestBatch(c.Request().Context(), post, patch)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &batchResponse{
		Success:      true,
		CreatedCount: result.CreatedCount,
		UpdatedCount: result.UpdatedCount,
		Errors:       append(decodeErrors, result.Errors...),
	})
}

// decodeRows converts request rows to upserts, collecting per-row decode
// failures instead of failing the batch.
func decodeRows(rows []runRequest, errs *[]models.BatchError) []models.RunUpsert {
	out := make([]models.RunUpsert, 0, len(rows))
	for i := range rows {
		row, err := rows[i].toUpsert(nil, models.SourceLangSmith)
		if err != nil {
			id := ""
			if rows[i].ID != nil {
				id = *rows[i].ID
			}
			*errs = append(*errs, models.BatchError{ID: id, Message: err.Error()})
			continue
		}
		out = append(out, row)
	}
	return out
}
