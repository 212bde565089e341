package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentspy/agentspy/pkg/services"
	"github.com/agentspy/agentspy/pkg/store"
)

// mapServiceError maps repository and store errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrPayloadTooLarge) {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, store.ErrStorageUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}
	if errors.Is(err, store.ErrConstraintViolation) {
		slog.Error("Storage constraint violation", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal storage error")
	}

	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
