package routes

import (
	"net/http"

	"github.com/graphloom/loom/backend/internal/server/middleware"
	"github.com/graphloom/loom/backend/pkg/logger"

	"github.com/labstack/echo/v4"
)

// GetExtractionResultHandler returns the cached result for an
// idempotency key, if one exists.
func GetExtractionResultHandler(c echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing extraction key"})
	}

	ctx := c.Request().Context()
	router := c.(*middleware.AppContext).App.Router

	result, err := router.CachedResult(ctx, key)
	if err != nil {
		logger.Error("[Server] Failed to read cached result", "key", key, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	if result == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "No result for this key"})
	}

	return c.JSON(http.StatusOK, result)
}

// GetExtractionStatusHandler reports the observable lifecycle state of
// an idempotency key.
func GetExtractionStatusHandler(c echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing extraction key"})
	}

	ctx := c.Request().Context()
	router := c.(*middleware.AppContext).App.Router

	status, err := router.Status(ctx, key)
	if err != nil {
		logger.Error("[Server] Failed to read extraction status", "key", key, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, status)
}
