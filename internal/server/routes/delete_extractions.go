package routes

import (
	"net/http"

	"github.com/graphloom/loom/backend/internal/server/middleware"
	"github.com/graphloom/loom/backend/pkg/logger"

	"github.com/labstack/echo/v4"
)

// CancelExtractionHandler cancels a running extraction. Cancelling a
// key that is not in flight is a no-op and still returns 200.
func CancelExtractionHandler(c echo.Context) error {
	type cancelBody struct {
		Reason string `json:"reason"`
	}

	key := c.Param("key")
	if key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing extraction key"})
	}

	data := new(cancelBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if data.Reason == "" {
		data.Reason = "client request"
	}

	router := c.(*middleware.AppContext).App.Router
	cancelled := router.Cancel(key, data.Reason)

	return c.JSON(http.StatusOK, map[string]any{
		"key":       key,
		"cancelled": cancelled,
	})
}

// InvalidateCacheHandler drops every cached extraction result.
func InvalidateCacheHandler(c echo.Context) error {
	ctx := c.Request().Context()
	router := c.(*middleware.AppContext).App.Router

	if err := router.InvalidateCache(ctx); err != nil {
		logger.Error("[Server] Failed to invalidate extraction cache", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Cache invalidated"})
}
