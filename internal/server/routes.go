package server

import (
	"github.com/graphloom/loom/backend/internal/server/middleware"
	"github.com/graphloom/loom/backend/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Extraction routes
	apiRoutes.POST("/extractions", routes.SubmitExtractionHandler)
	apiRoutes.GET("/extractions/:key", routes.GetExtractionResultHandler)
	apiRoutes.GET("/extractions/:key/status", routes.GetExtractionStatusHandler)
	apiRoutes.POST("/extractions/:key/cancel", routes.CancelExtractionHandler)
	apiRoutes.DELETE("/extractions/cache", routes.InvalidateCacheHandler)

	// Batch routes
	apiRoutes.POST("/batches", routes.SubmitBatchHandler)
}
