package routes

import (
	"encoding/json"
	"net/http"

	"github.com/graphloom/loom/backend/internal/queue"
	"github.com/graphloom/loom/backend/internal/server/middleware"
	"github.com/graphloom/loom/backend/internal/util"
	"github.com/graphloom/loom/backend/pkg/batch"
	"github.com/graphloom/loom/backend/pkg/logger"

	"github.com/labstack/echo/v4"
)

// SubmitBatchHandler accepts a batch manifest and enqueues it for the
// worker. Progress is broadcast on the "batches.<ontology_id>" topic.
func SubmitBatchHandler(c echo.Context) error {
	type submitBatchResponse struct {
		Message string `json:"message"`
		BatchID string `json:"batch_id,omitempty"`
		Topic   string `json:"topic,omitempty"`
	}

	manifest := new(batch.Manifest)
	if err := c.Bind(manifest); err != nil {
		return c.JSON(http.StatusBadRequest, submitBatchResponse{
			Message: "Invalid request body",
		})
	}

	if manifest.BatchID == "" {
		id, err := util.NewPublicID()
		if err != nil {
			logger.Error("[Server] Failed to generate batch id", "err", err)
			return c.JSON(http.StatusInternalServerError, submitBatchResponse{
				Message: "Internal server error",
			})
		}
		manifest.BatchID = id
	}

	if err := c.Validate(manifest); err != nil {
		return c.JSON(http.StatusBadRequest, submitBatchResponse{
			Message: "Invalid batch manifest",
		})
	}

	msgBytes, err := json.Marshal(manifest)
	if err != nil {
		logger.Error("[Server] Failed to marshal batch manifest", "batch_id", manifest.BatchID, "err", err)
		return c.JSON(http.StatusInternalServerError, submitBatchResponse{
			Message: "Internal server error",
		})
	}

	ch := c.(*middleware.AppContext).App.Queue
	if err := queue.PublishFIFO(ch, queue.BatchQueue, msgBytes); err != nil {
		logger.Error("[Server] Failed to enqueue batch", "batch_id", manifest.BatchID, "err", err)
		return c.JSON(http.StatusInternalServerError, submitBatchResponse{
			Message: "Internal server error",
		})
	}

	logger.Info("[Server] Batch enqueued",
		"batch_id", manifest.BatchID,
		"ontology_id", manifest.OntologyID,
		"documents", len(manifest.Documents),
	)

	return c.JSON(http.StatusAccepted, submitBatchResponse{
		Message: "Batch accepted",
		BatchID: manifest.BatchID,
		Topic:   "batches." + manifest.OntologyID,
	})
}
