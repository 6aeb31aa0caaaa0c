package routes

import (
	"encoding/json"
	"net/http"

	"github.com/graphloom/loom/backend/internal/server/middleware"
	"github.com/graphloom/loom/backend/pkg/common"
	"github.com/graphloom/loom/backend/pkg/extract"
	"github.com/graphloom/loom/backend/pkg/logger"

	"github.com/labstack/echo/v4"
)

type extractionParams struct {
	Model          string   `json:"model"`
	Temperature    float64  `json:"temperature"`
	MaxChunkTokens int      `json:"max_chunk_tokens"`
	EntityTypes    []string `json:"entity_types"`
}

type extractionBody struct {
	Text            string           `json:"text" validate:"required"`
	OntologyID      string           `json:"ontology_id" validate:"required"`
	OntologyVersion string           `json:"ontology_version"`
	Params          extractionParams `json:"params"`
}

type extractionFrame struct {
	Key       string                       `json:"key"`
	Type      common.ProgressEventType     `json:"type,omitempty"`
	Stage     string                       `json:"stage,omitempty"`
	Progress  float64                      `json:"progress,omitempty"`
	Error     string                       `json:"error,omitempty"`
	ErrorType string                       `json:"error_type,omitempty"`
	Retryable bool                         `json:"retryable,omitempty"`
	Result    *common.KnowledgeGraphResult `json:"result,omitempty"`
}

// SubmitExtractionHandler runs one extraction and streams its progress
// events as newline-delimited JSON. Identical requests share a single
// run; late subscribers replay the event history first.
func SubmitExtractionHandler(c echo.Context) error {
	data := new(extractionBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	req := extract.Request{
		Text:            data.Text,
		OntologyID:      data.OntologyID,
		OntologyVersion: data.OntologyVersion,
		Params: extract.Params{
			Model:          data.Params.Model,
			Temperature:    data.Params.Temperature,
			MaxChunkTokens: data.Params.MaxChunkTokens,
			EntityTypes:    data.Params.EntityTypes,
		},
	}
	key := extract.IdempotencyKey(req)

	ctx := c.Request().Context()
	router := c.(*middleware.AppContext).App.Router

	sub, err := router.Submit(ctx, req)
	if err != nil {
		logger.Error("[Server] Failed to submit extraction", "key", key, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c.Response().WriteHeader(http.StatusOK)
	enc := json.NewEncoder(c.Response())

	for event := range sub.Events() {
		frame := extractionFrame{
			Key:       key,
			Type:      event.Type,
			Stage:     event.Stage,
			Progress:  event.Progress,
			Error:     event.Error,
			ErrorType: event.ErrorType,
			Retryable: event.Retryable,
		}
		if err := enc.Encode(frame); err != nil {
			return err
		}
		c.Response().Flush()
	}

	result, err := sub.Wait(ctx)
	if err != nil {
		// Terminal failure was already streamed as an event frame.
		return nil
	}

	final := extractionFrame{Key: key, Result: result}
	if err := enc.Encode(final); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
