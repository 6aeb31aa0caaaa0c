package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/graphloom/loom/backend/pkg/batch"
	"github.com/graphloom/loom/backend/pkg/extract"
	"github.com/graphloom/loom/backend/pkg/logger"
	"github.com/graphloom/loom/backend/pkg/resolve"

	"github.com/go-playground/validator"
	"github.com/rabbitmq/amqp091-go"
)

// BatchHandler consumes batch manifests and drives each one through the
// pipeline. One orchestrator plus one bridge per manifest; the worker
// acks the delivery only after Run returns.
type BatchHandler struct {
	router   *extract.Router
	engine   *resolve.Engine
	registry resolve.Registry
	sink     batch.Sink
	ch       *amqp091.Channel

	validate *validator.Validate
}

type BatchHandlerParams struct {
	Router   *extract.Router
	Engine   *resolve.Engine
	Registry resolve.Registry
	Sink     batch.Sink
	Channel  *amqp091.Channel
}

func NewBatchHandler(params BatchHandlerParams) *BatchHandler {
	return &BatchHandler{
		router:   params.Router,
		engine:   params.Engine,
		registry: params.Registry,
		sink:     params.Sink,
		ch:       params.Channel,
		validate: validator.New(),
	}
}

// HandleManifest parses the delivery body and runs the batch to a
// terminal state. An error means the delivery should be retried.
func (h *BatchHandler) HandleManifest(ctx context.Context, body []byte) error {
	var manifest batch.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return fmt.Errorf("failed to unmarshal batch manifest: %w", err)
	}

	if err := h.validate.Struct(manifest); err != nil {
		return fmt.Errorf("invalid batch manifest: %w", err)
	}

	logger.Info("[Queue] Starting batch",
		"batch_id", manifest.BatchID,
		"ontology_id", manifest.OntologyID,
		"documents", len(manifest.Documents),
	)

	orchestrator := batch.NewOrchestrator(batch.NewOrchestratorParams{
		Router:   h.router,
		Engine:   h.engine,
		Registry: h.registry,
		Sink:     h.sink,
	})

	bridge := batch.NewBridge(orchestrator.Transitions(), NewTopicPublisher(h.ch))
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridge.Run(ctx)
	}()

	final, err := orchestrator.Run(ctx, manifest)
	<-bridgeDone
	if err != nil {
		return fmt.Errorf("batch %s failed to run: %w", manifest.BatchID, err)
	}

	logger.Info("[Queue] Batch finished",
		"batch_id", manifest.BatchID,
		"stage", string(final.Stage()),
	)

	return nil
}
