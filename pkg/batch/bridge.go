package batch

import (
	"context"
	"math"

	"github.com/graphloom/loom/backend/pkg/logger"
)

// Publisher delivers a flattened transition payload to observers. The
// routing key carries the ontology id for downstream filtering.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload map[string]any) error
}

// Bridge is the single subscriber of an orchestrator's transition
// channel. It translates each state into the transport payload and
// forwards it; it performs no business logic. Delivery failures are
// logged and skipped so state transitions never block on delivery.
type Bridge struct {
	transitions <-chan Transition
	publisher   Publisher
}

// NewBridge wires the bridge to a transition stream and a transport.
func NewBridge(transitions <-chan Transition, publisher Publisher) *Bridge {
	return &Bridge{transitions: transitions, publisher: publisher}
}

// Run forwards transitions until the channel closes or ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-b.transitions:
			if !ok {
				return
			}
			payload := FlattenTransition(t)
			routingKey := "batches." + t.OntologyID
			if err := b.publisher.Publish(ctx, routingKey, payload); err != nil {
				logger.Warn("[Bridge] Failed to deliver transition",
					"batch_id", t.BatchID, "stage", string(t.State.Stage()), "err", err)
			}
		}
	}
}

// FlattenTransition converts a transition into the broadcast payload:
// envelope fields plus the state variant's fields flattened beside the
// stage tag. The switch is exhaustive over the State variants.
func FlattenTransition(t Transition) map[string]any {
	payload := map[string]any{
		"batchId":         t.BatchID,
		"ontologyId":      t.OntologyID,
		"ontologyVersion": t.OntologyVersion,
		"manifestUri":     t.ManifestURI,
		"stage":           string(t.State.Stage()),
		"createdAt":       t.CreatedAt,
		"updatedAt":       t.UpdatedAt,
	}

	switch s := t.State.(type) {
	case Pending:
		payload["documentCount"] = s.DocumentCount
	case Preprocessing:
		payload["documentsTotal"] = s.DocumentsTotal
		payload["documentsClassified"] = s.DocumentsClassified
		payload["documentsFailed"] = s.DocumentsFailed
	case Extracting:
		payload["documentsTotal"] = s.DocumentsTotal
		payload["documentsCompleted"] = s.DocumentsCompleted
		payload["documentsFailed"] = s.DocumentsFailed
		payload["currentDocumentId"] = s.CurrentDocumentID
		progress := 0
		if s.DocumentsTotal > 0 {
			progress = int(math.Round(float64(s.DocumentsCompleted) / float64(s.DocumentsTotal) * 100))
		}
		payload["progress"] = progress
	case Resolving:
		payload["entitiesTotal"] = s.EntitiesTotal
		payload["clustersFormed"] = s.ClustersFormed
	case Validating:
		payload["validationStartedAt"] = s.ValidationStartedAt
	case Ingesting:
		payload["triplesTotal"] = s.TriplesTotal
		payload["triplesIngested"] = s.TriplesIngested
	case Complete:
		payload["stats"] = s.Stats
		payload["completedAt"] = s.CompletedAt
	case Failed:
		payload["failedInStage"] = string(s.FailedInStage)
		payload["lastSuccessfulStage"] = string(s.LastSuccessfulStage)
		payload["error"] = s.Error
		payload["failedAt"] = s.FailedAt
	}

	return payload
}
