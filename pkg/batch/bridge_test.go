package batch

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type recordingPublisher struct {
	payloads    []map[string]any
	routingKeys []string
	failOn      int // 1-based publish attempt to fail, 0 = never
	attempts    int
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, payload map[string]any) error {
	p.attempts++
	if p.failOn != 0 && p.attempts == p.failOn {
		return fmt.Errorf("transport unavailable")
	}
	p.routingKeys = append(p.routingKeys, routingKey)
	p.payloads = append(p.payloads, payload)
	return nil
}

func transition(state State) Transition {
	return Transition{
		BatchID:         "batch-1",
		OntologyID:      "biz",
		OntologyVersion: "v1",
		ManifestURI:     "s3://manifests/batch-1.json",
		CreatedAt:       time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC),
		State:           state,
	}
}

func TestFlattenTransition(t *testing.T) {
	tests := []struct {
		name  string
		state State
		check func(t *testing.T, payload map[string]any)
	}{
		{
			name:  "extracting includes rounded progress",
			state: Extracting{DocumentsTotal: 3, DocumentsCompleted: 2, DocumentsFailed: 1, CurrentDocumentID: "doc-2"},
			check: func(t *testing.T, p map[string]any) {
				if p["progress"] != 67 {
					t.Errorf("progress = %v, want 67", p["progress"])
				}
				if p["currentDocumentId"] != "doc-2" {
					t.Errorf("currentDocumentId = %v", p["currentDocumentId"])
				}
			},
		},
		{
			name:  "extracting with zero total",
			state: Extracting{},
			check: func(t *testing.T, p map[string]any) {
				if p["progress"] != 0 {
					t.Errorf("progress = %v, want 0", p["progress"])
				}
			},
		},
		{
			name:  "pending",
			state: Pending{DocumentCount: 4},
			check: func(t *testing.T, p map[string]any) {
				if p["documentCount"] != 4 {
					t.Errorf("documentCount = %v, want 4", p["documentCount"])
				}
			},
		},
		{
			name:  "failed carries stage provenance",
			state: Failed{FailedInStage: StageExtracting, LastSuccessfulStage: StagePreprocessing, Error: "budget exceeded"},
			check: func(t *testing.T, p map[string]any) {
				if p["failedInStage"] != "extracting" || p["lastSuccessfulStage"] != "preprocessing" {
					t.Errorf("stage provenance = %v / %v", p["failedInStage"], p["lastSuccessfulStage"])
				}
				if p["error"] != "budget exceeded" {
					t.Errorf("error = %v", p["error"])
				}
			},
		},
		{
			name:  "resolving",
			state: Resolving{EntitiesTotal: 10, ClustersFormed: 3},
			check: func(t *testing.T, p map[string]any) {
				if p["entitiesTotal"] != 10 || p["clustersFormed"] != 3 {
					t.Errorf("payload = %v", p)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := FlattenTransition(transition(tt.state))
			if payload["batchId"] != "batch-1" || payload["ontologyId"] != "biz" {
				t.Errorf("envelope = %v, want batch-1/biz", payload)
			}
			if payload["stage"] != string(tt.state.Stage()) {
				t.Errorf("stage = %v, want %s", payload["stage"], tt.state.Stage())
			}
			tt.check(t, payload)
		})
	}
}

func TestBridgeForwardsInOrder(t *testing.T) {
	transitions := make(chan Transition, 4)
	transitions <- transition(Pending{DocumentCount: 1})
	transitions <- transition(Extracting{DocumentsTotal: 1})
	transitions <- transition(Complete{CompletedAt: time.Now()})
	close(transitions)

	publisher := &recordingPublisher{}
	NewBridge(transitions, publisher).Run(context.Background())

	if len(publisher.payloads) != 3 {
		t.Fatalf("published = %d, want 3", len(publisher.payloads))
	}
	wantStages := []string{"pending", "extracting", "complete"}
	for i, payload := range publisher.payloads {
		if payload["stage"] != wantStages[i] {
			t.Errorf("payload %d stage = %v, want %s", i, payload["stage"], wantStages[i])
		}
	}
	for _, key := range publisher.routingKeys {
		if key != "batches.biz" {
			t.Errorf("routing key = %s, want batches.biz", key)
		}
	}
}

func TestBridgeContinuesAfterDeliveryFailure(t *testing.T) {
	transitions := make(chan Transition, 3)
	transitions <- transition(Pending{DocumentCount: 1})
	transitions <- transition(Extracting{DocumentsTotal: 1})
	transitions <- transition(Complete{CompletedAt: time.Now()})
	close(transitions)

	publisher := &recordingPublisher{failOn: 2}
	NewBridge(transitions, publisher).Run(context.Background())

	if publisher.attempts != 3 {
		t.Errorf("attempts = %d, want 3 (bridge never stops on delivery failure)", publisher.attempts)
	}
	if len(publisher.payloads) != 2 {
		t.Errorf("delivered = %d, want 2 (failed one skipped)", len(publisher.payloads))
	}
}
