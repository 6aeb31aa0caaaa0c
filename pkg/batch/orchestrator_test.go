package batch

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/graphloom/loom/backend/internal/storage"
	"github.com/graphloom/loom/backend/pkg/common"
	"github.com/graphloom/loom/backend/pkg/extract"
	"github.com/graphloom/loom/backend/pkg/resolve"
)

// docWorkflow fails documents whose text contains "FAIL" and otherwise
// returns a one-entity graph mentioning Apple.
type docWorkflow struct{}

func (docWorkflow) Extract(ctx context.Context, req extract.Request, emit func(common.ProgressEvent)) (*common.KnowledgeGraph, error) {
	if strings.Contains(req.Text, "FAIL") {
		return nil, fmt.Errorf("llm unavailable")
	}
	return &common.KnowledgeGraph{
		Entities: []common.Entity{
			{ID: "e1", Mention: "Apple", Types: []string{"Organization"}},
			{ID: "e2", Mention: "Steve Jobs", Types: []string{"Person"}},
		},
		Relations: []common.Relation{
			{SubjectID: "e2", Predicate: "founded", ObjectID: "e1"},
		},
	}, nil
}

type countingSink struct {
	batchID string
	triples int
}

func (s *countingSink) IngestTriples(ctx context.Context, batchID string, entities []common.Entity, relations []common.Relation) (int, error) {
	s.batchID = batchID
	s.triples = len(relations)
	return len(relations), nil
}

func newTestOrchestrator(t *testing.T, params NewOrchestratorParams) *Orchestrator {
	t.Helper()
	if params.Router == nil {
		params.Router = extract.NewRouter(extract.NewRouterParams{
			Workflow: docWorkflow{},
			Cache:    extract.NewCache(storage.NewMemoryStore()),
			Shards:   2,
		})
		t.Cleanup(params.Router.Close)
	}
	if params.Engine == nil {
		params.Engine = resolve.NewEngine(resolve.NewEngineParams{})
	}
	return NewOrchestrator(params)
}

func testManifest(docs ...Document) Manifest {
	return Manifest{
		BatchID:         "batch-1",
		OntologyID:      "biz",
		OntologyVersion: "v1",
		ManifestURI:     "s3://manifests/batch-1.json",
		Documents:       docs,
	}
}

func drainTransitions(ch <-chan Transition) []Transition {
	var out []Transition
	for t := range ch {
		out = append(out, t)
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	sink := &countingSink{}
	orch := newTestOrchestrator(t, NewOrchestratorParams{Sink: sink})

	final, err := orch.Run(context.Background(), testManifest(
		Document{ID: "doc-1", Text: "Apple was founded by Steve Jobs."},
		Document{ID: "doc-2", Text: "Apple is based in Cupertino."},
	))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	complete, ok := final.(Complete)
	if !ok {
		t.Fatalf("final state = %T, want Complete", final)
	}
	if complete.Stats.DocumentsCompleted != 2 || complete.Stats.DocumentsFailed != 0 {
		t.Errorf("stats = %+v, want 2 completed, 0 failed", complete.Stats)
	}
	// Apple from both documents resolves into one canonical entity.
	if complete.Stats.EntitiesTotal != 2 {
		t.Errorf("entities = %d, want 2 (Apple merged, Steve Jobs kept)", complete.Stats.EntitiesTotal)
	}
	if sink.batchID != "batch-1" {
		t.Errorf("sink batch id = %q, want batch-1", sink.batchID)
	}
	if complete.Stats.TriplesIngested != sink.triples {
		t.Errorf("triples ingested = %d, sink recorded %d", complete.Stats.TriplesIngested, sink.triples)
	}
}

func TestRunPartialFailureStillResolves(t *testing.T) {
	orch := newTestOrchestrator(t, NewOrchestratorParams{})

	final, err := orch.Run(context.Background(), testManifest(
		Document{ID: "doc-1", Text: "Apple was founded by Steve Jobs."},
		Document{ID: "doc-2", Text: "Apple is based in Cupertino."},
		Document{ID: "doc-3", Text: "FAIL this one"},
	))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	transitions := drainTransitions(orch.Transitions())

	var sawResolving bool
	var lastExtracting Extracting
	for _, tr := range transitions {
		switch s := tr.State.(type) {
		case Extracting:
			lastExtracting = s
		case Resolving:
			sawResolving = true
		}
	}
	if !sawResolving {
		t.Error("batch with one failed document never reached resolving")
	}
	if lastExtracting.DocumentsTotal != 3 || lastExtracting.DocumentsCompleted != 2 || lastExtracting.DocumentsFailed != 1 {
		t.Errorf("extracting counters = %+v, want total=3 completed=2 failed=1", lastExtracting)
	}

	complete, ok := final.(Complete)
	if !ok {
		t.Fatalf("final state = %T, want Complete", final)
	}
	if complete.Stats.DocumentsFailed != 1 {
		t.Errorf("stats failed = %d, want 1", complete.Stats.DocumentsFailed)
	}
}

func TestRunFailureBudgetExceeded(t *testing.T) {
	orch := newTestOrchestrator(t, NewOrchestratorParams{MaxFailedFraction: 0.25})

	final, err := orch.Run(context.Background(), testManifest(
		Document{ID: "doc-1", Text: "Apple was founded by Steve Jobs."},
		Document{ID: "doc-2", Text: "FAIL"},
	))
	if err == nil {
		t.Fatal("Run() expected failure budget error")
	}

	failed, ok := final.(Failed)
	if !ok {
		t.Fatalf("final state = %T, want Failed", final)
	}
	if failed.FailedInStage != StageExtracting {
		t.Errorf("failedInStage = %s, want extracting", failed.FailedInStage)
	}
	if failed.LastSuccessfulStage != StagePreprocessing {
		t.Errorf("lastSuccessfulStage = %s, want preprocessing", failed.LastSuccessfulStage)
	}
}

func TestRunEmptyManifestFails(t *testing.T) {
	orch := newTestOrchestrator(t, NewOrchestratorParams{})

	final, err := orch.Run(context.Background(), testManifest(
		Document{ID: "doc-1", Text: "   "},
	))
	if err == nil {
		t.Fatal("Run() expected error for manifest without usable documents")
	}
	failed, ok := final.(Failed)
	if !ok {
		t.Fatalf("final state = %T, want Failed", final)
	}
	if failed.FailedInStage != StagePreprocessing {
		t.Errorf("failedInStage = %s, want preprocessing", failed.FailedInStage)
	}
}

func TestTransitionsAreOrderedAndMonotonic(t *testing.T) {
	orch := newTestOrchestrator(t, NewOrchestratorParams{})

	if _, err := orch.Run(context.Background(), testManifest(
		Document{ID: "doc-1", Text: "Apple was founded by Steve Jobs."},
	)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	transitions := drainTransitions(orch.Transitions())
	if len(transitions) == 0 {
		t.Fatal("no transitions published")
	}
	if transitions[0].State.Stage() != StagePending {
		t.Errorf("first stage = %s, want pending", transitions[0].State.Stage())
	}
	last := transitions[len(transitions)-1]
	if !last.State.Stage().Terminal() {
		t.Errorf("last stage = %s, want terminal", last.State.Stage())
	}

	for i := 1; i < len(transitions); i++ {
		prev, cur := transitions[i-1].State.Stage(), transitions[i].State.Stage()
		if cur.Order() < prev.Order() {
			t.Errorf("stage went backwards: %s -> %s", prev, cur)
		}
	}

	for _, tr := range transitions {
		if tr.BatchID != "batch-1" || tr.OntologyID != "biz" {
			t.Errorf("transition envelope = %+v, want batch-1/biz", tr)
		}
	}
}

func TestClassifyDocuments(t *testing.T) {
	docs, state := classifyDocuments([]Document{
		{ID: "a", Text: "text"},
		{ID: "", Text: "text"},
		{ID: "a", Text: "duplicate"},
		{ID: "b", Text: "   "},
		{ID: "c", Text: "more text"},
	})
	if len(docs) != 2 {
		t.Errorf("classified = %d, want 2", len(docs))
	}
	want := Preprocessing{DocumentsTotal: 5, DocumentsClassified: 2, DocumentsFailed: 3}
	if state != want {
		t.Errorf("preprocessing = %+v, want %+v", state, want)
	}
}
