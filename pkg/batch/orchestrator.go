package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/graphloom/loom/backend/pkg/common"
	"github.com/graphloom/loom/backend/pkg/extract"
	"github.com/graphloom/loom/backend/pkg/logger"
	"github.com/graphloom/loom/backend/pkg/resolve"
)

// Document is one unit of work inside a batch manifest.
type Document struct {
	ID   string `json:"id" validate:"required"`
	Text string `json:"text" validate:"required"`
}

// Manifest describes a batch of documents to push through the pipeline.
type Manifest struct {
	BatchID         string         `json:"batch_id" validate:"required"`
	OntologyID      string         `json:"ontology_id" validate:"required"`
	OntologyVersion string         `json:"ontology_version"`
	ManifestURI     string         `json:"manifest_uri"`
	Params          extract.Params `json:"params"`
	Documents       []Document     `json:"documents" validate:"required,dive"`
}

// Sink receives the resolved graph during the ingesting stage. The
// returned count is the number of triples actually delivered.
type Sink interface {
	IngestTriples(ctx context.Context, batchID string, entities []common.Entity, relations []common.Relation) (int, error)
}

// Orchestrator drives one batch through the pipeline stages and is the
// sole writer of that batch's state. Every transition is published, in
// order, on the Transitions channel; the channel closes when Run
// returns.
//
// An Orchestrator is single-use: one manifest, one Run call.
type Orchestrator struct {
	router   *extract.Router
	engine   *resolve.Engine
	registry resolve.Registry
	sink     Sink

	maxParallel       int
	maxFailedFraction float64

	transitions chan Transition

	mu       sync.Mutex
	inFlight map[string]string // document id -> idempotency key
}

// NewOrchestratorParams configures an Orchestrator.
type NewOrchestratorParams struct {
	Router   *extract.Router
	Engine   *resolve.Engine
	Registry resolve.Registry
	Sink     Sink

	// MaxParallel bounds concurrent document extractions; defaults to 4.
	MaxParallel int
	// MaxFailedFraction is the per-document failure budget before the
	// whole batch fails; defaults to 0.5. The state machine itself only
	// exposes the counters; this is the external policy applied to them.
	MaxFailedFraction float64
	// TransitionBuffer sizes the transition channel; defaults to 64.
	TransitionBuffer int
}

// NewOrchestrator creates an orchestrator for a single batch run.
func NewOrchestrator(params NewOrchestratorParams) *Orchestrator {
	maxParallel := params.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	maxFailed := params.MaxFailedFraction
	if maxFailed <= 0 {
		maxFailed = 0.5
	}
	buffer := params.TransitionBuffer
	if buffer <= 0 {
		buffer = 64
	}

	return &Orchestrator{
		router:            params.Router,
		engine:            params.Engine,
		registry:          params.Registry,
		sink:              params.Sink,
		maxParallel:       maxParallel,
		maxFailedFraction: maxFailed,
		transitions:       make(chan Transition, buffer),
		inFlight:          make(map[string]string),
	}
}

// Transitions returns the ordered stream of state transitions. The
// bridge is its single intended consumer.
func (o *Orchestrator) Transitions() <-chan Transition {
	return o.transitions
}

// Cancel interrupts the batch's in-flight document extractions. The
// orchestrator halts at its next transition point; cached per-document
// results are retained.
func (o *Orchestrator) Cancel(reason string) {
	o.mu.Lock()
	keys := make([]string, 0, len(o.inFlight))
	for _, key := range o.inFlight {
		keys = append(keys, key)
	}
	o.mu.Unlock()

	logger.Info("[Batch] Cancelling in-flight extractions", "count", len(keys), "reason", reason)
	for _, key := range keys {
		o.router.Cancel(key, reason)
	}
}

type docResult struct {
	docID string
	graph *common.KnowledgeGraphResult
	err   error
}

// Run executes the pipeline for the manifest and returns the terminal
// state. The error return is non-nil only when the batch failed or was
// interrupted; per-document extraction failures below the failure budget
// are recorded on the counters without failing the batch.
func (o *Orchestrator) Run(ctx context.Context, m Manifest) (State, error) {
	defer close(o.transitions)

	createdAt := time.Now()
	publish := func(s State) {
		o.transitions <- Transition{
			BatchID:         m.BatchID,
			OntologyID:      m.OntologyID,
			OntologyVersion: m.OntologyVersion,
			ManifestURI:     m.ManifestURI,
			CreatedAt:       createdAt,
			UpdatedAt:       time.Now(),
			State:           s,
		}
	}

	fail := func(in Stage, lastOK Stage, err error) (State, error) {
		logger.Error("[Batch] Batch failed", "batch_id", m.BatchID, "stage", string(in), "err", err)
		state := Failed{
			FailedInStage:       in,
			LastSuccessfulStage: lastOK,
			Error:               err.Error(),
			FailedAt:            time.Now(),
		}
		publish(state)
		return state, err
	}

	logger.Info("[Batch] Starting batch", "batch_id", m.BatchID, "documents", len(m.Documents), "ontology", m.OntologyID)
	publish(Pending{DocumentCount: len(m.Documents)})

	// Preprocessing: classify manifest documents, rejecting blank or
	// duplicate entries without failing the batch outright.
	docs, preprocessing := classifyDocuments(m.Documents)
	publish(preprocessing)
	if len(docs) == 0 {
		return fail(StagePreprocessing, StagePending, fmt.Errorf("no usable documents in manifest"))
	}

	extracting, graphs, err := o.runExtraction(ctx, m, docs, publish)
	if err != nil {
		return fail(StageExtracting, StagePreprocessing, err)
	}
	failedFraction := float64(extracting.DocumentsFailed) / float64(extracting.DocumentsTotal)
	if failedFraction > o.maxFailedFraction {
		return fail(StageExtracting, StagePreprocessing, fmt.Errorf(
			"document failure budget exceeded: %d of %d failed",
			extracting.DocumentsFailed, extracting.DocumentsTotal,
		))
	}

	res, err := o.engine.Resolve(ctx, graphs)
	if err != nil {
		return fail(StageResolving, StageExtracting, fmt.Errorf("resolution failed: %w", err))
	}
	if o.registry != nil {
		if err := o.engine.ResolveAgainstRegistry(ctx, o.registry, m.OntologyID, res); err != nil {
			return fail(StageResolving, StageExtracting, fmt.Errorf("cross-batch resolution failed: %w", err))
		}
	}
	publish(Resolving{EntitiesTotal: len(res.Entities), ClustersFormed: len(res.Clusters)})

	publish(Validating{ValidationStartedAt: time.Now()})
	if err := validateGraph(res); err != nil {
		return fail(StageValidating, StageResolving, err)
	}

	total := len(res.Relations)
	publish(Ingesting{TriplesTotal: total})
	ingested := total
	if o.sink != nil {
		ingested, err = o.sink.IngestTriples(ctx, m.BatchID, res.Entities, res.Relations)
		if err != nil {
			return fail(StageIngesting, StageValidating, fmt.Errorf("ingestion failed: %w", err))
		}
	}
	publish(Ingesting{TriplesTotal: total, TriplesIngested: ingested})

	state := Complete{
		Stats: Stats{
			DocumentsTotal:     extracting.DocumentsTotal,
			DocumentsCompleted: extracting.DocumentsCompleted,
			DocumentsFailed:    extracting.DocumentsFailed,
			EntitiesTotal:      len(res.Entities),
			ClustersFormed:     len(res.Clusters),
			TriplesIngested:    ingested,
		},
		CompletedAt: time.Now(),
	}
	publish(state)
	logger.Info("[Batch] Batch complete", "batch_id", m.BatchID,
		"documents", state.Stats.DocumentsTotal, "entities", state.Stats.EntitiesTotal)
	return state, nil
}

// classifyDocuments filters blank and duplicate manifest entries.
func classifyDocuments(in []Document) ([]Document, Preprocessing) {
	seen := make(map[string]struct{}, len(in))
	docs := make([]Document, 0, len(in))
	failed := 0
	for _, doc := range in {
		if strings.TrimSpace(doc.ID) == "" || strings.TrimSpace(doc.Text) == "" {
			failed++
			continue
		}
		if _, dup := seen[doc.ID]; dup {
			failed++
			continue
		}
		seen[doc.ID] = struct{}{}
		docs = append(docs, doc)
	}

	return docs, Preprocessing{
		DocumentsTotal:      len(in),
		DocumentsClassified: len(docs),
		DocumentsFailed:     failed,
	}
}

// runExtraction dispatches every document to the router with bounded
// parallelism and folds completions into ordered Extracting transitions.
// Per-document failures are counted, not propagated; only interruption
// aborts the stage.
func (o *Orchestrator) runExtraction(
	ctx context.Context,
	m Manifest,
	docs []Document,
	publish func(State),
) (Extracting, []common.KnowledgeGraph, error) {
	state := Extracting{DocumentsTotal: len(docs)}
	publish(state)

	results := make(chan docResult)
	slots := make(chan struct{}, o.maxParallel)

	for _, doc := range docs {
		go func() {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				results <- docResult{docID: doc.ID, err: ctx.Err()}
				return
			}
			defer func() { <-slots }()
			graph, err := o.extractDocument(ctx, m, doc)
			results <- docResult{docID: doc.ID, graph: graph, err: err}
		}()
	}

	graphs := make([]common.KnowledgeGraph, 0, len(docs))
	var interrupted error
	for range docs {
		r := <-results
		if r.err != nil {
			if ctx.Err() != nil {
				interrupted = context.Cause(ctx)
				continue
			}
			logger.Warn("[Batch] Document extraction failed", "batch_id", m.BatchID, "document_id", r.docID, "err", r.err)
			state.DocumentsFailed++
		} else {
			state.DocumentsCompleted++
			graphs = append(graphs, namespacedGraph(r.docID, r.graph))
		}
		state.CurrentDocumentID = r.docID
		publish(state)
	}
	if interrupted != nil {
		return state, nil, fmt.Errorf("batch interrupted: %w", interrupted)
	}

	return state, graphs, nil
}

func (o *Orchestrator) extractDocument(ctx context.Context, m Manifest, doc Document) (*common.KnowledgeGraphResult, error) {
	req := extract.Request{
		Text:            doc.Text,
		OntologyID:      m.OntologyID,
		OntologyVersion: m.OntologyVersion,
		Params:          m.Params,
	}
	key := extract.IdempotencyKey(req)

	o.mu.Lock()
	o.inFlight[doc.ID] = key
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inFlight, doc.ID)
		o.mu.Unlock()
	}()

	sub, err := o.router.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return sub.Wait(ctx)
}

// namespacedGraph prefixes entity ids with the document id so ids stay
// unique across the batch, which the resolution engine requires.
func namespacedGraph(docID string, result *common.KnowledgeGraphResult) common.KnowledgeGraph {
	prefix := docID + "/"

	entities := make([]common.Entity, len(result.Entities))
	for i, e := range result.Entities {
		e.ID = prefix + e.ID
		entities[i] = e
	}
	relations := make([]common.Relation, len(result.Relations))
	for i, r := range result.Relations {
		r.SubjectID = prefix + r.SubjectID
		if r.ObjectID != "" {
			r.ObjectID = prefix + r.ObjectID
		}
		relations[i] = r
	}

	return common.KnowledgeGraph{Entities: entities, Relations: relations}
}

// validateGraph checks relation integrity on the resolved graph: every
// entity-typed endpoint must reference a resolved entity.
func validateGraph(res *resolve.Resolution) error {
	ids := make(map[string]struct{}, len(res.Entities))
	for _, e := range res.Entities {
		ids[e.ID] = struct{}{}
	}
	for _, r := range res.Relations {
		if _, ok := ids[r.SubjectID]; !ok {
			return fmt.Errorf("relation %q references unknown subject %s", r.Predicate, r.SubjectID)
		}
		if r.IsEntityObject() {
			if _, ok := ids[r.ObjectID]; !ok {
				return fmt.Errorf("relation %q references unknown object %s", r.Predicate, r.ObjectID)
			}
		}
	}
	return nil
}
