package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/graphloom/loom/backend/internal/timing"
	"github.com/graphloom/loom/backend/internal/util"
	"github.com/graphloom/loom/backend/pkg/ai"
	"github.com/graphloom/loom/backend/pkg/common"
	"github.com/graphloom/loom/backend/pkg/extract"
	"github.com/graphloom/loom/backend/pkg/kgerr"
	"github.com/graphloom/loom/backend/pkg/logger"
	"github.com/graphloom/loom/backend/pkg/resolve"

	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxChunkTokens = 1200
	defaultTokenEncoder   = "o200k_base"
)

// Workflow is the default LLM-backed extraction workflow. It chunks the
// document, extracts entities and then relations per chunk with
// structured output, grounds relation endpoints against the extracted
// entities, and merges the chunk graphs into one document graph.
//
// Workflow implements extract.Workflow.
type Workflow struct {
	client      ai.GraphAIClient
	encoder     string
	maxParallel int
	maxRetries  int
}

// NewWorkflowParams configures a Workflow.
type NewWorkflowParams struct {
	Client ai.GraphAIClient
	// TokenEncoder names the tiktoken encoding; defaults to o200k_base.
	TokenEncoder string
	// MaxParallel bounds concurrent model calls; defaults to 4.
	MaxParallel int
	// MaxRetries bounds attempts per model call; defaults to 3.
	MaxRetries int
}

// NewWorkflow creates the default extraction workflow.
func NewWorkflow(params NewWorkflowParams) *Workflow {
	encoder := params.TokenEncoder
	if encoder == "" {
		encoder = defaultTokenEncoder
	}
	maxParallel := params.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Workflow{
		client:      params.Client,
		encoder:     encoder,
		maxParallel: maxParallel,
		maxRetries:  maxRetries,
	}
}

type extractedEntity struct {
	Mention    string            `json:"mention" jsonschema_description:"Surface form of the entity exactly as it appears in the text"`
	Types      []string          `json:"types" jsonschema_description:"Matching ontology types for the entity"`
	Attributes map[string]string `json:"attributes" jsonschema_description:"Explicit key-value facts stated about the entity"`
}

type entityResponse struct {
	Entities []extractedEntity `json:"entities" jsonschema_description:"Entities identified in the text passage"`
}

type extractedRelation struct {
	SubjectMention string `json:"subject_mention" jsonschema_description:"Mention of the subject entity, from the provided entity list"`
	Predicate      string `json:"predicate" jsonschema_description:"Short lower_snake_case verb phrase naming the relation"`
	ObjectMention  string `json:"object_mention" jsonschema_description:"Mention of the object entity, empty when the object is a literal"`
	ObjectLiteral  string `json:"object_literal" jsonschema_description:"Literal object value, empty when the object is an entity"`
}

type relationResponse struct {
	Relations []extractedRelation `json:"relations" jsonschema_description:"Relations identified in the text passage"`
}

type chunkResult struct {
	chunk     chunk
	entities  []extractedEntity
	relations []extractedRelation
}

// Extract runs the full pipeline and emits progress events per stage.
func (w *Workflow) Extract(
	ctx context.Context,
	req extract.Request,
	emit func(common.ProgressEvent),
) (*common.KnowledgeGraph, error) {
	maxTokens := req.Params.MaxChunkTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxChunkTokens
	}
	entityTypes := req.Params.EntityTypes
	if len(entityTypes) == 0 {
		entityTypes = defaultEntityTypes
	}

	var chunks []chunk
	emit(common.ProgressEvent{Type: common.EventStageStarted, Stage: "chunking"})
	err := timing.GuardStage(ctx, "chunking", func(ctx context.Context) error {
		var err error
		chunks, err = chunkText(req.Text, w.encoder, maxTokens)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chunking failed: %w", err)
	}
	emit(common.ProgressEvent{Type: common.EventStageComplete, Stage: "chunking", Progress: 100})

	if len(chunks) == 0 {
		return &common.KnowledgeGraph{}, nil
	}

	logger.Info("[Workflow] Extracting", "chunks", len(chunks), "ontology", req.OntologyID)

	results, err := w.extractEntities(ctx, req, chunks, entityTypes, emit)
	if err != nil {
		return nil, err
	}

	if err := w.extractRelations(ctx, req, results, emit); err != nil {
		return nil, err
	}

	graph, err := w.assembleGraph(ctx, results, emit)
	if err != nil {
		return nil, err
	}

	logger.Info("[Workflow] Extraction complete",
		"entities", len(graph.Entities), "relations", len(graph.Relations))
	return graph, nil
}

// extractEntities runs the per-chunk entity calls concurrently under the
// parallelism limit, emitting progress as chunks finish.
func (w *Workflow) extractEntities(
	ctx context.Context,
	req extract.Request,
	chunks []chunk,
	entityTypes []string,
	emit func(common.ProgressEvent),
) ([]chunkResult, error) {
	emit(common.ProgressEvent{Type: common.EventStageStarted, Stage: "entity-extraction"})

	systemPrompt := fmt.Sprintf(
		entityPromptTemplate,
		req.OntologyID, req.OntologyVersion,
		strings.Join(entityTypes, ","),
	)
	opts := w.generateOptions(req, systemPrompt)

	results := make([]chunkResult, len(chunks))
	var mu sync.Mutex
	completed := 0

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(w.maxParallel)
	for i, c := range chunks {
		eg.Go(func() error {
			res, err := util.RetryWithContext(gCtx, w.maxRetries, func(ctx context.Context) (entityResponse, error) {
				var res entityResponse
				err := timing.GuardStage(ctx, "entity-extraction", func(ctx context.Context) error {
					return w.client.GenerateCompletionWithFormat(
						ctx,
						"extract_entities",
						"Entities found in a text passage.",
						c.text,
						&res,
						opts...,
					)
				})
				return res, err
			})
			if err != nil {
				return classifyModelError(gCtx, fmt.Sprintf("entity extraction failed for chunk %d", c.index), err)
			}

			mu.Lock()
			results[i] = chunkResult{chunk: c, entities: res.Entities}
			completed++
			progress := float64(completed) / float64(len(chunks)) * 100
			mu.Unlock()

			emit(common.ProgressEvent{
				Type:     common.EventStageProgress,
				Stage:    "entity-extraction",
				Progress: progress,
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	emit(common.ProgressEvent{Type: common.EventStageComplete, Stage: "entity-extraction", Progress: 100})
	return results, nil
}

// extractRelations runs the per-chunk relation calls. Chunks with no
// entities are skipped; the model cannot relate what was not found.
func (w *Workflow) extractRelations(
	ctx context.Context,
	req extract.Request,
	results []chunkResult,
	emit func(common.ProgressEvent),
) error {
	emit(common.ProgressEvent{Type: common.EventStageStarted, Stage: "relation-extraction"})

	var mu sync.Mutex
	completed := 0

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(w.maxParallel)
	for i := range results {
		r := &results[i]
		eg.Go(func() error {
			if len(r.entities) == 0 {
				mu.Lock()
				completed++
				mu.Unlock()
				return nil
			}

			mentions := make([]string, 0, len(r.entities))
			for _, e := range r.entities {
				mentions = append(mentions, "- "+e.Mention)
			}
			systemPrompt := fmt.Sprintf(
				relationPromptTemplate,
				req.OntologyID, req.OntologyVersion,
				strings.Join(mentions, "\n"),
			)
			opts := w.generateOptions(req, systemPrompt)

			res, err := util.RetryWithContext(gCtx, w.maxRetries, func(ctx context.Context) (relationResponse, error) {
				var res relationResponse
				err := timing.GuardStage(ctx, "relation-extraction", func(ctx context.Context) error {
					return w.client.GenerateCompletionWithFormat(
						ctx,
						"extract_relations",
						"Relations between known entities in a text passage.",
						r.chunk.text,
						&res,
						opts...,
					)
				})
				return res, err
			})
			if err != nil {
				return classifyModelError(gCtx, fmt.Sprintf("relation extraction failed for chunk %d", r.chunk.index), err)
			}

			mu.Lock()
			r.relations = res.Relations
			completed++
			progress := float64(completed) / float64(len(results)) * 100
			mu.Unlock()

			emit(common.ProgressEvent{
				Type:     common.EventStageProgress,
				Stage:    "relation-extraction",
				Progress: progress,
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	emit(common.ProgressEvent{Type: common.EventStageComplete, Stage: "relation-extraction", Progress: 100})
	return nil
}

// assembleGraph grounds relation endpoints against extracted entities,
// drops relations whose subject cannot be resolved, and merges chunk
// graphs into one document graph. Entities sharing a normalized mention
// collapse into one node keeping the first chunk's surface form.
func (w *Workflow) assembleGraph(
	ctx context.Context,
	results []chunkResult,
	emit func(common.ProgressEvent),
) (*common.KnowledgeGraph, error) {
	emit(common.ProgressEvent{Type: common.EventStageStarted, Stage: "grounding"})

	var graph common.KnowledgeGraph
	err := timing.GuardStage(ctx, "grounding", func(ctx context.Context) error {
		byMention := make(map[string]*common.Entity)
		var order []string

		for _, r := range results {
			for _, e := range r.entities {
				if strings.TrimSpace(e.Mention) == "" {
					continue
				}
				norm := resolve.NormalizeMention(e.Mention)
				existing, ok := byMention[norm]
				if !ok {
					id, err := util.NewPublicID()
					if err != nil {
						return err
					}
					entity := &common.Entity{
						ID:         id,
						Mention:    e.Mention,
						Types:      uniqueStrings(e.Types),
						Attributes: e.Attributes,
						ChunkIndex: r.chunk.index,
					}
					byMention[norm] = entity
					order = append(order, norm)
					continue
				}
				existing.Types = mergeStrings(existing.Types, e.Types)
				for k, v := range e.Attributes {
					if existing.Attributes == nil {
						existing.Attributes = make(map[string]string)
					}
					existing.Attributes[k] = v
				}
			}
		}

		seen := make(map[string]struct{})
		for _, r := range results {
			for _, rel := range r.relations {
				subject, ok := byMention[resolve.NormalizeMention(rel.SubjectMention)]
				if !ok || rel.Predicate == "" {
					continue
				}
				out := common.Relation{
					SubjectID: subject.ID,
					Predicate: rel.Predicate,
				}
				if rel.ObjectMention != "" {
					object, ok := byMention[resolve.NormalizeMention(rel.ObjectMention)]
					if !ok {
						continue
					}
					if object.ID == subject.ID {
						continue
					}
					out.ObjectID = object.ID
				} else if rel.ObjectLiteral != "" {
					out.ObjectLiteral = rel.ObjectLiteral
				} else {
					continue
				}

				key := out.SubjectID + "|" + out.Predicate + "|" + out.ObjectID + "|" + out.ObjectLiteral
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				graph.Relations = append(graph.Relations, out)
			}
		}

		graph.Entities = make([]common.Entity, 0, len(order))
		for _, norm := range order {
			graph.Entities = append(graph.Entities, *byMention[norm])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("grounding failed: %w", err)
	}

	emit(common.ProgressEvent{Type: common.EventStageComplete, Stage: "grounding", Progress: 100})
	return &graph, nil
}

// classifyModelError marks an exhausted model call as a retryable
// service failure. Context errors and already-classified errors
// (timeouts from the stage guard) pass through wrapped.
func classifyModelError(ctx context.Context, message string, err error) error {
	if ctx.Err() != nil || kgerr.KindOf(err) != kgerr.KindGeneric {
		return fmt.Errorf("%s: %w", message, err)
	}
	return kgerr.Service(message, true, err)
}

func (w *Workflow) generateOptions(req extract.Request, systemPrompt string) []ai.GenerateOption {
	opts := []ai.GenerateOption{
		ai.WithSystemPrompts(systemPrompt),
		ai.WithTemperature(req.Params.Temperature),
	}
	if req.Params.Model != "" {
		opts = append(opts, ai.WithModel(req.Params.Model))
	}
	return opts
}

func uniqueStrings(in []string) []string {
	return mergeStrings(nil, in)
}

func mergeStrings(existing []string, add []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, s := range existing {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range add {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
