package resolve

import (
	"context"
	"fmt"

	"github.com/graphloom/loom/backend/pkg/common"
	"github.com/graphloom/loom/backend/pkg/logger"
)

// CanonicalEntity is one entry of the durable cross-batch registry.
type CanonicalEntity struct {
	ID         string
	Mention    string
	Types      []string
	Attributes map[string]string
	Embedding  []float32
}

// Registry is the durable store of canonical entities and their blocking
// tokens, accumulated across batches. The in-memory clustering contract
// does not depend on it; cross-batch resolution calls into it.
type Registry interface {
	// FindCandidates returns registry entities indexed under any of the
	// given blocking tokens, at most limit per token.
	FindCandidates(ctx context.Context, tokens []string, limit int) ([]CanonicalEntity, error)
	// SaveEntities upserts canonical entities with their blocking tokens
	// and optional embedding vectors.
	SaveEntities(ctx context.Context, ontologyID string, entities []CanonicalEntity, tokens map[string][]string) error
}

// ResolveAgainstRegistry matches a batch resolution against the
// accumulated registry: canonical entities that score above the
// resolution threshold against a registry entity are remapped onto the
// registry id, and the surviving canonical set is persisted back with its
// blocking tokens.
func (e *Engine) ResolveAgainstRegistry(
	ctx context.Context,
	registry Registry,
	ontologyID string,
	res *Resolution,
) error {
	if registry == nil {
		return nil
	}

	vectors, err := e.embedResolution(ctx, res)
	if err != nil {
		return fmt.Errorf("failed to embed entity mentions: %w", err)
	}

	remap := make(map[string]string)
	for i := range res.Entities {
		entity := res.Entities[i]
		tokens := BlockingTokens(entity.Mention)
		candidates, err := registry.FindCandidates(ctx, tokens, e.cfg.MaxBlockingCandidates)
		if err != nil {
			return fmt.Errorf("failed to query canonical registry: %w", err)
		}

		bestScore := 0.0
		var bestID string
		var bestMethod MatchMethod
		for _, candidate := range candidates {
			if candidate.ID == entity.ID {
				continue
			}
			score, method := e.scorePair(
				entity,
				common.Entity{ID: candidate.ID, Mention: candidate.Mention, Types: candidate.Types, Attributes: candidate.Attributes},
				res.Relations,
				candidateVectors(vectors, candidate),
			)
			if score > bestScore {
				bestScore = score
				bestID = candidate.ID
				bestMethod = method
			}
		}

		if bestID != "" && bestScore >= e.cfg.ResolutionThreshold {
			remap[entity.ID] = bestID
			res.Decisions = append(res.Decisions, MergeDecision{
				LeftID:  entity.ID,
				RightID: bestID,
				Score:   bestScore,
				Method:  bestMethod,
			})
		}
	}

	if len(remap) > 0 {
		applyRegistryRemap(res, remap)
		logger.Debug("[Resolve] Matched entities against registry", "matched", len(remap))
	}

	canonicals := make([]CanonicalEntity, 0, len(res.Entities))
	tokensByID := make(map[string][]string, len(res.Entities))
	for _, entity := range res.Entities {
		canonicals = append(canonicals, CanonicalEntity{
			ID:         entity.ID,
			Mention:    entity.Mention,
			Types:      entity.Types,
			Attributes: entity.Attributes,
			Embedding:  vectors[entity.Mention],
		})
		tokensByID[entity.ID] = BlockingTokens(entity.Mention)
	}

	if err := registry.SaveEntities(ctx, ontologyID, canonicals, tokensByID); err != nil {
		return fmt.Errorf("failed to persist canonical entities: %w", err)
	}
	return nil
}

// embedResolution embeds every entity mention of the resolution, keyed
// by mention. Returns nil when embeddings are not configured or carry
// no weight; registry matching then falls back to string and relation
// signals and persisted entities carry no vector.
func (e *Engine) embedResolution(ctx context.Context, res *Resolution) (map[string][]float32, error) {
	if e.cfg.EmbeddingWeight <= 0 || e.embeddings == nil || len(res.Entities) == 0 {
		return nil, nil
	}

	mentionSet := make(map[string]struct{}, len(res.Entities))
	mentions := make([]string, 0, len(res.Entities))
	for _, entity := range res.Entities {
		if _, ok := mentionSet[entity.Mention]; ok {
			continue
		}
		mentionSet[entity.Mention] = struct{}{}
		mentions = append(mentions, entity.Mention)
	}

	vecs, err := e.embeddings.EmbedBatch(ctx, mentions)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]float32, len(mentions))
	for i, mention := range mentions {
		out[mention] = vecs[i]
	}
	return out, nil
}

// candidateVectors extends the batch vectors with the stored vector of
// one registry candidate so scorePair can compare them.
func candidateVectors(vectors map[string][]float32, candidate CanonicalEntity) map[string][]float32 {
	if vectors == nil || len(candidate.Embedding) == 0 {
		return nil
	}
	out := make(map[string][]float32, len(vectors)+1)
	for mention, vec := range vectors {
		out[mention] = vec
	}
	out[candidate.Mention] = candidate.Embedding
	return out
}

// applyRegistryRemap folds registry matches into the resolution: entity
// ids are replaced, the canonical map is extended and kept idempotent,
// and relations are rewritten and re-deduplicated.
func applyRegistryRemap(res *Resolution, remap map[string]string) {
	canonical := func(id string) string {
		if c, ok := remap[id]; ok {
			return c
		}
		return id
	}

	entityIndex := make(map[string]int)
	entities := make([]common.Entity, 0, len(res.Entities))
	for _, entity := range res.Entities {
		entity.ID = canonical(entity.ID)
		idx, exists := entityIndex[entity.ID]
		if !exists {
			entityIndex[entity.ID] = len(entities)
			entities = append(entities, entity)
			continue
		}
		// Two batch entities matched the same registry entry.
		existing := &entities[idx]
		typeSet := make(map[string]struct{}, len(existing.Types))
		for _, typ := range existing.Types {
			typeSet[typ] = struct{}{}
		}
		for _, typ := range entity.Types {
			if _, ok := typeSet[typ]; !ok {
				existing.Types = append(existing.Types, typ)
			}
		}
		if len(entity.Attributes) > 0 {
			if existing.Attributes == nil {
				existing.Attributes = make(map[string]string)
			}
			for key, value := range entity.Attributes {
				existing.Attributes[key] = value
			}
		}
	}
	res.Entities = entities

	for mention, target := range res.CanonicalMap {
		res.CanonicalMap[mention] = canonical(target)
	}
	for old, target := range remap {
		if old != target {
			res.CanonicalMap[old] = target
		}
	}

	seen := make(map[string]struct{})
	relations := make([]common.Relation, 0, len(res.Relations))
	for _, rel := range res.Relations {
		rel.SubjectID = canonical(rel.SubjectID)
		if rel.IsEntityObject() {
			rel.ObjectID = canonical(rel.ObjectID)
			if rel.ObjectID == rel.SubjectID {
				continue
			}
		}
		key := rel.SubjectID + "\x00" + rel.Predicate + "\x00" + rel.ObjectID + "\x00" + rel.ObjectLiteral
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		relations = append(relations, rel)
	}
	res.Relations = relations
}
