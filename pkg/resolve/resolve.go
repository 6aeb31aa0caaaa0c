package resolve

import (
	"context"
	"fmt"
	"sort"

	"github.com/graphloom/loom/backend/pkg/common"
	"github.com/graphloom/loom/backend/pkg/embed"
	"github.com/graphloom/loom/backend/pkg/logger"
)

// Config holds the thresholds and signal weights of the resolution
// engine. CandidateThreshold only shortlists pairs for full scoring;
// merge decisions use ResolutionThreshold.
type Config struct {
	ResolutionThreshold    float64
	CandidateThreshold     float64
	MaxCandidatesPerEntity int
	MaxBlockingCandidates  int

	StringWeight    float64
	RelationWeight  float64
	EmbeddingWeight float64
}

// DefaultConfig returns the cross-batch defaults.
func DefaultConfig() Config {
	return Config{
		ResolutionThreshold:    0.8,
		CandidateThreshold:     0.6,
		MaxCandidatesPerEntity: 20,
		MaxBlockingCandidates:  100,
		StringWeight:           0.6,
		RelationWeight:         0.4,
		EmbeddingWeight:        0.0,
	}
}

// Engine merges duplicate entity mentions into canonical entities while
// preserving relation integrity. Embeddings are only consulted when
// EmbeddingWeight > 0.
type Engine struct {
	cfg        Config
	embeddings *embed.Cache
}

type NewEngineParams struct {
	Config     Config
	Embeddings *embed.Cache
}

func NewEngine(params NewEngineParams) *Engine {
	cfg := params.Config
	if cfg.ResolutionThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg, embeddings: params.Embeddings}
}

// MergeDecision records one accepted merge for observability.
type MergeDecision struct {
	LeftID  string
	RightID string
	Score   float64
	Method  MatchMethod
}

// Resolution is the outcome of resolving a set of graphs. CanonicalMap
// holds mention-id → canonical-id entries for merged entities only;
// self-mapping entries are never materialized. Apply Canonical to get the
// idempotent lookup.
type Resolution struct {
	CanonicalMap map[string]string
	Clusters     [][]string
	Entities     []common.Entity
	Relations    []common.Relation
	Decisions    []MergeDecision
}

// Canonical returns the canonical id for id. Applying it to an already
// canonical id is a no-op.
func (r *Resolution) Canonical(id string) string {
	if canonical, ok := r.CanonicalMap[id]; ok {
		return canonical
	}
	return id
}

// Resolve clusters duplicate entities across the supplied graphs and
// merges them into canonical form. Entity ids must be unique across the
// input graphs.
func (e *Engine) Resolve(ctx context.Context, graphs []common.KnowledgeGraph) (*Resolution, error) {
	entities := make([]common.Entity, 0)
	relations := make([]common.Relation, 0)
	byID := make(map[string]int)
	order := make(map[string]int)

	for _, graph := range graphs {
		for _, entity := range graph.Entities {
			if _, dup := byID[entity.ID]; dup {
				return nil, fmt.Errorf("duplicate entity id across graphs: %s", entity.ID)
			}
			byID[entity.ID] = len(entities)
			order[entity.ID] = len(entities)
			entities = append(entities, entity)
		}
		relations = append(relations, graph.Relations...)
	}

	pairs := blockCandidates(entities, e.cfg.MaxCandidatesPerEntity, e.cfg.MaxBlockingCandidates)
	logger.Debug("[Resolve] Blocking complete", "entities", len(entities), "candidate_pairs", len(pairs))

	shortlist := make([]candidatePair, 0, len(pairs))
	for _, pair := range pairs {
		a, b := entities[byID[pair.a]], entities[byID[pair.b]]
		if TrigramSimilarity(NormalizeMention(a.Mention), NormalizeMention(b.Mention)) >= e.cfg.CandidateThreshold ||
			tokenContainment(NormalizeMention(a.Mention), NormalizeMention(b.Mention)) {
			shortlist = append(shortlist, pair)
		}
	}

	vectors, err := e.embedShortlist(ctx, entities, byID, shortlist)
	if err != nil {
		return nil, fmt.Errorf("failed to embed shortlisted mentions: %w", err)
	}

	decisions := make([]MergeDecision, 0)
	mergePairs := make([]candidatePair, 0)
	for _, pair := range shortlist {
		a, b := entities[byID[pair.a]], entities[byID[pair.b]]
		score, method := e.scorePair(a, b, relations, vectors)
		if score >= e.cfg.ResolutionThreshold {
			mergePairs = append(mergePairs, pair)
			decisions = append(decisions, MergeDecision{LeftID: pair.a, RightID: pair.b, Score: score, Method: method})
		}
	}

	clusters := buildClusters(mergePairs)
	logger.Debug("[Resolve] Clustering complete", "merges", len(decisions), "clusters", len(clusters))

	return e.materialize(entities, relations, order, clusters, decisions), nil
}

func (e *Engine) embedShortlist(
	ctx context.Context,
	entities []common.Entity,
	byID map[string]int,
	shortlist []candidatePair,
) (map[string][]float32, error) {
	if e.cfg.EmbeddingWeight <= 0 || e.embeddings == nil || len(shortlist) == 0 {
		return nil, nil
	}

	mentionSet := make(map[string]struct{})
	mentions := make([]string, 0)
	for _, pair := range shortlist {
		for _, id := range []string{pair.a, pair.b} {
			mention := entities[byID[id]].Mention
			if _, ok := mentionSet[mention]; ok {
				continue
			}
			mentionSet[mention] = struct{}{}
			mentions = append(mentions, mention)
		}
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

// scorePair computes the composite similarity of two entities and
// classifies the decisive signal.
func (e *Engine) scorePair(
	a, b common.Entity,
	relations []common.Relation,
	vectors map[string][]float32,
) (float64, MatchMethod) {
	na, nb := NormalizeMention(a.Mention), NormalizeMention(b.Mention)
	if na != "" && na == nb {
		return 1.0, MethodExact
	}

	stringScore := TrigramSimilarity(na, nb)
	contained := tokenContainment(na, nb)
	if contained && stringScore < 0.9 {
		stringScore = 0.9
	}

	relScore := contextOverlap(relationContext(a.ID, relations), relationContext(b.ID, relations))

	weightSum := e.cfg.StringWeight + e.cfg.RelationWeight
	score := e.cfg.StringWeight*stringScore + e.cfg.RelationWeight*relScore
	if e.cfg.EmbeddingWeight > 0 && vectors != nil {
		score += e.cfg.EmbeddingWeight * CosineSimilarity(vectors[a.Mention], vectors[b.Mention])
		weightSum += e.cfg.EmbeddingWeight
	}
	if weightSum > 0 {
		score /= weightSum
	}

	method := MethodSimilarity
	switch {
	case contained:
		method = MethodContainment
	case relScore > stringScore:
		method = MethodNeighbor
	}
	return score, method
}

// buildClusters groups entity ids that are transitively linked by merge
// pairs. Union-find with path compression.
func buildClusters(pairs []candidatePair) [][]string {
	parent := make(map[string]string)

	var find func(x string) string
	find = func(x string) string {
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}

	union := func(x, y string) {
		px, py := find(x), find(y)
		if px != py {
			parent[px] = py
		}
	}

	for _, p := range pairs {
		union(p.a, p.b)
	}

	components := make(map[string][]string)
	for id := range parent {
		root := find(id)
		components[root] = append(components[root], id)
	}

	clusters := make([][]string, 0, len(components))
	for _, group := range components {
		if len(group) > 1 {
			sort.Strings(group)
			clusters = append(clusters, group)
		}
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i][0] < clusters[j][0] })
	return clusters
}

// materialize merges each cluster into its canonical entity and rewrites
// relations. Types are unioned, attributes merge later-seen-wins, and
// rewritten relations are deduplicated on (subject, predicate, object).
func (e *Engine) materialize(
	entities []common.Entity,
	relations []common.Relation,
	order map[string]int,
	clusters [][]string,
	decisions []MergeDecision,
) *Resolution {
	byID := make(map[string]common.Entity, len(entities))
	for _, entity := range entities {
		byID[entity.ID] = entity
	}

	canonicalMap := make(map[string]string)
	merged := make(map[string]common.Entity)

	for _, cluster := range clusters {
		canonicalID := pickCanonical(cluster, byID, relations)

		members := make([]string, len(cluster))
		copy(members, cluster)
		sort.Slice(members, func(i, j int) bool { return order[members[i]] < order[members[j]] })

		canonical := byID[canonicalID]
		typeSet := make(map[string]struct{})
		types := make([]string, 0)
		attributes := make(map[string]string)
		for _, id := range members {
			member := byID[id]
			for _, typ := range member.Types {
				if _, ok := typeSet[typ]; ok {
					continue
				}
				typeSet[typ] = struct{}{}
				types = append(types, typ)
			}
			for key, value := range member.Attributes {
				attributes[key] = value
			}
		}
		canonical.Types = types
		if len(attributes) > 0 {
			canonical.Attributes = attributes
		}
		merged[canonicalID] = canonical

		for _, id := range cluster {
			if id == canonicalID {
				continue
			}
			canonicalMap[id] = canonicalID
		}
	}

	resolvedEntities := make([]common.Entity, 0, len(entities))
	for _, entity := range entities {
		if _, dropped := canonicalMap[entity.ID]; dropped {
			continue
		}
		if canonical, ok := merged[entity.ID]; ok {
			resolvedEntities = append(resolvedEntities, canonical)
			continue
		}
		resolvedEntities = append(resolvedEntities, entity)
	}

	canonical := func(id string) string {
		if c, ok := canonicalMap[id]; ok {
			return c
		}
		return id
	}

	seen := make(map[string]struct{})
	resolvedRelations := make([]common.Relation, 0, len(relations))
	for _, rel := range relations {
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
		resolvedRelations = append(resolvedRelations, rel)
	}

	return &Resolution{
		CanonicalMap: canonicalMap,
		Clusters:     clusters,
		Entities:     resolvedEntities,
		Relations:    resolvedRelations,
		Decisions:    decisions,
	}
}

// pickCanonical selects the cluster member with the most relation
// references, breaking ties by longest mention, then smallest id for
// determinism.
func pickCanonical(cluster []string, byID map[string]common.Entity, relations []common.Relation) string {
	refCount := make(map[string]int, len(cluster))
	inCluster := make(map[string]struct{}, len(cluster))
	for _, id := range cluster {
		inCluster[id] = struct{}{}
	}
	for _, rel := range relations {
		if _, ok := inCluster[rel.SubjectID]; ok {
			refCount[rel.SubjectID]++
		}
		if _, ok := inCluster[rel.ObjectID]; ok {
			refCount[rel.ObjectID]++
		}
	}

	best := cluster[0]
	for _, id := range cluster[1:] {
		switch {
		case refCount[id] > refCount[best]:
			best = id
		case refCount[id] == refCount[best] && len(byID[id].Mention) > len(byID[best].Mention):
			best = id
		case refCount[id] == refCount[best] && len(byID[id].Mention) == len(byID[best].Mention) && id < best:
			best = id
		}
	}
	return best
}
