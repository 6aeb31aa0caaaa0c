package resolve

import (
	"context"
	"reflect"
	"testing"

	"github.com/graphloom/loom/backend/pkg/common"
	"github.com/graphloom/loom/backend/pkg/embed"
)

// fakeRegistry captures what the engine persists and serves canned
// candidates.
type fakeRegistry struct {
	candidates []CanonicalEntity

	savedOntology string
	saved         []CanonicalEntity
	savedTokens   map[string][]string
}

func (r *fakeRegistry) FindCandidates(ctx context.Context, tokens []string, limit int) ([]CanonicalEntity, error) {
	return r.candidates, nil
}

func (r *fakeRegistry) SaveEntities(ctx context.Context, ontologyID string, entities []CanonicalEntity, tokens map[string][]string) error {
	r.savedOntology = ontologyID
	r.saved = entities
	r.savedTokens = tokens
	return nil
}

type unitProvider struct{}

func (unitProvider) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestResolveAgainstRegistryRemapsMatches(t *testing.T) {
	engine := newTestEngine()
	registry := &fakeRegistry{
		candidates: []CanonicalEntity{
			{ID: "canon/apple", Mention: "Apple", Types: []string{"Organization"}},
		},
	}

	res := &Resolution{
		CanonicalMap: map[string]string{},
		Entities: []common.Entity{
			{ID: "b1/e1", Mention: "Apple", Types: []string{"Company"}},
		},
	}
	if err := engine.ResolveAgainstRegistry(context.Background(), registry, "biz", res); err != nil {
		t.Fatalf("ResolveAgainstRegistry() error = %v", err)
	}

	if len(res.Entities) != 1 || res.Entities[0].ID != "canon/apple" {
		t.Fatalf("entities = %+v, want single entity remapped to canon/apple", res.Entities)
	}
	if res.CanonicalMap["b1/e1"] != "canon/apple" {
		t.Errorf("CanonicalMap[b1/e1] = %q, want canon/apple", res.CanonicalMap["b1/e1"])
	}
	if registry.savedOntology != "biz" {
		t.Errorf("saved ontology = %q, want biz", registry.savedOntology)
	}
	if len(registry.saved) != 1 || registry.saved[0].ID != "canon/apple" {
		t.Errorf("saved entities = %+v, want the remapped canonical", registry.saved)
	}
	if len(registry.savedTokens["canon/apple"]) == 0 {
		t.Error("no blocking tokens persisted for the canonical entity")
	}
}

func TestResolveAgainstRegistryPersistsEmbeddings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmbeddingWeight = 0.2
	engine := NewEngine(NewEngineParams{
		Config:     cfg,
		Embeddings: embed.NewCache(embed.NewCacheParams{Provider: unitProvider{}}),
	})
	registry := &fakeRegistry{}

	res := &Resolution{
		CanonicalMap: map[string]string{},
		Entities: []common.Entity{
			{ID: "b1/e1", Mention: "Apple"},
			{ID: "b1/e2", Mention: "Steve Jobs"},
		},
	}
	if err := engine.ResolveAgainstRegistry(context.Background(), registry, "biz", res); err != nil {
		t.Fatalf("ResolveAgainstRegistry() error = %v", err)
	}

	if len(registry.saved) != 2 {
		t.Fatalf("saved entities = %d, want 2", len(registry.saved))
	}
	want := []float32{1, 0, 0}
	for _, entity := range registry.saved {
		if !reflect.DeepEqual(entity.Embedding, want) {
			t.Errorf("entity %s embedding = %v, want %v", entity.ID, entity.Embedding, want)
		}
	}
}

func TestResolveAgainstRegistrySkipsEmbeddingsWhenUnweighted(t *testing.T) {
	engine := newTestEngine()
	registry := &fakeRegistry{}

	res := &Resolution{
		CanonicalMap: map[string]string{},
		Entities: []common.Entity{
			{ID: "b1/e1", Mention: "Apple"},
		},
	}
	if err := engine.ResolveAgainstRegistry(context.Background(), registry, "biz", res); err != nil {
		t.Fatalf("ResolveAgainstRegistry() error = %v", err)
	}

	if len(registry.saved) != 1 {
		t.Fatalf("saved entities = %d, want 1", len(registry.saved))
	}
	if registry.saved[0].Embedding != nil {
		t.Errorf("embedding persisted without weight: %v", registry.saved[0].Embedding)
	}
}
