package extract

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/graphloom/loom/backend/internal/storage"
	"github.com/graphloom/loom/backend/pkg/common"
)

func sampleResult(key string) *common.KnowledgeGraphResult {
	return &common.KnowledgeGraphResult{
		Entities: []common.Entity{
			{ID: "e1", Mention: "Apple", Types: []string{"Organization"}},
		},
		Relations: []common.Relation{
			{SubjectID: "e1", Predicate: "headquartered_in", ObjectLiteral: "Cupertino"},
		},
		Metadata: common.ResultMetadata{
			IdempotencyKey:  key,
			OntologyID:      "biz",
			OntologyVersion: "v1",
			ExtractedAt:     time.Now().UTC().Truncate(time.Second),
			DurationMs:      1200,
		},
	}
}

func TestCacheRoundTrip(t *testing.T) {
	cache := NewCache(storage.NewMemoryStore())
	ctx := context.Background()
	key := IdempotencyKey(testRequest("round trip"))

	got, err := cache.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() on empty cache error = %v", err)
	}
	if got != nil {
		t.Fatal("Get() on empty cache returned a result")
	}

	want := sampleResult(key)
	if err := cache.Put(ctx, key, want, "gpt-4o", 0.1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err = cache.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil after Put()")
	}
	if len(got.Entities) != 1 || got.Entities[0].Mention != "Apple" {
		t.Errorf("entities = %+v, want Apple", got.Entities)
	}
	if got.Relations[0].ObjectLiteral != "Cupertino" {
		t.Errorf("relation literal = %q, want Cupertino", got.Relations[0].ObjectLiteral)
	}
	if got.Metadata.OntologyID != "biz" {
		t.Errorf("ontology id = %q, want biz", got.Metadata.OntologyID)
	}
}

func TestCachePathSharding(t *testing.T) {
	key := IdempotencyKey(testRequest("sharded path"))
	path := cachePath(key)

	wantPrefix := "extractions/" + key[:2] + "/"
	if !strings.HasPrefix(path, wantPrefix) {
		t.Errorf("cachePath(%s) = %s, want prefix %s", key, path, wantPrefix)
	}
	if !strings.HasSuffix(path, key+".json") {
		t.Errorf("cachePath(%s) = %s, want suffix %s.json", key, path, key)
	}
}

func TestCacheInvalidate(t *testing.T) {
	cache := NewCache(storage.NewMemoryStore())
	ctx := context.Background()

	keyA := IdempotencyKey(testRequest("invalidate a"))
	keyB := IdempotencyKey(testRequest("invalidate b"))
	for _, key := range []string{keyA, keyB} {
		if err := cache.Put(ctx, key, sampleResult(key), "gpt-4o", 0.1); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	if err := cache.Invalidate(ctx, keyA); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if got, _ := cache.Get(ctx, keyA); got != nil {
		t.Error("invalidated key still cached")
	}
	if got, _ := cache.Get(ctx, keyB); got == nil {
		t.Error("untouched key was evicted")
	}

	if err := cache.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll() error = %v", err)
	}
	if got, _ := cache.Get(ctx, keyB); got != nil {
		t.Error("key survived InvalidateAll")
	}
}
