package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/graphloom/loom/backend/internal/storage"
	"github.com/graphloom/loom/backend/pkg/common"
	"github.com/graphloom/loom/backend/pkg/kgerr"
)

const cachePrefix = "extractions"

type cacheMetadata struct {
	ComputedAt      time.Time `json:"computedAt"`
	Model           string    `json:"model"`
	Temperature     float64   `json:"temperature"`
	ComputedIn      int64     `json:"computedIn"`
	OntologyID      string    `json:"ontologyId"`
	OntologyVersion string    `json:"ontologyVersion"`
}

type cacheEntry struct {
	Entities  []common.Entity   `json:"entities"`
	Relations []common.Relation `json:"relations"`
	Metadata  cacheMetadata     `json:"metadata"`
}

// Cache is the content-addressed store of terminal extraction results,
// keyed by idempotency key over a key-value object store. Writes are
// replace-only and only ever happen for keys that had no value.
type Cache struct {
	store storage.ObjectStore
}

func NewCache(store storage.ObjectStore) *Cache {
	return &Cache{store: store}
}

func cachePath(key string) string {
	if len(key) < 2 {
		return fmt.Sprintf("%s/%s.json", cachePrefix, key)
	}
	return fmt.Sprintf("%s/%s/%s.json", cachePrefix, key[:2], key)
}

// Get returns the cached result for key, or nil when absent. It never
// blocks for an in-flight computation: a key is either terminal in the
// store or not present.
func (c *Cache) Get(ctx context.Context, key string) (*common.KnowledgeGraphResult, error) {
	data, err := c.store.Get(ctx, cachePath(key))
	if err != nil {
		var clsErr *kgerr.Error
		if errors.As(err, &clsErr) && clsErr.Kind == kgerr.KindNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, kgerr.Validation("malformed cache entry for key "+key, err)
	}

	return &common.KnowledgeGraphResult{
		Entities:  entry.Entities,
		Relations: entry.Relations,
		Metadata: common.ResultMetadata{
			IdempotencyKey:  key,
			OntologyID:      entry.Metadata.OntologyID,
			OntologyVersion: entry.Metadata.OntologyVersion,
			ExtractedAt:     entry.Metadata.ComputedAt,
			DurationMs:      entry.Metadata.ComputedIn,
		},
	}, nil
}

// Put stores a terminal result under key.
func (c *Cache) Put(ctx context.Context, key string, result *common.KnowledgeGraphResult, model string, temperature float64) error {
	entry := cacheEntry{
		Entities:  result.Entities,
		Relations: result.Relations,
		Metadata: cacheMetadata{
			ComputedAt:      result.Metadata.ExtractedAt,
			Model:           model,
			Temperature:     temperature,
			ComputedIn:      result.Metadata.DurationMs,
			OntologyID:      result.Metadata.OntologyID,
			OntologyVersion: result.Metadata.OntologyVersion,
		},
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.store.Put(ctx, cachePath(key), data); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Invalidate removes a single cache entry.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, cachePath(key))
}

// InvalidateAll clears the entire cache namespace.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	return c.store.DeletePrefix(ctx, cachePrefix+"/")
}
