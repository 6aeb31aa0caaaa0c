package embed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/graphloom/loom/backend/pkg/kgerr"
	"github.com/graphloom/loom/backend/pkg/logger"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Provider computes embedding vectors for a batch of texts, returning one
// vector per input in input order.
type Provider interface {
	GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error)
}

type cacheEntry struct {
	vector   []float32
	storedAt time.Time
}

// Cache memoizes embedding vectors per text with a TTL and a size bound.
// A missing key is computed at most once at a time regardless of how many
// callers request it concurrently. All provider calls pass through a
// requests-per-minute limiter and a concurrency ceiling.
type Cache struct {
	provider Provider
	ttl      time.Duration
	maxSize  int

	mu      sync.RWMutex
	entries map[string]cacheEntry

	group   singleflight.Group
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// NewCacheParams configures a Cache.
//
// RequestsPerMinute and MaxConcurrency bound calls to the external
// provider and should match the provider's published ceilings.
type NewCacheParams struct {
	Provider          Provider
	TTL               time.Duration
	MaxSize           int
	RequestsPerMinute int
	MaxConcurrency    int
}

func NewCache(params NewCacheParams) *Cache {
	ttl := params.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	maxSize := params.MaxSize
	if maxSize <= 0 {
		maxSize = 10000
	}
	rpm := params.RequestsPerMinute
	if rpm <= 0 {
		rpm = 600
	}
	maxConcurrency := params.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}

	return &Cache{
		provider: params.Provider,
		ttl:      ttl,
		maxSize:  maxSize,
		entries:  make(map[string]cacheEntry),
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		sem:      semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

// Embed returns the embedding vector for text, computing it through the
// provider on a cache miss. Concurrent misses for the same text coalesce
// onto a single provider call.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.lookup(text); ok {
		return vec, nil
	}

	res, err, _ := c.group.Do(text, func() (any, error) {
		if vec, ok := c.lookup(text); ok {
			return vec, nil
		}
		vectors, err := c.callProvider(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vectors) != 1 {
			return nil, kgerr.Validation(fmt.Sprintf("unexpected embedding result size: got %d want 1", len(vectors)), nil)
		}
		c.store(text, vectors[0])
		return vectors[0], nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]float32), nil
}

// EmbedBatch returns one vector per input text in input order. Cache hits
// are served locally; all misses are sent to the provider as a single
// batch call.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	missIndex := make(map[string][]int)
	misses := make([]string, 0)

	for i, text := range texts {
		if vec, ok := c.lookup(text); ok {
			out[i] = vec
			continue
		}
		if _, seen := missIndex[text]; !seen {
			misses = append(misses, text)
		}
		missIndex[text] = append(missIndex[text], i)
	}

	if len(misses) == 0 {
		return out, nil
	}

	logger.Debug("[Embed] Batch lookup", "total", len(texts), "misses", len(misses))

	vectors, err := c.callProvider(ctx, misses)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(misses) {
		return nil, kgerr.Validation(fmt.Sprintf("embedding result size mismatch: got %d want %d", len(vectors), len(misses)), nil)
	}

	for i, text := range misses {
		c.store(text, vectors[i])
		for _, idx := range missIndex[text] {
			out[idx] = vectors[i]
		}
	}

	return out, nil
}

func (c *Cache) lookup(text string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[text]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		return nil, false
	}
	return entry.vector, true
}

func (c *Cache) store(text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[text] = cacheEntry{vector: vector, storedAt: time.Now()}
}

// evictLocked drops expired entries first, then the oldest entry if the
// cache is still full. Caller must hold the write lock.
func (c *Cache) evictLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > c.ttl {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}

	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) callProvider(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	vectors, err := c.provider.GenerateEmbeddings(ctx, texts)
	if err != nil {
		return nil, kgerr.Service("embedding provider call failed", true, err)
	}
	return vectors, nil
}
