package embed

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls [][]string
	delay time.Duration
}

func (f *fakeProvider) GenerateEmbeddings(_ context.Context, inputs []string) ([][]float32, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	cp := make([]string, len(inputs))
	copy(cp, inputs)
	f.calls = append(f.calls, cp)
	f.mu.Unlock()

	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		out[i] = vectorFor(text)
	}
	return out, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func vectorFor(text string) []float32 {
	vec := make([]float32, 3)
	for i, r := range text {
		vec[i%3] += float32(r)
	}
	return vec
}

func newTestCache(provider Provider) *Cache {
	return NewCache(NewCacheParams{
		Provider:          provider,
		TTL:               time.Minute,
		MaxSize:           100,
		RequestsPerMinute: 60000,
		MaxConcurrency:    8,
	})
}

func TestEmbedBatchPreservesInputOrder(t *testing.T) {
	provider := &fakeProvider{}
	cache := newTestCache(provider)

	got, err := cache.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	want := [][]float32{vectorFor("a"), vectorFor("b"), vectorFor("c")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EmbedBatch() = %v, want %v", got, want)
	}
}

func TestEmbedBatchSplitsHitsAndMisses(t *testing.T) {
	provider := &fakeProvider{}
	cache := newTestCache(provider)

	if _, err := cache.Embed(context.Background(), "b"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	got, err := cache.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	want := [][]float32{vectorFor("a"), vectorFor("b"), vectorFor("c")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EmbedBatch() = %v, want %v", got, want)
	}

	// One call for the warm-up of "b", one batch call for the misses.
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
	last := provider.calls[len(provider.calls)-1]
	if !reflect.DeepEqual(last, []string{"a", "c"}) {
		t.Errorf("miss batch = %v, want [a c]", last)
	}
}

func TestEmbedBatchDeduplicatesRepeatedTexts(t *testing.T) {
	provider := &fakeProvider{}
	cache := newTestCache(provider)

	got, err := cache.EmbedBatch(context.Background(), []string{"a", "a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if !reflect.DeepEqual(got[0], got[1]) {
		t.Errorf("repeated texts got different vectors: %v vs %v", got[0], got[1])
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}
	if len(provider.calls[0]) != 2 {
		t.Errorf("miss batch size = %d, want 2", len(provider.calls[0]))
	}
}

func TestEmbedCoalescesConcurrentMisses(t *testing.T) {
	provider := &fakeProvider{delay: 20 * time.Millisecond}
	cache := newTestCache(provider)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vec, err := cache.Embed(context.Background(), "shared")
			if err != nil || !reflect.DeepEqual(vec, vectorFor("shared")) {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d concurrent Embed calls failed", failures.Load())
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (coalesced)", provider.callCount())
	}
}

func TestEmbedExpiredEntryIsRecomputed(t *testing.T) {
	provider := &fakeProvider{}
	cache := NewCache(NewCacheParams{
		Provider:          provider,
		TTL:               10 * time.Millisecond,
		MaxSize:           10,
		RequestsPerMinute: 60000,
		MaxConcurrency:    2,
	})

	if _, err := cache.Embed(context.Background(), "a"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := cache.Embed(context.Background(), "a"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2 after TTL expiry", provider.callCount())
	}
}
