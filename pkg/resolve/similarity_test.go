package resolve

import (
	"testing"

	"github.com/graphloom/loom/backend/pkg/common"
)

func TestNormalizeMention(t *testing.T) {
	tests := []struct {
		name    string
		mention string
		want    string
	}{
		{name: "lowercases", mention: "Apple", want: "apple"},
		{name: "strips punctuation", mention: "Apple, Inc.", want: "apple inc"},
		{name: "collapses whitespace", mention: "  Steve   Jobs ", want: "steve jobs"},
		{name: "keeps digits", mention: "Area 51", want: "area 51"},
		{name: "empty", mention: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeMention(tt.mention); got != tt.want {
				t.Errorf("NormalizeMention(%q) = %q, want %q", tt.mention, got, tt.want)
			}
		})
	}
}

func TestTrigramSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{name: "identical", a: "apple", b: "apple", min: 1.0, max: 1.0},
		{name: "close variants", a: "microsoft", b: "microsft", min: 0.4, max: 0.99},
		{name: "unrelated", a: "apple", b: "zebra", min: 0.0, max: 0.1},
		{name: "empty left", a: "", b: "apple", min: 0.0, max: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TrigramSimilarity(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Errorf("TrigramSimilarity(%q, %q) = %f, want in [%f, %f]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 0}, b: []float32{1, 0}, want: 1.0},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0.0},
		{name: "empty", a: nil, b: nil, want: 0.0},
		{name: "length mismatch", a: []float32{1}, b: []float32{1, 0}, want: 0.0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 0}, want: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if got < tt.want-1e-9 || got > tt.want+1e-9 {
				t.Errorf("CosineSimilarity() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestBlockingTokens(t *testing.T) {
	tokens := BlockingTokens("Steve Jobs")

	wantWords := map[string]bool{"steve": false, "jobs": false}
	for _, token := range tokens {
		if _, ok := wantWords[token]; ok {
			wantWords[token] = true
		}
	}
	for word, found := range wantWords {
		if !found {
			t.Errorf("BlockingTokens missing word token %q", word)
		}
	}

	if got := BlockingTokens(""); got != nil {
		t.Errorf("BlockingTokens(\"\") = %v, want nil", got)
	}
}

func TestBlockCandidatesSkipsOversizedBuckets(t *testing.T) {
	entities := make([]common.Entity, 0, 6)
	for _, mention := range []string{"one com", "two com", "three com", "four com", "five com", "six com"} {
		entities = append(entities, common.Entity{ID: mention, Mention: mention})
	}

	// Bucket "com" holds all six entities; a cap of 5 must drop it.
	pairs := blockCandidates(entities, 20, 5)
	for _, pair := range pairs {
		if pair.a == pair.b {
			t.Errorf("self pair produced: %+v", pair)
		}
	}

	all := blockCandidates(entities, 20, 100)
	if len(all) <= len(pairs) {
		t.Errorf("expected oversized-bucket cap to reduce pairs: capped=%d uncapped=%d", len(pairs), len(all))
	}
}
