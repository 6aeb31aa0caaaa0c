package resolve

import (
	"math"
	"strings"
	"unicode"

	"github.com/graphloom/loom/backend/pkg/common"
)

// MatchMethod classifies how a merge decision was reached. Recorded per
// decision for observability.
type MatchMethod string

const (
	MethodExact       MatchMethod = "exact"
	MethodSimilarity  MatchMethod = "similarity"
	MethodContainment MatchMethod = "containment"
	MethodNeighbor    MatchMethod = "neighbor"
)

// NormalizeMention lowercases a mention, strips punctuation and collapses
// runs of whitespace. All comparisons and blocking tokens work on the
// normalized form.
func NormalizeMention(mention string) string {
	var b strings.Builder
	b.Grow(len(mention))
	for _, r := range strings.ToLower(mention) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func trigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	padded := "  " + s + " "
	for i := 0; i+3 <= len(padded); i++ {
		set[padded[i:i+3]] = struct{}{}
	}
	return set
}

// TrigramSimilarity returns the Jaccard similarity of the character
// trigram sets of two normalized strings, in [0, 1].
func TrigramSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	ta, tb := trigrams(a), trigrams(b)
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	if union == 0 {
		return 0.0
	}
	return float64(shared) / float64(union)
}

// tokenContainment reports whether every word of the shorter normalized
// mention appears in the longer one ("IBM" in "IBM Corporation").
func tokenContainment(a, b string) bool {
	shortTokens := strings.Fields(a)
	longTokens := strings.Fields(b)
	if len(shortTokens) > len(longTokens) {
		shortTokens, longTokens = longTokens, shortTokens
	}
	if len(shortTokens) == 0 {
		return false
	}

	longSet := make(map[string]struct{}, len(longTokens))
	for _, t := range longTokens {
		longSet[t] = struct{}{}
	}
	for _, t := range shortTokens {
		if _, ok := longSet[t]; !ok {
			return false
		}
	}
	return true
}

// relationContext collects the (predicate, counterpart) patterns an entity
// participates in. Literal objects contribute their normalized value.
func relationContext(entityID string, relations []common.Relation) map[string]struct{} {
	ctx := make(map[string]struct{})
	for _, rel := range relations {
		switch {
		case rel.SubjectID == entityID && rel.IsEntityObject():
			ctx["s|"+rel.Predicate+"|"+rel.ObjectID] = struct{}{}
		case rel.SubjectID == entityID:
			ctx["s|"+rel.Predicate+"|"+NormalizeMention(rel.ObjectLiteral)] = struct{}{}
		case rel.ObjectID == entityID:
			ctx["o|"+rel.Predicate+"|"+rel.SubjectID] = struct{}{}
		}
	}
	return ctx
}

// contextOverlap returns the Jaccard similarity of two relation contexts.
func contextOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	shared := 0
	for k := range a {
		if _, ok := b[k]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// or 0 when either vector is empty or zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
