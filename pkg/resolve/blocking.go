package resolve

import (
	"sort"
	"strings"

	"github.com/graphloom/loom/backend/pkg/common"
)

// BlockingTokens returns the coarse tokens an entity is indexed under:
// the words of the normalized mention plus character trigram shingles.
// The same tokens are persisted to the cross-batch registry so future
// batches can find candidates against the accumulated canonical set.
func BlockingTokens(mention string) []string {
	normalized := NormalizeMention(mention)
	if normalized == "" {
		return nil
	}

	seen := make(map[string]struct{})
	tokens := make([]string, 0)
	add := func(t string) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}

	for _, word := range strings.Fields(normalized) {
		add(word)
	}
	compact := strings.ReplaceAll(normalized, " ", "")
	for i := 0; i+3 <= len(compact); i++ {
		add(compact[i : i+3])
	}

	return tokens
}

type candidatePair struct {
	a, b string
}

// blockCandidates groups entities by blocking token and returns the
// within-bucket pairs to score. Buckets larger than maxBucket are
// skipped (a token shared by that many entities carries no signal), and
// each entity contributes at most maxPerEntity candidate partners.
func blockCandidates(entities []common.Entity, maxPerEntity, maxBucket int) []candidatePair {
	buckets := make(map[string][]int)
	for i, entity := range entities {
		for _, token := range BlockingTokens(entity.Mention) {
			buckets[token] = append(buckets[token], i)
		}
	}

	partners := make(map[int]map[int]struct{})
	for _, bucket := range buckets {
		if len(bucket) < 2 || len(bucket) > maxBucket {
			continue
		}
		for x := 0; x < len(bucket); x++ {
			for y := x + 1; y < len(bucket); y++ {
				i, j := bucket[x], bucket[y]
				if len(partners[i]) >= maxPerEntity || len(partners[j]) >= maxPerEntity {
					continue
				}
				if partners[i] == nil {
					partners[i] = make(map[int]struct{})
				}
				if partners[j] == nil {
					partners[j] = make(map[int]struct{})
				}
				partners[i][j] = struct{}{}
				partners[j][i] = struct{}{}
			}
		}
	}

	seen := make(map[candidatePair]struct{})
	pairs := make([]candidatePair, 0)
	for i, set := range partners {
		for j := range set {
			a, b := entities[i].ID, entities[j].ID
			if a > b {
				a, b = b, a
			}
			pair := candidatePair{a: a, b: b}
			if _, ok := seen[pair]; ok {
				continue
			}
			seen[pair] = struct{}{}
			pairs = append(pairs, pair)
		}
	}

	sort.Slice(pairs, func(x, y int) bool {
		if pairs[x].a != pairs[y].a {
			return pairs[x].a < pairs[y].a
		}
		return pairs[x].b < pairs[y].b
	})
	return pairs
}
