package memory

import (
	"math"
	"sort"
)

// Select returns the golden-ratio top fraction of items ranked by rank.
//
// Items for which rank reports false are excluded. The remainder is sorted
// by descending rank (stable, so ties keep input order). A single rankable
// item is returned as is; otherwise the first max(1, floor(N*ratio)) are
// returned. The cut is deterministic: the same input always activates the
// same subset.
func Select[T any](items []T, rank func(T) (float64, bool), ratio float64) []T {
	type ranked struct {
		item T
		v    float64
	}
	pool := make([]ranked, 0, len(items))
	for _, it := range items {
		if v, ok := rank(it); ok && !math.IsNaN(v) {
			pool = append(pool, ranked{item: it, v: v})
		}
	}
	if len(pool) == 0 {
		return []T{}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].v > pool[j].v
	})

	n := 1
	if len(pool) > 1 {
		n = int(math.Floor(float64(len(pool)) * ratio))
		if n < 1 {
			n = 1
		}
		if n > len(pool) {
			n = len(pool)
		}
	}
	out := make([]T, n)
	for i := range out {
		out[i] = pool[i].item
	}
	return out
}

// SelectCandidates activates candidates ranked by the named field.
func SelectCandidates(candidates []Candidate, key string, ratio float64) []Candidate {
	return Select(candidates, func(c Candidate) (float64, bool) {
		return c.Rank(key)
	}, ratio)
}

// SelectByWeight activates candidates ranked by weight.
func SelectByWeight(candidates []Candidate, ratio float64) []Candidate {
	return SelectCandidates(candidates, KeyWeight, ratio)
}

// goldenPrefix keeps the first max(1, floor(N*ratio)) items in their
// existing order. It is the positional pre-filter applied to raw search
// results before weight ranking.
func goldenPrefix[T any](items []T, ratio float64) []T {
	if len(items) <= 1 {
		return items
	}
	n := int(math.Floor(float64(len(items)) * ratio))
	if n < 1 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}
	return items[:n]
}
