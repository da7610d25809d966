// Package fusion combines lexical and semantic score vectors into one ranking.
package fusion

import "sort"

// NormalizeMax divides every score by the maximum. When the maximum is not
// positive the scores are returned unchanged.
func NormalizeMax(scores []float64) []float64 {
	out := make([]float64, len(scores))
	copy(out, scores)
	if len(out) == 0 {
		return out
	}
	hi := out[0]
	for _, s := range out[1:] {
		hi = max(hi, s)
	}
	if hi <= 0 {
		return out
	}
	for i := range out {
		out[i] /= hi
	}
	return out
}

// Fuse returns alpha*norm(lex) + (1-alpha)*norm(sem). Both inputs must share
// corpus order and length. sem is expected in [0,1] already.
func Fuse(lex, sem []float64, alpha float64) []float64 {
	nl := NormalizeMax(lex)
	ns := NormalizeMax(sem)
	out := make([]float64, len(nl))
	for i := range out {
		var s float64
		if i < len(ns) {
			s = ns[i]
		}
		out[i] = alpha*nl[i] + (1-alpha)*s
	}
	return out
}

// Rank returns corpus indices ordered by descending score. Ties keep corpus
// order. k <= 0 or k > len returns every index.
func Rank(scores []float64, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	if k > 0 && k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
