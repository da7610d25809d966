// Package semantic owns embedding bookkeeping and similarity scoring.
// The embedding model itself lives behind domain.Embedder.
package semantic

import "math"

// Normalize returns a unit-length copy of v. A zero vector stays zero.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	n := Norm(v)
	if n == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// Norm is the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Dot returns the dot product of a and b, which equals cosine similarity for
// unit vectors. Mismatched lengths score zero.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Scores computes the similarity of q against every corpus vector.
func Scores(corpus [][]float32, q []float32) []float64 {
	out := make([]float64, len(corpus))
	for i, v := range corpus {
		out[i] = Dot(v, q)
	}
	return out
}

// Rescale maps cosine similarities from [-1,1] into [0,1].
func Rescale(sims []float64) []float64 {
	out := make([]float64, len(sims))
	for i, s := range sims {
		out[i] = (s + 1) / 2
	}
	return out
}
