// Package lexical ranks corpus documents against query tokens with Okapi BM25.
package lexical

import "math"

// BM25 parameters (standard values)
const (
	K1 = 1.5  // term frequency saturation
	B  = 0.75 // length normalization
)

// BM25 is an immutable index over tokenized documents.
type BM25 struct {
	termFreqs []map[string]int
	docLens   []int
	docFreqs  map[string]int
	avgDocLen float64
}

// NewBM25 indexes the documents. The slice order defines score order.
func NewBM25(docs [][]string) *BM25 {
	idx := &BM25{
		termFreqs: make([]map[string]int, len(docs)),
		docLens:   make([]int, len(docs)),
		docFreqs:  make(map[string]int),
	}
	total := 0
	for i, doc := range docs {
		tf := TermFrequency(doc)
		idx.termFreqs[i] = tf
		idx.docLens[i] = len(doc)
		total += len(doc)
		for term := range tf {
			idx.docFreqs[term]++
		}
	}
	if len(docs) > 0 {
		idx.avgDocLen = float64(total) / float64(len(docs))
	}
	return idx
}

// Len returns the number of indexed documents.
func (idx *BM25) Len() int { return len(idx.docLens) }

// IDF is the smoothed inverse document frequency of term. It is always positive.
func (idx *BM25) IDF(term string) float64 {
	n := float64(len(idx.docLens))
	df := float64(idx.docFreqs[term])
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

// Score returns one score per document. Documents sharing no term with the
// query score zero.
func (idx *BM25) Score(queryTokens []string) []float64 {
	scores := make([]float64, len(idx.docLens))
	if idx.avgDocLen == 0 {
		return scores
	}
	for _, term := range queryTokens {
		if idx.docFreqs[term] == 0 {
			continue
		}
		idf := idx.IDF(term)
		for i, tfs := range idx.termFreqs {
			tf := float64(tfs[term])
			if tf == 0 {
				continue
			}
			lenNorm := 1 - B + B*float64(idx.docLens[i])/idx.avgDocLen
			scores[i] += idf * (tf * (K1 + 1)) / (tf + K1*lenNorm)
		}
	}
	return scores
}

// TermFrequency counts occurrences of each term in tokens.
func TermFrequency(tokens []string) map[string]int {
	freqs := make(map[string]int, len(tokens))
	for _, token := range tokens {
		freqs[token]++
	}
	return freqs
}
