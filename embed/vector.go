package embed

import "math"

// CosineSimilarity computes cosine similarity between two vectors. Vectors
// of different length or zero norm score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Distances returns 1 - cosine similarity between each vector and the next.
// The result has len(vecs)-1 entries.
func Distances(vecs [][]float32) []float64 {
	if len(vecs) < 2 {
		return nil
	}
	out := make([]float64, len(vecs)-1)
	for i := 1; i < len(vecs); i++ {
		out[i-1] = 1 - CosineSimilarity(vecs[i-1], vecs[i])
	}
	return out
}
