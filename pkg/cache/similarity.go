package cache

import (
	"fmt"
	"math"
)

// CosineSimilarity returns dot(a,b) / (|a| |b|) in [-1, 1], or 0 when either
// vector has zero magnitude. a and b must have the same length; callers
// validate dimensions before entering a scan.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Rounding can push identical vectors just past 1
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

// ValidateEmbedding rejects empty vectors, NaN or infinite components, and,
// when dims is positive, vectors of any other length
func ValidateEmbedding(v []float32, dims int) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: embedding is empty", ErrInvalidEmbedding)
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: component %d is %v", ErrInvalidEmbedding, i, x)
		}
	}
	if dims > 0 && len(v) != dims {
		return fmt.Errorf("%w: expected %d dimensions, got %d", ErrDimensionMismatch, dims, len(v))
	}
	return nil
}

// bestMatch tracks the highest-similarity candidate seen during a scan
type bestMatch struct {
	entry      *CacheEntry
	similarity float64
}

// offer records candidate when it clears threshold and beats the current best
func (b *bestMatch) offer(candidate *CacheEntry, similarity, threshold float64) {
	if similarity < threshold {
		return
	}
	if b.entry == nil || similarity > b.similarity {
		b.entry = candidate
		b.similarity = similarity
	}
}
