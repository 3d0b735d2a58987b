package cache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero magnitude", []float32{0, 0}, []float32{1, 1}, 0},
		{"both zero", []float32{0, 0}, []float32{0, 0}, 0},
		{"forty five degrees", []float32{1, 0}, []float32{1, 1}, 1 / math.Sqrt2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosineSimilarityIsClamped(t *testing.T) {
	v := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7}
	sim := CosineSimilarity(v, v)
	assert.LessOrEqual(t, sim, 1.0)
	assert.InDelta(t, 1.0, sim, 1e-12)
}

func TestValidateEmbedding(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	tests := []struct {
		name string
		v    []float32
		dims int
		err  error
	}{
		{"valid learned", []float32{1, 2}, 0, nil},
		{"valid fixed", []float32{1, 2}, 2, nil},
		{"empty", nil, 0, ErrInvalidEmbedding},
		{"nan", []float32{1, nan}, 0, ErrInvalidEmbedding},
		{"inf", []float32{inf, 1}, 0, ErrInvalidEmbedding},
		{"mismatch", []float32{1, 2, 3}, 2, ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmbedding(tt.v, tt.dims)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBestMatch(t *testing.T) {
	low := &CacheEntry{ID: "low"}
	high := &CacheEntry{ID: "high"}
	below := &CacheEntry{ID: "below"}

	var best bestMatch
	best.offer(below, 0.5, 0.8)
	assert.Nil(t, best.entry)

	best.offer(low, 0.81, 0.8)
	best.offer(high, 0.95, 0.8)
	best.offer(low, 0.9, 0.8)
	assert.Equal(t, "high", best.entry.ID)
	assert.Equal(t, 0.95, best.similarity)

	t.Run("threshold is inclusive", func(t *testing.T) {
		var b bestMatch
		b.offer(low, 0.8, 0.8)
		assert.Equal(t, low, b.entry)
	})
}
