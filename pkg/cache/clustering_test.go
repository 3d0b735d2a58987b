package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClusterer(t *testing.T) {
	c := newClusterer(0.9, 3)

	a := c.assign([]float32{1, 0, 0})
	assert.Equal(t, 0, a)
	assert.Equal(t, a, c.assign([]float32{1, 0.1, 0}), "near vectors share a cluster")

	b := c.assign([]float32{0, 1, 0})
	assert.Equal(t, 1, b)
	assert.Equal(t, 2, c.assign([]float32{0, 0, 1}))
	assert.Equal(t, 3, c.len())

	t.Run("full clusterer joins the nearest centroid", func(t *testing.T) {
		assert.Equal(t, b, c.assign([]float32{0.2, 1, 0.3}))
		assert.Equal(t, 3, c.len())
	})

	t.Run("mismatched dimensions never join", func(t *testing.T) {
		assert.Equal(t, -1, c.assign([]float32{1, 0}))
	})

	t.Run("assignment is deterministic", func(t *testing.T) {
		inputs := [][]float32{{1, 0}, {0.9, 0.1}, {0, 1}, {0.1, 0.9}, {0.7, 0.7}}
		run := func() []int {
			cl := newClusterer(0.95, 10)
			out := make([]int, len(inputs))
			for i, v := range inputs {
				out[i] = cl.assign(v)
			}
			return out
		}
		assert.Equal(t, run(), run())
	})

	c.reset()
	assert.Equal(t, 0, c.len())

	c.configure(0.5, 1)
	assert.Equal(t, 0, c.assign([]float32{1, 0}))
	assert.Equal(t, 0, c.assign([]float32{0, 1}))
}
