package cache

import (
	"math"
	"sync"
)

// clusterer groups query embeddings with online leader clustering. Each
// embedding joins the most similar centroid at or above the threshold and
// moves it by a running mean; otherwise it opens a new cluster, until
// maxClusters exist, after which the most similar centroid is always used.
// Assignment depends only on the order of inputs.
type clusterer struct {
	mu          sync.Mutex
	threshold   float64
	maxClusters int
	centroids   []centroid
}

type centroid struct {
	mean  []float64
	count int
}

func newClusterer(threshold float64, maxClusters int) *clusterer {
	return &clusterer{threshold: threshold, maxClusters: maxClusters}
}

// configure changes the threshold and cap; existing clusters are kept
func (c *clusterer) configure(threshold float64, maxClusters int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = threshold
	c.maxClusters = maxClusters
}

// assign returns the cluster id for v
func (c *clusterer) assign(v []float32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	best, bestSim := -1, math.Inf(-1)
	for i := range c.centroids {
		if len(c.centroids[i].mean) != len(v) {
			continue
		}
		sim := centroidSimilarity(c.centroids[i].mean, v)
		if sim > bestSim {
			best, bestSim = i, sim
		}
	}

	if best >= 0 && (bestSim >= c.threshold || len(c.centroids) >= c.maxClusters) {
		c.centroids[best].add(v)
		return best
	}
	if len(c.centroids) >= c.maxClusters {
		// Only dimension-mismatched centroids exist; nothing can be joined
		return -1
	}

	mean := make([]float64, len(v))
	for i, x := range v {
		mean[i] = float64(x)
	}
	c.centroids = append(c.centroids, centroid{mean: mean, count: 1})
	return len(c.centroids) - 1
}

func (c *clusterer) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.centroids)
}

func (c *clusterer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.centroids = nil
}

func (c *centroid) add(v []float32) {
	c.count++
	n := float64(c.count)
	for i, x := range v {
		c.mean[i] += (float64(x) - c.mean[i]) / n
	}
}

func centroidSimilarity(mean []float64, v []float32) float64 {
	var dot, normA, normB float64
	for i := range mean {
		y := float64(v[i])
		dot += mean[i] * y
		normA += mean[i] * mean[i]
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
