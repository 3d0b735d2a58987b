package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

func vec(xs ...float32) []float32 { return xs }

func boolPtr(b bool) *bool                         { return &b }
func intPtr(i int) *int                            { return &i }
func floatPtr(f float64) *float64                  { return &f }
func durationPtr(d time.Duration) *time.Duration { return &d }

func TestNewManager(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		m := newTestManager(t, nil, nil)
		assert.False(t, m.HasDurableTier())
		assert.Equal(t, 0.85, m.Config().SimilarityThreshold)
		assert.NoError(t, m.Ping(context.Background()))
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.SimilarityThreshold = 1.5
		m, err := NewManager(nil, cfg, observability.NewNoopLogger(), nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Nil(t, m)
	})

	t.Run("config is copied", func(t *testing.T) {
		cfg := testConfig()
		m, err := NewManager(nil, cfg, observability.NewNoopLogger(), nil)
		require.NoError(t, err)
		defer func() { _ = m.Close(context.Background()) }()

		cfg.SimilarityThreshold = 0.1
		assert.Equal(t, 0.85, m.Config().SimilarityThreshold)
	})
}

func TestManagerSetThenGet(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "What is Go?", vec(1, 0, 0), results("doc-a"), []string{"d1"}))

	hit, err := m.Get(ctx, "what is go", vec(1, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, Tier1, hit.Tier)
	assert.Equal(t, "doc-a", hit.Results()[0].ID)
	assert.Equal(t, "What is Go?", hit.Entry.Query)
	assert.Equal(t, int64(1), hit.Entry.Metadata.Hits)
	assert.Equal(t, 1.0, hit.Entry.Metadata.Confidence)
	assert.Equal(t, -1, hit.Entry.Metadata.ClusterID)

	miss, err := m.Get(ctx, "something else", vec(0, 1, 0))
	require.NoError(t, err)
	assert.Nil(t, miss)

	stats := m.GetStats(ctx)
	assert.Equal(t, int64(1), stats.Tier1Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.TotalQueries)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, 1, stats.Tier1Entries)
	assert.True(t, stats.Enabled)
}

func TestManagerIdempotentOverwrite(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "query", vec(1, 2, 3), results("first"), nil))
	require.NoError(t, m.Set(ctx, "query", vec(1, 2, 3), results("second"), nil))

	stats := m.GetStats(ctx)
	assert.Equal(t, 1, stats.Tier1Entries)
	assert.Zero(t, stats.Evictions)

	hit, err := m.Get(ctx, "query", vec(1, 2, 3))
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "second", hit.Results()[0].ID)
}

func TestManagerThresholdBoundary(t *testing.T) {
	stored := vec(1, 0, 0, 0)
	lookup := vec(0.8, 0.6, 0, 0)
	sim := CosineSimilarity(lookup, stored)

	tests := []struct {
		name      string
		threshold float64
		hit       bool
	}{
		{"exactly at threshold", sim, true},
		{"just above similarity", math.Nextafter(sim, 2), false},
		{"well below", sim - 0.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, nil, func(c *Config) { c.SimilarityThreshold = tt.threshold })
			ctx := context.Background()
			require.NoError(t, m.Set(ctx, "stored query", stored, results("r"), nil))

			hit, err := m.Get(ctx, "lookup query", lookup)
			require.NoError(t, err)
			if tt.hit {
				require.NotNil(t, hit)
				assert.InDelta(t, sim, hit.Similarity, 1e-12)
			} else {
				assert.Nil(t, hit)
			}
		})
	}
}

func TestManagerTTLExpiry(t *testing.T) {
	m := newTestManager(t, nil, func(c *Config) { c.DefaultTTL = 100 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short lived", vec(1, 0), results("r"), nil))
	hit, err := m.Get(ctx, "short lived", vec(1, 0))
	require.NoError(t, err)
	require.NotNil(t, hit)

	time.Sleep(150 * time.Millisecond)

	hit, err = m.Get(ctx, "short lived", vec(1, 0))
	require.NoError(t, err)
	assert.Nil(t, hit)
	assert.Equal(t, 0, m.GetStats(ctx).Tier1Entries)

	t.Run("explicit ttl", func(t *testing.T) {
		require.NoError(t, m.SetWithTTL(ctx, "long lived", vec(0, 1), results("r"), nil, time.Hour))
		time.Sleep(150 * time.Millisecond)
		hit, err := m.Get(ctx, "long lived", vec(0, 1))
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, time.Hour, hit.Entry.Metadata.TTL)
	})

	t.Run("non-positive ttl uses the default", func(t *testing.T) {
		require.NoError(t, m.SetWithTTL(ctx, "default", vec(1, 1), results("r"), nil, 0))
		hit, err := m.Get(ctx, "default", vec(1, 1))
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, 100*time.Millisecond, hit.Entry.Metadata.TTL)
	})
}

func TestManagerCapacityEviction(t *testing.T) {
	m := newTestManager(t, nil, func(c *Config) {
		c.MaxTier1Size = 2
		c.SemanticMatching = false
	})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", vec(1, 0, 0), results("a"), nil))
	require.NoError(t, m.Set(ctx, "b", vec(0, 1, 0), results("b"), nil))

	// Touch a so b has the oldest LastAccessed
	hit, err := m.Get(ctx, "a", vec(1, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, hit)

	require.NoError(t, m.Set(ctx, "c", vec(0, 0, 1), results("c"), nil))

	stats := m.GetStats(ctx)
	assert.Equal(t, 2, stats.Tier1Entries)
	assert.Equal(t, int64(1), stats.Evictions)

	for query, emb := range map[string][]float32{"a": vec(1, 0, 0), "c": vec(0, 0, 1)} {
		hit, err := m.Get(ctx, query, emb)
		require.NoError(t, err)
		assert.NotNil(t, hit, query)
	}
	hit, err = m.Get(ctx, "b", vec(0, 1, 0))
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestManagerInvalidateByDocuments(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, func(c *Config) { c.SemanticMatching = false })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "q1", vec(1, 0, 0), results("r1"), []string{"doc-1", "doc-2"}))
	require.NoError(t, m.Set(ctx, "q2", vec(0, 1, 0), results("r2"), []string{"doc-2"}))
	require.NoError(t, m.Set(ctx, "q3", vec(0, 0, 1), results("r3"), []string{"doc-3"}))

	removed := m.InvalidateByDocuments(ctx, []string{"doc-2", "doc-9", ""})
	assert.Equal(t, 2, removed)

	for _, q := range []struct {
		query string
		emb   []float32
		hit   bool
	}{
		{"q1", vec(1, 0, 0), false},
		{"q2", vec(0, 1, 0), false},
		{"q3", vec(0, 0, 1), true},
	} {
		hit, err := m.Get(ctx, q.query, q.emb)
		require.NoError(t, err)
		assert.Equal(t, q.hit, hit != nil, q.query)
	}

	flushTier2(t, m)
	assert.Equal(t, 1, store.len())
	assert.Equal(t, int64(2), m.GetStats(ctx).Invalidations)

	assert.Zero(t, m.InvalidateByDocuments(ctx, nil))
}

func TestManagerPromotion(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "promote me", vec(1, 0, 0), results("r"), []string{"doc-1"}))
	flushTier2(t, m)
	stored := store.get(EntryID("promote me", vec(1, 0, 0), 8))
	require.NotNil(t, stored)

	// Simulate a restart of the in-process tier
	m.tier1.clear()

	hit, err := m.Get(ctx, "promote me", vec(1, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, Tier2, hit.Tier)
	assert.Equal(t, stored.ID, hit.Entry.ID)
	assert.Equal(t, int64(1), hit.Entry.Metadata.Hits)
	assert.InDelta(t, 0.95, hit.Entry.Metadata.Confidence, 1e-12)
	assert.True(t, stored.Metadata.Timestamp.Equal(hit.Entry.Metadata.Timestamp), "promotion keeps the creation time")
	assert.Equal(t, []string{"doc-1"}, hit.Entry.Metadata.DocumentIDs)

	again, err := m.Get(ctx, "promote me", vec(1, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, Tier1, again.Tier)
	assert.Equal(t, int64(2), again.Entry.Metadata.Hits)

	stats := m.GetStats(ctx)
	assert.Equal(t, int64(1), stats.Tier1Hits)
	assert.Equal(t, int64(1), stats.Tier2Hits)
	assert.Equal(t, int64(1), stats.Promotions)
	assert.Equal(t, 1, stats.Tier2Entries)

	t.Run("promotion factor is tunable", func(t *testing.T) {
		require.NoError(t, m.UpdateConfig(ConfigUpdate{PromotionConfidenceFactor: floatPtr(0.5)}))
		m.tier1.clear()
		hit, err := m.Get(ctx, "promote me", vec(1, 0, 0))
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.InDelta(t, 0.5, hit.Entry.Metadata.Confidence, 1e-12)
	})
}

func TestManagerPromotionDoesNotExtendLiveness(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, func(c *Config) { c.DefaultTTL = 150 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "q", vec(1, 0), results("r"), nil))
	flushTier2(t, m)
	m.tier1.clear()

	time.Sleep(50 * time.Millisecond)
	hit, err := m.Get(ctx, "q", vec(1, 0))
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, Tier2, hit.Tier)

	time.Sleep(150 * time.Millisecond)
	hit, err = m.Get(ctx, "q", vec(1, 0))
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestManagerBestMatch(t *testing.T) {
	m := newTestManager(t, nil, func(c *Config) { c.SimilarityThreshold = 0.8 })
	ctx := context.Background()

	// Inserted first, so a first-match scan would see it before the closer one
	require.NoError(t, m.Set(ctx, "good", vec(1, 0.4, 0), results("good"), nil))
	require.NoError(t, m.Set(ctx, "better", vec(1, 0.05, 0), results("better"), nil))

	hit, err := m.Get(ctx, "lookup", vec(1, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "better", hit.Results()[0].ID)
	assert.Greater(t, hit.Similarity, CosineSimilarity(vec(1, 0, 0), vec(1, 0.4, 0)))
}

func TestManagerSemanticToggle(t *testing.T) {
	m := newTestManager(t, nil, func(c *Config) { c.SemanticMatching = false })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "stored", vec(1, 0, 0), results("r"), nil))

	hit, err := m.Get(ctx, "different words", vec(1, 0, 0))
	require.NoError(t, err)
	assert.Nil(t, hit, "exact-id only")

	hit, err = m.Get(ctx, "stored", vec(1, 0, 0))
	require.NoError(t, err)
	assert.NotNil(t, hit)

	require.NoError(t, m.UpdateConfig(ConfigUpdate{SemanticMatching: boolPtr(true)}))
	hit, err = m.Get(ctx, "different words", vec(1, 0, 0))
	require.NoError(t, err)
	assert.NotNil(t, hit)
}

func TestManagerDisabled(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "kept", vec(1, 0), results("r"), nil))
	require.NoError(t, m.UpdateConfig(ConfigUpdate{Enabled: boolPtr(false)}))

	hit, err := m.Get(ctx, "kept", vec(1, 0))
	require.NoError(t, err)
	assert.Nil(t, hit)

	// Disabled calls are not validated or counted
	hit, err = m.Get(ctx, "", nil)
	require.NoError(t, err)
	assert.Nil(t, hit)
	require.NoError(t, m.Set(ctx, "ignored", vec(0, 1), results("r"), nil))

	stats := m.GetStats(ctx)
	assert.Zero(t, stats.TotalQueries)
	assert.Equal(t, 1, stats.Tier1Entries)
	assert.False(t, stats.Enabled)

	t.Run("pipeline still runs", func(t *testing.T) {
		hit, err := m.GetOrCompute(ctx, "computed", vec(1, 1), func(context.Context, string) ([]SearchResult, []string, error) {
			return results("fresh"), []string{"doc"}, nil
		})
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, TierNone, hit.Tier)
		assert.Equal(t, "fresh", hit.Results()[0].ID)
	})

	require.NoError(t, m.UpdateConfig(ConfigUpdate{Enabled: boolPtr(true)}))
	hit, err = m.Get(ctx, "kept", vec(1, 0))
	require.NoError(t, err)
	assert.NotNil(t, hit)
	hit, err = m.Get(ctx, "ignored", vec(0, 1))
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestManagerRejectsInvalidInput(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "three dims", vec(1, 0, 0), results("r"), nil))

	tests := []struct {
		name string
		call func() error
		err  error
	}{
		{"get dimension mismatch", func() error {
			_, err := m.Get(ctx, "q", vec(1, 0, 0, 0))
			return err
		}, ErrDimensionMismatch},
		{"set dimension mismatch", func() error {
			return m.Set(ctx, "q", vec(1, 0), results("r"), nil)
		}, ErrDimensionMismatch},
		{"empty query", func() error {
			_, err := m.Get(ctx, "  ?! ", vec(1, 0, 0))
			return err
		}, ErrInvalidQuery},
		{"empty embedding", func() error {
			return m.Set(ctx, "q", nil, results("r"), nil)
		}, ErrInvalidEmbedding},
		{"nan embedding", func() error {
			_, err := m.Get(ctx, "q", vec(1, float32(math.NaN()), 0))
			return err
		}, ErrInvalidEmbedding},
		{"result without id", func() error {
			return m.Set(ctx, "q", vec(1, 0, 0), []SearchResult{{Content: "x"}}, nil)
		}, ErrInvalidEntry},
		{"nan score", func() error {
			return m.Set(ctx, "q", vec(1, 0, 0), []SearchResult{{ID: "x", Score: float32(math.NaN())}}, nil)
		}, ErrInvalidEntry},
		{"delete dimension mismatch", func() error {
			return m.Delete(ctx, "q", vec(1))
		}, ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.err)
		})
	}

	stats := m.GetStats(ctx)
	assert.Zero(t, stats.TotalQueries)
	assert.Equal(t, 1, stats.Tier1Entries)
}

func TestManagerLearnsDimensionsAgainAfterClear(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "q", vec(1, 0, 0), results("r"), nil))
	m.Clear(ctx)
	require.NoError(t, m.Set(ctx, "q", vec(1, 0), results("r"), nil))

	t.Run("configured dimensions are fixed", func(t *testing.T) {
		fixed := newTestManager(t, nil, func(c *Config) { c.Dimensions = 3 })
		assert.ErrorIs(t, fixed.Set(ctx, "q", vec(1, 0), results("r"), nil), ErrDimensionMismatch)
		fixed.Clear(ctx)
		assert.ErrorIs(t, fixed.Set(ctx, "q", vec(1, 0), results("r"), nil), ErrDimensionMismatch)
	})
}

func TestManagerConcurrency(t *testing.T) {
	const n = 64
	m := newTestManager(t, newMemStore(), func(c *Config) { c.MaxTier1Size = n * 2 })
	ctx := context.Background()

	embedding := func(i int) []float32 {
		v := make([]float32, 8)
		v[i%8] = 1
		v[(i/8)%8] += float32(i) / n
		return v
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return m.Set(gctx, fmt.Sprintf("query %d", i), embedding(i), results(fmt.Sprintf("r%d", i)), nil)
		})
	}
	require.NoError(t, g.Wait())

	var hits atomic.Int64
	g, gctx = errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			hit, err := m.Get(gctx, fmt.Sprintf("query %d", i), embedding(i))
			if err != nil {
				return err
			}
			if hit != nil {
				hits.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(n), hits.Load())
	stats := m.GetStats(ctx)
	assert.Equal(t, int64(n), stats.Tier1Hits)
	assert.Equal(t, int64(n), stats.TotalQueries)
	assert.Equal(t, stats.Tier1Hits+stats.Tier2Hits+stats.Misses, stats.TotalQueries)
	assert.Equal(t, n, stats.Tier1Entries)
}

func TestManagerConcurrentMixedOperations(t *testing.T) {
	m := newTestManager(t, newMemStore(), func(c *Config) { c.MaxTier1Size = 16 })
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				q := fmt.Sprintf("q%d", (w*50+i)%32)
				emb := vec(1, float32((w*50+i)%32), 0)
				switch i % 5 {
				case 0:
					m.InvalidateByDocuments(gctx, []string{q})
				case 1:
					_ = m.GetStats(gctx)
				case 2:
					if err := m.UpdateConfig(ConfigUpdate{MaxTier1Size: intPtr(8 + i%16)}); err != nil {
						return err
					}
				default:
					if err := m.Set(gctx, q, emb, results(q), []string{q}); err != nil {
						return err
					}
					if _, err := m.Get(gctx, q, emb); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats := m.GetStats(ctx)
	assert.Equal(t, stats.Tier1Hits+stats.Tier2Hits+stats.Misses, stats.TotalQueries)
	assert.LessOrEqual(t, stats.Tier1Entries, m.Config().MaxTier1Size)
}

func TestManagerGracefulDegradation(t *testing.T) {
	store := newFailingStore()
	m := newTestManager(t, store, func(c *Config) { c.Tier2Timeout = 50 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "q", vec(1, 0), results("r"), []string{"doc"}))

	hit, err := m.Get(ctx, "q", vec(1, 0))
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, Tier1, hit.Tier)

	hit, err = m.Get(ctx, "unknown", vec(0, 1))
	require.NoError(t, err)
	assert.Nil(t, hit)

	assert.Equal(t, 1, m.InvalidateByDocuments(ctx, []string{"doc"}))
	require.NoError(t, m.Delete(ctx, "q", vec(1, 0)))
	m.Clear(ctx)
	assert.Zero(t, m.Warm(ctx, 10))
	assert.Error(t, m.Ping(ctx))

	require.NoError(t, m.Set(ctx, "q2", vec(1, 1), results("r"), nil))
	flushTier2(t, m)
	stats := m.GetStats(ctx)
	assert.Greater(t, stats.Tier2Errors, int64(0))
	assert.Zero(t, stats.Tier2Entries)
}

func TestManagerTier2BatchEviction(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, func(c *Config) {
		c.MaxTier2Size = 5
		c.BatchEvictCount = 3
		c.Tier2Workers = 1
	})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("q%d", i), vec(1, float32(i)), results("r"), nil))
		flushTier2(t, m)
	}

	assert.Equal(t, 3, store.len())
	stats := m.GetStats(ctx)
	assert.Equal(t, int64(3), stats.Evictions)
	assert.Equal(t, 3, stats.Tier2Entries)
	assert.Equal(t, 6, stats.Tier1Entries)
	for i := 3; i < 6; i++ {
		assert.NotNil(t, store.get(EntryID(fmt.Sprintf("q%d", i), vec(1, float32(i)), 8)))
	}
}

func TestManagerDelete(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "q", vec(1, 0), results("r"), nil))
	require.NoError(t, m.Delete(ctx, "q", vec(1, 0)))

	hit, err := m.Get(ctx, "q", vec(1, 0))
	require.NoError(t, err)
	assert.Nil(t, hit)
	assert.Zero(t, store.len())
}

func TestManagerClear(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, func(c *Config) { c.EnableClustering = true })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "q", vec(1, 0), results("r"), nil))
	_, _ = m.Get(ctx, "q", vec(1, 0))
	assert.Equal(t, 1, m.GetStats(ctx).Clusters)

	m.Clear(ctx)

	stats := m.GetStats(ctx)
	assert.Zero(t, stats.TotalQueries)
	assert.Zero(t, stats.Tier1Entries)
	assert.Zero(t, stats.Tier2Entries)
	assert.Zero(t, stats.Clusters)
	assert.Zero(t, store.len())
}

func TestManagerClustering(t *testing.T) {
	m := newTestManager(t, nil, func(c *Config) {
		c.EnableClustering = true
		c.ClusterThreshold = 0.9
	})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", vec(1, 0, 0), results("a"), nil))
	require.NoError(t, m.Set(ctx, "a2", vec(1, 0.1, 0), results("a2"), nil))
	require.NoError(t, m.Set(ctx, "b", vec(0, 1, 0), results("b"), nil))

	a, _ := m.Get(ctx, "a", vec(1, 0, 0))
	a2, _ := m.Get(ctx, "a2", vec(1, 0.1, 0))
	b, _ := m.Get(ctx, "b", vec(0, 1, 0))
	require.NotNil(t, a)
	require.NotNil(t, a2)
	require.NotNil(t, b)

	assert.Equal(t, a.Entry.Metadata.ClusterID, a2.Entry.Metadata.ClusterID)
	assert.NotEqual(t, a.Entry.Metadata.ClusterID, b.Entry.Metadata.ClusterID)
	assert.Equal(t, 2, m.GetStats(ctx).Clusters)
}

func TestManagerUpdateConfig(t *testing.T) {
	m := newTestManager(t, newMemStore(), func(c *Config) { c.SemanticMatching = false })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("q%d", i), vec(1, float32(i)), results("r"), nil))
	}

	t.Run("shrinking tier 1 evicts the oldest", func(t *testing.T) {
		require.NoError(t, m.UpdateConfig(ConfigUpdate{MaxTier1Size: intPtr(2)}))
		stats := m.GetStats(ctx)
		assert.Equal(t, 2, stats.Tier1Entries)
		assert.Equal(t, int64(3), stats.Evictions)

		hit, err := m.Get(ctx, "q4", vec(1, 4))
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, Tier1, hit.Tier)
	})

	t.Run("invalid update is rejected", func(t *testing.T) {
		err := m.UpdateConfig(ConfigUpdate{SimilarityThreshold: floatPtr(2)})
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Equal(t, 0.85, m.Config().SimilarityThreshold)
		assert.Equal(t, 2, m.Config().MaxTier1Size)
	})

	t.Run("ttl applies to new entries", func(t *testing.T) {
		require.NoError(t, m.UpdateConfig(ConfigUpdate{DefaultTTL: durationPtr(time.Hour)}))
		require.NoError(t, m.Set(ctx, "new", vec(0, 1), results("r"), nil))
		hit, err := m.Get(ctx, "new", vec(0, 1))
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, time.Hour, hit.Entry.Metadata.TTL)
	})

	t.Run("update from a full config", func(t *testing.T) {
		cfg := m.Config()
		cfg.SimilarityThreshold = 0.7
		cfg.LogQueries = true
		require.NoError(t, m.UpdateConfig(UpdateFromConfig(&cfg)))
		assert.Equal(t, 0.7, m.Config().SimilarityThreshold)
		assert.True(t, m.Config().LogQueries)
	})
}

func TestManagerGetOrCompute(t *testing.T) {
	m := newTestManager(t, newMemStore(), nil)
	ctx := context.Background()

	var calls atomic.Int64
	release := make(chan struct{})
	pipeline := func(ctx context.Context, query string) ([]SearchResult, []string, error) {
		calls.Add(1)
		<-release
		return results("computed"), []string{"doc-1"}, nil
	}

	const callers = 10
	hits := make([]*Hit, callers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			hit, err := m.GetOrCompute(gctx, "expensive question", vec(1, 0, 0), pipeline)
			hits[i] = hit
			return err
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), calls.Load())
	for _, hit := range hits {
		require.NotNil(t, hit)
		assert.Equal(t, "computed", hit.Results()[0].ID)
	}
	hits[0].Entry.Results[0].ID = "mutated"
	assert.Equal(t, "computed", hits[1].Results()[0].ID, "callers get their own copies")

	hit, err := m.GetOrCompute(ctx, "expensive question", vec(1, 0, 0), pipeline)
	require.NoError(t, err)
	assert.Equal(t, Tier1, hit.Tier)
	assert.Equal(t, int64(1), calls.Load())

	t.Run("pipeline errors are returned and not cached", func(t *testing.T) {
		boom := errors.New("llm unavailable")
		failing := func(context.Context, string) ([]SearchResult, []string, error) {
			return nil, nil, boom
		}
		_, err := m.GetOrCompute(ctx, "failing question", vec(0, 1, 0), failing)
		assert.ErrorIs(t, err, boom)

		hit, err := m.Get(ctx, "failing question", vec(0, 1, 0))
		require.NoError(t, err)
		assert.Nil(t, hit)
	})
}

func TestManagerWarm(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	first := newTestManager(t, store, nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, first.Set(ctx, fmt.Sprintf("q%d", i), vec(1, float32(i), 0), results("r"), nil))
	}
	flushTier2(t, first)

	second := newTestManager(t, store, func(c *Config) { c.MaxTier1Size = 3 })
	assert.Equal(t, 3, second.Warm(ctx, 10))
	assert.Equal(t, 3, second.GetStats(ctx).Tier1Entries)

	hit, err := second.Get(ctx, "q3", vec(1, 3, 0))
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, Tier1, hit.Tier)
	assert.Zero(t, second.GetStats(ctx).Promotions)

	assert.Zero(t, second.Warm(ctx, 0))
	assert.Zero(t, newTestManager(t, nil, nil).Warm(ctx, 5))
}

func TestManagerJanitor(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, func(c *Config) {
		c.DefaultTTL = 30 * time.Millisecond
		c.CleanupInterval = 20 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "q", vec(1, 0), results("r"), nil))
	flushTier2(t, m)

	assert.Eventually(t, func() bool {
		return m.tier1.len() == 0 && store.len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("interval changes reschedule the janitor", func(t *testing.T) {
		require.NoError(t, m.UpdateConfig(ConfigUpdate{CleanupInterval: durationPtr(0)}))
		require.NoError(t, m.SetWithTTL(ctx, "q2", vec(0, 1), results("r"), nil, 10*time.Millisecond))
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, 1, m.tier1.len(), "sweeps are off")

		tier1, _ := m.sweep(time.Now())
		assert.Equal(t, 1, tier1)
	})
}

func TestManagerClose(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(store, testConfig(), observability.NewNoopLogger(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("q%d", i), vec(1, float32(i)), results("r"), nil))
	}
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 20, store.len(), "queued writes are drained")

	// Tier 1 keeps serving
	hit, err := m.Get(ctx, "q1", vec(1, 1))
	require.NoError(t, err)
	assert.NotNil(t, hit)
	assert.ErrorIs(t, m.Ping(ctx), ErrClosed)
}

func TestManagerLastSetWinsInTier2(t *testing.T) {
	store := &slowPutStore{memStore: newMemStore(), slowResult: "old", delay: 100 * time.Millisecond}
	m := newTestManager(t, store, func(c *Config) {
		c.Tier2Workers = 4
		c.Tier2Timeout = time.Second
	})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "rotate keys", vec(1, 0), results("old"), nil))
	require.NoError(t, m.Set(ctx, "rotate keys", vec(1, 0), results("new"), nil))
	flushTier2(t, m)

	restarted := newTestManager(t, store, nil)
	hit, err := restarted.Get(ctx, "rotate keys", vec(1, 0))
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, Tier2, hit.Tier)
	assert.Equal(t, "new", hit.Entry.Results[0].ID)
}

func TestManagerGetOverlappingRemoval(t *testing.T) {
	tests := []struct {
		name    string
		remove  func(ctx context.Context, m *Manager) int
		removed int
	}{
		{
			name: "invalidation",
			remove: func(ctx context.Context, m *Manager) int {
				return m.InvalidateByDocuments(ctx, []string{"doc-1"})
			},
			removed: 1,
		},
		{
			name: "delete",
			remove: func(ctx context.Context, m *Manager) int {
				if err := m.Delete(ctx, "stale answer", vec(1, 0)); err != nil {
					return -1
				}
				return 1
			},
			removed: 1,
		},
		{
			name: "clear",
			remove: func(ctx context.Context, m *Manager) int {
				m.Clear(ctx)
				return 1
			},
			removed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newHeldGetStore()
			m := newTestManager(t, store, func(c *Config) { c.Tier2Timeout = 5 * time.Second })
			ctx := context.Background()

			require.NoError(t, m.Set(ctx, "stale answer", vec(1, 0), results("r"), []string{"doc-1"}))
			flushTier2(t, m)
			id := EntryID("stale answer", vec(1, 0), 8)
			m.tier1.clear()

			store.hold.Store(true)
			type result struct {
				hit *Hit
				err error
			}
			done := make(chan result, 1)
			go func() {
				hit, err := m.Get(ctx, "stale answer", vec(1, 0))
				done <- result{hit, err}
			}()

			<-store.entered
			assert.Equal(t, tt.removed, tt.remove(ctx, m))
			close(store.release)

			got := <-done
			require.NoError(t, got.err)
			assert.Nil(t, got.hit, "a lookup that overlapped the removal is a miss")

			flushTier2(t, m)
			assert.Nil(t, store.get(id), "no write-back recreates the entry")
			assert.Equal(t, 0, m.tier1.len())

			hit, err := m.Get(ctx, "stale answer", vec(1, 0))
			require.NoError(t, err)
			assert.Nil(t, hit)
		})
	}
}

func TestManagerPromotionKeepsNewerTier1Entry(t *testing.T) {
	store := newHeldGetStore()
	m := newTestManager(t, store, func(c *Config) { c.Tier2Timeout = 5 * time.Second })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "q", vec(1, 0), results("v1"), nil))
	flushTier2(t, m)
	m.tier1.clear()

	store.hold.Store(true)
	done := make(chan *Hit, 1)
	go func() {
		hit, _ := m.Get(ctx, "q", vec(1, 0))
		done <- hit
	}()

	<-store.entered
	require.NoError(t, m.Set(ctx, "q", vec(1, 0), results("v2"), nil))
	flushTier2(t, m)
	close(store.release)

	hit := <-done
	require.NotNil(t, hit)
	assert.Equal(t, Tier1, hit.Tier)
	assert.Equal(t, "v2", hit.Entry.Results[0].ID)

	flushTier2(t, m)
	again, err := m.Get(ctx, "q", vec(1, 0))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "v2", again.Entry.Results[0].ID)
	assert.Equal(t, "v2", store.get(EntryID("q", vec(1, 0), 8)).Results[0].ID)
}

func TestManagerLongQueriesGetDistinctIDs(t *testing.T) {
	m := newTestManager(t, nil, func(c *Config) { c.SemanticMatching = false })
	ctx := context.Background()

	prefix := strings.Repeat("lorem ipsum ", 100)
	require.NoError(t, m.Set(ctx, prefix+"alpha", vec(1, 0), results("alpha"), nil))

	hit, err := m.Get(ctx, prefix+"beta", vec(1, 0))
	require.NoError(t, err)
	assert.Nil(t, hit, "queries that differ past the stored length are different entries")

	hit, err = m.Get(ctx, prefix+"alpha", vec(1, 0))
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, 1000, utf8.RuneCountInString(hit.Entry.Query))
}
