package cache

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
	"github.com/developer-mesh/semantic-cache/pkg/resilience"
)

// Manager is the semantic cache. It orchestrates the in-process Tier 1 and
// the optional durable Tier 2, and keeps statistics.
//
// Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	config   atomic.Pointer[Config]
	updateMu sync.Mutex

	// dims is the embedding size; 0 until learned when not configured
	dims           atomic.Int64
	dimsConfigured bool

	tier1    *memoryTier
	tier2    *DurableTier
	stats    *statsCollector
	clusters *clusterer

	// epoch advances on every invalidation, delete and clear. A Tier 2 read
	// that overlapped one is not promoted or written back. epochMu orders
	// the advance against promotions into Tier 1.
	epoch   atomic.Uint64
	epochMu sync.RWMutex

	// tier2ErrorBase is the Tier 2 failure count at the last Clear
	tier2ErrorBase atomic.Int64

	normalizer QueryNormalizer
	validator  *QueryValidator
	logger     *SafeLogger
	metrics    observability.MetricsClient

	flights singleflight.Group

	ctx         context.Context
	cancel      context.CancelFunc
	reschedule  chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// NewManager creates a cache over store. A nil store gives a Tier-1-only
// cache. A nil cfg uses DefaultConfig().
func NewManager(store Store, cfg *Config, logger observability.Logger, metrics observability.MetricsClient) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewLogger("semantic_cache")
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	config := *cfg
	tier1, err := newMemoryTier(config.MaxTier1Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dimsConfigured: config.Dimensions > 0,
		tier1:          tier1,
		stats:          newStatsCollector(metrics),
		clusters:       newClusterer(config.ClusterThreshold, config.MaxClusters),
		normalizer:     NewQueryNormalizer(),
		validator:      NewQueryValidator(0),
		logger:         NewSafeLogger(logger, config.LogQueries),
		metrics:        metrics,
		ctx:            ctx,
		cancel:         cancel,
		reschedule:     make(chan struct{}, 1),
		janitorDone:    make(chan struct{}),
	}
	m.config.Store(&config)
	m.dims.Store(int64(config.Dimensions))

	if store != nil {
		m.tier2 = NewDurableTier(store, DurableTierOptions{
			Timeout:         config.Tier2Timeout,
			MaxSize:         config.MaxTier2Size,
			BatchEvictCount: config.BatchEvictCount,
			Workers:         config.Tier2Workers,
			QueueSize:       config.Tier2QueueSize,
			Breaker:         resilience.DefaultCircuitBreakerConfig(),
			Retry:           resilience.DefaultRetryConfig(),
			FailureLogLimit: 1,
			OnEvict: func(n int) {
				m.stats.recordEvictions(Tier2, n)
			},
		}, m.logger.WithPrefix("tier2"), metrics)
	}

	SafeGo(m.logger, "janitor", m.runJanitor)

	return m, nil
}

// Config returns a copy of the current configuration
func (m *Manager) Config() Config {
	return *m.config.Load()
}

func (m *Manager) cfg() *Config {
	return m.config.Load()
}

// HasDurableTier reports whether a Tier 2 store is configured
func (m *Manager) HasDurableTier() bool {
	return m.tier2 != nil
}

// Get returns the cached answer for a query, or nil on a miss. Tier 1 is
// tried first; a Tier 2 hit is promoted into Tier 1. Tier 2 failures are
// treated as misses. When the cache is disabled Get returns nil without
// counting anything.
func (m *Manager) Get(ctx context.Context, query string, embedding []float32) (*Hit, error) {
	cfg := m.cfg()
	if !cfg.Enabled {
		return nil, nil
	}

	ctx, span := observability.TraceCache(ctx, "get")
	defer span.End()

	start := time.Now()
	key, err := m.prepare(query, embedding)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := time.Now()
	if entry, similarity, ok := m.tier1.get(key.id, embedding, cfg.SimilarityThreshold, cfg.SemanticMatching, now); ok {
		m.stats.recordTier1Hit(time.Since(start))
		span.SetAttribute(string(observability.CacheTierAttributeKey), Tier1.String())
		span.SetAttribute(string(observability.CacheSimilarityAttributeKey), similarity)
		m.logger.Debug("Cache hit", map[string]interface{}{
			"tier":       Tier1.String(),
			"id":         entry.ID,
			"similarity": similarity,
			"query":      key.query,
		})
		return &Hit{Entry: entry, Tier: Tier1, Similarity: similarity}, nil
	}

	if m.tier2 != nil {
		epoch := m.epoch.Load()
		entry, similarity, ok := m.tier2.Get(ctx, key.id, embedding, cfg.SimilarityThreshold, cfg.SemanticMatching, now)
		if ok {
			promoted, tier := m.promote(entry, cfg, epoch, time.Now())
			switch tier {
			case TierNone:
				m.logger.Debug("Dropped tier 2 hit invalidated during lookup", map[string]interface{}{
					"id":    entry.ID,
					"query": key.query,
				})
				m.stats.recordMiss(time.Since(start))
				span.SetAttribute(string(observability.CacheHitAttributeKey), false)
				return nil, nil
			case Tier1:
				m.stats.recordTier1Hit(time.Since(start))
				span.SetAttribute(string(observability.CacheTierAttributeKey), Tier1.String())
				return &Hit{Entry: promoted, Tier: Tier1, Similarity: CosineSimilarity(embedding, promoted.QueryEmbedding)}, nil
			}
			m.stats.recordTier2Hit(time.Since(start))
			span.SetAttribute(string(observability.CacheTierAttributeKey), Tier2.String())
			span.SetAttribute(string(observability.CacheSimilarityAttributeKey), similarity)
			m.logger.Debug("Cache hit", map[string]interface{}{
				"tier":       Tier2.String(),
				"id":         promoted.ID,
				"similarity": similarity,
				"query":      key.query,
			})
			return &Hit{Entry: promoted, Tier: Tier2, Similarity: similarity}, nil
		}
	}

	m.stats.recordMiss(time.Since(start))
	span.SetAttribute(string(observability.CacheHitAttributeKey), false)
	return nil, nil
}

// promote copies a Tier 2 hit into Tier 1 and queues the write-back of its
// bookkeeping. The copy keeps the original creation time, so promotion never
// extends liveness, restarts the hit count at 1 and discounts confidence.
//
// It returns a snapshot and the tier that served it: Tier2 after a
// promotion, Tier1 when Tier 1 already holds a version of the entry at least
// as new, and TierNone when an invalidation, delete or clear advanced the
// epoch since the Tier 2 read began.
func (m *Manager) promote(entry *CacheEntry, cfg *Config, epoch uint64, now time.Time) (*CacheEntry, Tier) {
	m.epochMu.RLock()
	defer m.epochMu.RUnlock()
	if m.epoch.Load() != epoch {
		return nil, TierNone
	}

	promoted := entry.Clone()
	promoted.Metadata.Hits = 1
	promoted.Metadata.LastAccessed = now
	promoted.Metadata.Confidence = entry.Metadata.Confidence * cfg.PromotionConfidenceFactor

	snapshot := promoted.Clone()
	held, added, evicted := m.tier1.promote(promoted, now)
	if evicted {
		m.stats.recordEvictions(Tier1, 1)
	}
	if !added {
		return held, Tier1
	}
	m.tier2.Touch(entry)
	m.stats.recordPromotion()
	return snapshot, Tier2
}

// advanceEpoch marks the start of an invalidation, delete or clear
func (m *Manager) advanceEpoch() {
	m.epochMu.Lock()
	m.epoch.Add(1)
	m.epochMu.Unlock()
}

// Set caches results for a query with the default TTL. Tier 1 is written
// before Set returns; the Tier 2 write is queued.
func (m *Manager) Set(ctx context.Context, query string, embedding []float32, results []SearchResult, documentIDs []string) error {
	_, err := m.set(ctx, query, embedding, results, documentIDs, 0)
	return err
}

// SetWithTTL is Set with an explicit lifetime. A non-positive ttl uses the
// default.
func (m *Manager) SetWithTTL(ctx context.Context, query string, embedding []float32, results []SearchResult, documentIDs []string, ttl time.Duration) error {
	_, err := m.set(ctx, query, embedding, results, documentIDs, ttl)
	return err
}

func (m *Manager) set(ctx context.Context, query string, embedding []float32, results []SearchResult, documentIDs []string, ttl time.Duration) (*CacheEntry, error) {
	cfg := m.cfg()
	if !cfg.Enabled {
		return nil, nil
	}

	_, span := observability.TraceCache(ctx, "set")
	defer span.End()

	key, err := m.prepare(query, embedding)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := validateResults(results); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := m.learnDimensions(len(embedding)); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if ttl <= 0 {
		ttl = cfg.DefaultTTL
	}
	now := time.Now()
	entry := &CacheEntry{
		ID:             key.id,
		Query:          key.query,
		QueryEmbedding: append([]float32(nil), embedding...),
		Results:        cloneResults(results),
		Metadata: EntryMetadata{
			Timestamp:    now,
			LastAccessed: now,
			Hits:         0,
			TTL:          ttl,
			DocumentIDs:  normalizeDocumentIDs(documentIDs),
			Confidence:   1.0,
			ClusterID:    -1,
		},
	}
	if cfg.EnableClustering {
		entry.Metadata.ClusterID = m.clusters.assign(entry.QueryEmbedding)
	}

	snapshot := entry.Clone()
	if m.tier2 != nil {
		m.tier2.Put(entry)
	}
	if m.tier1.put(entry) {
		m.stats.recordEvictions(Tier1, 1)
	}
	m.metrics.RecordCacheOperation("set", true, time.Since(now).Seconds())

	m.logger.Debug("Cache entry stored", map[string]interface{}{
		"id":        key.id,
		"results":   len(results),
		"documents": len(snapshot.Metadata.DocumentIDs),
		"ttl":       ttl.String(),
		"query":     key.query,
	})
	return snapshot, nil
}

// InvalidateByDocuments removes every entry, in both tiers, whose results were
// built from any of documentIDs and returns how many distinct entries went.
// Callers that update documents must call it; the cache cannot detect stale
// content on its own.
func (m *Manager) InvalidateByDocuments(ctx context.Context, documentIDs []string) int {
	docs := make(map[string]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		if id != "" {
			docs[id] = struct{}{}
		}
	}
	if len(docs) == 0 {
		return 0
	}

	ctx, span := observability.TraceCache(ctx, "invalidate")
	defer span.End()

	m.advanceEpoch()
	removed := make(map[string]struct{})
	for _, id := range m.tier1.evictByDocuments(docs) {
		removed[id] = struct{}{}
	}
	if m.tier2 != nil {
		for _, id := range m.tier2.InvalidateDocuments(ctx, docs) {
			removed[id] = struct{}{}
		}
	}

	m.stats.recordInvalidations(len(removed))
	span.SetAttribute("cache.invalidated", len(removed))
	m.logger.Info("Invalidated cache entries", map[string]interface{}{
		"documents": len(docs),
		"removed":   len(removed),
	})
	return len(removed)
}

// Delete removes the entry for a query from both tiers
func (m *Manager) Delete(ctx context.Context, query string, embedding []float32) error {
	ctx, span := observability.TraceCache(ctx, "delete")
	defer span.End()

	key, err := m.prepare(query, embedding)
	if err != nil {
		span.RecordError(err)
		return err
	}
	m.advanceEpoch()
	m.tier1.delete(key.id)
	if m.tier2 != nil {
		m.tier2.Delete(ctx, key.id)
	}
	return nil
}

// Clear empties both tiers and resets statistics and clusters. A learned
// embedding size is forgotten.
func (m *Manager) Clear(ctx context.Context) {
	ctx, span := observability.TraceCache(ctx, "clear")
	defer span.End()

	m.advanceEpoch()
	m.tier1.clear()
	if m.tier2 != nil {
		m.tier2.Clear(ctx)
		m.tier2ErrorBase.Store(m.tier2.Failures())
	}
	m.stats.reset()
	m.clusters.reset()
	if !m.dimsConfigured {
		m.dims.Store(0)
	}
	m.logger.Info("Cache cleared", nil)
}

// GetStats returns a statistics snapshot. The Tier 2 entry count is read
// with the tier timeout and falls back to the last known value.
func (m *Manager) GetStats(ctx context.Context) CacheStats {
	stats := m.stats.snapshot()
	stats.Tier1Entries = m.tier1.len()
	if m.tier2 != nil {
		stats.Tier2Entries = m.tier2.Count(ctx)
		stats.Tier2Errors = m.tier2.Failures() - m.tier2ErrorBase.Load()
	}
	stats.Clusters = m.clusters.len()
	stats.Enabled = m.cfg().Enabled

	m.metrics.RecordGauge("entries", float64(stats.Tier1Entries), map[string]string{"tier": Tier1.String()})
	m.metrics.RecordGauge("entries", float64(stats.Tier2Entries), map[string]string{"tier": Tier2.String()})
	m.metrics.RecordGauge("hit_rate", stats.HitRate, nil)
	return stats
}

// UpdateConfig applies a partial configuration without restarting. Tier 1 is
// resized in place; shrinking it evicts the least recently accessed entries.
func (m *Manager) UpdateConfig(update ConfigUpdate) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	current := m.cfg()
	next := current.apply(update)
	if err := next.Validate(); err != nil {
		return err
	}
	m.config.Store(&next)

	if next.MaxTier1Size != current.MaxTier1Size {
		m.stats.recordEvictions(Tier1, m.tier1.resize(next.MaxTier1Size))
	}
	if m.tier2 != nil {
		m.tier2.SetMaxSize(next.MaxTier2Size)
		m.tier2.SetBatchEvictCount(next.BatchEvictCount)
		m.tier2.SetTimeout(next.Tier2Timeout)
	}
	m.clusters.configure(next.ClusterThreshold, next.MaxClusters)
	m.logger.SetLogQueries(next.LogQueries)
	if next.CleanupInterval != current.CleanupInterval {
		select {
		case m.reschedule <- struct{}{}:
		default:
		}
	}

	m.logger.Info("Cache configuration updated", map[string]interface{}{
		"enabled":           next.Enabled,
		"semantic_matching": next.SemanticMatching,
		"threshold":         next.SimilarityThreshold,
		"default_ttl":       next.DefaultTTL.String(),
		"max_tier1_size":    next.MaxTier1Size,
		"max_tier2_size":    next.MaxTier2Size,
	})
	return nil
}

// GetOrCompute returns the cached answer for a query or runs pipeline and
// caches its output. Concurrent misses for the same entry share one pipeline
// call. Pipeline errors are returned and nothing is cached.
func (m *Manager) GetOrCompute(ctx context.Context, query string, embedding []float32, pipeline Pipeline) (*Hit, error) {
	hit, err := m.Get(ctx, query, embedding)
	if err != nil || hit != nil {
		return hit, err
	}

	if !m.cfg().Enabled {
		results, documentIDs, err := pipeline(ctx, query)
		if err != nil {
			return nil, err
		}
		return &Hit{
			Entry: &CacheEntry{
				Query:    query,
				Results:  results,
				Metadata: EntryMetadata{DocumentIDs: documentIDs, ClusterID: -1},
			},
			Tier: TierNone,
		}, nil
	}

	key, err := m.prepare(query, embedding)
	if err != nil {
		return nil, err
	}

	v, err, _ := m.flights.Do(key.id, func() (interface{}, error) {
		// A flight that finished between our miss and now already stored it
		if entry := m.tier1.peek(key.id, time.Now()); entry != nil {
			return &Hit{Entry: entry, Tier: Tier1, Similarity: 1}, nil
		}

		results, documentIDs, err := pipeline(ctx, query)
		if err != nil {
			return nil, err
		}
		entry, err := m.set(ctx, query, embedding, results, documentIDs, 0)
		if err != nil {
			return nil, err
		}
		return &Hit{Entry: entry, Tier: TierNone, Similarity: 1}, nil
	})
	if err != nil {
		return nil, err
	}

	shared := v.(*Hit)
	return &Hit{Entry: shared.Entry.Clone(), Tier: shared.Tier, Similarity: shared.Similarity}, nil
}

// Warm loads up to n of the most recently accessed live Tier 2 entries into
// Tier 1, keeping their stored bookkeeping. It is meant for an empty Tier 1
// after a restart and skips ids Tier 1 already holds. It returns how many
// entries were loaded.
func (m *Manager) Warm(ctx context.Context, n int) int {
	if m.tier2 == nil || n <= 0 {
		return 0
	}
	cfg := m.cfg()
	if n > cfg.MaxTier1Size {
		n = cfg.MaxTier1Size
	}

	ctx, span := observability.TraceCache(ctx, "warm")
	defer span.End()

	epoch := m.epoch.Load()
	entries := m.tier2.Recent(ctx, n, time.Now())
	loaded := m.warmFrom(entries, epoch)

	m.logger.Info("Cache warmed from tier 2", map[string]interface{}{
		"requested": n,
		"loaded":    loaded,
	})
	return loaded
}

// warmFrom puts entries into Tier 1, oldest first so the most recent one
// ends up most recently used. It stops when the epoch moved since the read.
func (m *Manager) warmFrom(entries []*CacheEntry, epoch uint64) int {
	m.epochMu.RLock()
	defer m.epochMu.RUnlock()
	if m.epoch.Load() != epoch {
		return 0
	}

	loaded := 0
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if m.tier1.contains(entry.ID) {
			continue
		}
		if ValidateEmbedding(entry.QueryEmbedding, 0) != nil || m.learnDimensions(len(entry.QueryEmbedding)) != nil {
			continue
		}
		if m.tier1.put(entry) {
			m.stats.recordEvictions(Tier1, 1)
		}
		loaded++
	}
	return loaded
}

// Ping checks the durable tier; a Tier-1-only cache is always ready
func (m *Manager) Ping(ctx context.Context) error {
	if m.tier2 == nil {
		return nil
	}
	return m.tier2.Ping(ctx)
}

// Close stops the janitor and drains queued Tier 2 writes before closing the
// store. Tier 1 keeps serving after Close.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.janitorDone
		if m.tier2 != nil {
			m.closeErr = m.tier2.Close(ctx)
		}
	})
	return m.closeErr
}

type lookupKey struct {
	id    string
	query string
}

// prepare validates a query and embedding and derives the entry id. The id
// covers the whole normalized query; only the stored text is truncated.
func (m *Manager) prepare(query string, embedding []float32) (lookupKey, error) {
	cleaned := m.validator.Clean(query)
	normalized := m.normalizer.Normalize(cleaned)
	if normalized == "" {
		return lookupKey{}, fmt.Errorf("%w: query is empty after normalization", ErrInvalidQuery)
	}
	if err := ValidateEmbedding(embedding, int(m.dims.Load())); err != nil {
		return lookupKey{}, err
	}
	return lookupKey{
		id:    EntryID(normalized, embedding, m.cfg().DigestComponents),
		query: m.validator.Truncate(cleaned),
	}, nil
}

// learnDimensions fixes the embedding size on first use, or checks n against it
func (m *Manager) learnDimensions(n int) error {
	if m.dims.CompareAndSwap(0, int64(n)) {
		return nil
	}
	if want := int(m.dims.Load()); want != n {
		return fmt.Errorf("%w: expected %d dimensions, got %d", ErrDimensionMismatch, want, n)
	}
	return nil
}

func validateResults(results []SearchResult) error {
	for i, r := range results {
		if r.ID == "" {
			return fmt.Errorf("%w: result %d has an empty id", ErrInvalidEntry, i)
		}
		score := float64(r.Score)
		if math.IsNaN(score) || math.IsInf(score, 0) {
			return fmt.Errorf("%w: result %q has score %v", ErrInvalidEntry, r.ID, r.Score)
		}
	}
	return nil
}

// normalizeDocumentIDs returns the sorted distinct non-empty ids
func normalizeDocumentIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
