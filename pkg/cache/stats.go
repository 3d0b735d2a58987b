package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

// latencySmoothing is the EMA weight of the newest latency sample
const latencySmoothing = 0.3

// statsCollector tracks cache counters. Counters are atomics; the latency
// EMA is guarded by a mutex. Every counter is mirrored to the metrics client.
type statsCollector struct {
	tier1Hits     atomic.Int64
	tier2Hits     atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	promotions    atomic.Int64
	invalidations atomic.Int64

	latencyMu   sync.Mutex
	avgLatency  float64 // seconds
	latencySeen bool

	metrics observability.MetricsClient
}

func newStatsCollector(metrics observability.MetricsClient) *statsCollector {
	return &statsCollector{metrics: metrics}
}

func (s *statsCollector) recordTier1Hit(latency time.Duration) {
	s.tier1Hits.Add(1)
	s.metrics.IncrementCounterWithLabels("hits_total", 1, map[string]string{"tier": Tier1.String()})
	s.recordLatency(latency)
	s.metrics.RecordCacheOperation("get", true, latency.Seconds())
}

func (s *statsCollector) recordTier2Hit(latency time.Duration) {
	s.tier2Hits.Add(1)
	s.metrics.IncrementCounterWithLabels("hits_total", 1, map[string]string{"tier": Tier2.String()})
	s.recordLatency(latency)
	s.metrics.RecordCacheOperation("get", true, latency.Seconds())
}

func (s *statsCollector) recordMiss(latency time.Duration) {
	s.misses.Add(1)
	s.metrics.IncrementCounter("misses_total", 1)
	s.recordLatency(latency)
	s.metrics.RecordCacheOperation("get", false, latency.Seconds())
}

func (s *statsCollector) recordEvictions(tier Tier, n int) {
	if n <= 0 {
		return
	}
	s.evictions.Add(int64(n))
	s.metrics.IncrementCounterWithLabels("evictions_total", float64(n), map[string]string{"tier": tier.String()})
}

func (s *statsCollector) recordPromotion() {
	s.promotions.Add(1)
	s.metrics.IncrementCounter("promotions_total", 1)
}

func (s *statsCollector) recordInvalidations(n int) {
	if n <= 0 {
		return
	}
	s.invalidations.Add(int64(n))
	s.metrics.IncrementCounter("invalidations_total", float64(n))
}

// recordLatency folds a sample into the EMA; the first sample seeds it
func (s *statsCollector) recordLatency(latency time.Duration) {
	sample := latency.Seconds()

	s.latencyMu.Lock()
	if !s.latencySeen {
		s.avgLatency = sample
		s.latencySeen = true
	} else {
		s.avgLatency = latencySmoothing*sample + (1-latencySmoothing)*s.avgLatency
	}
	s.latencyMu.Unlock()
}

func (s *statsCollector) averageLatency() time.Duration {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	return time.Duration(s.avgLatency * float64(time.Second))
}

// snapshot fills the counter fields of a CacheStats
func (s *statsCollector) snapshot() CacheStats {
	stats := CacheStats{
		Tier1Hits:     s.tier1Hits.Load(),
		Tier2Hits:     s.tier2Hits.Load(),
		Misses:        s.misses.Load(),
		Evictions:     s.evictions.Load(),
		Promotions:    s.promotions.Load(),
		Invalidations: s.invalidations.Load(),
		AvgLatency:    s.averageLatency(),
		Timestamp:     time.Now(),
	}
	stats.TotalQueries = stats.Tier1Hits + stats.Tier2Hits + stats.Misses
	if stats.TotalQueries > 0 {
		stats.HitRate = float64(stats.Tier1Hits+stats.Tier2Hits) / float64(stats.TotalQueries)
	}
	return stats
}

func (s *statsCollector) reset() {
	s.tier1Hits.Store(0)
	s.tier2Hits.Store(0)
	s.misses.Store(0)
	s.evictions.Store(0)
	s.promotions.Store(0)
	s.invalidations.Store(0)

	s.latencyMu.Lock()
	s.avgLatency = 0
	s.latencySeen = false
	s.latencyMu.Unlock()
}
