package cache

import (
	"context"
	"time"
)

// SearchResult is one record produced by the retrieval pipeline. It is the
// payload returned to callers on a hit.
type SearchResult struct {
	ID       string                 `json:"id"`
	Score    float32                `json:"score"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EntryMetadata carries the bookkeeping of a cache entry
type EntryMetadata struct {
	Timestamp    time.Time     `json:"timestamp"`
	LastAccessed time.Time     `json:"last_accessed"`
	Hits         int64         `json:"hits"`
	TTL          time.Duration `json:"ttl"`
	// DocumentIDs are the upstream documents the results were built from.
	// They are fixed at creation.
	DocumentIDs []string `json:"document_ids,omitempty"`
	Confidence  float64  `json:"confidence"`
	// ClusterID is -1 when clustering is disabled
	ClusterID int `json:"cluster_id"`
}

// CacheEntry is a cached pipeline answer keyed by query embedding
type CacheEntry struct {
	ID             string         `json:"id"`
	Query          string         `json:"query"`
	QueryEmbedding []float32      `json:"query_embedding"`
	Results        []SearchResult `json:"results"`
	Metadata       EntryMetadata  `json:"metadata"`
}

// IsExpired reports whether the entry is no longer live at now
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.Sub(e.Metadata.Timestamp) >= e.Metadata.TTL
}

// ExpiresAt returns the instant the entry stops being live
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.Metadata.Timestamp.Add(e.Metadata.TTL)
}

// ReferencesAny reports whether any of the entry's document ids is in docs
func (e *CacheEntry) ReferencesAny(docs map[string]struct{}) bool {
	for _, id := range e.Metadata.DocumentIDs {
		if _, ok := docs[id]; ok {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entry. Result metadata maps are copied
// one level deep.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.QueryEmbedding = append([]float32(nil), e.QueryEmbedding...)
	clone.Metadata.DocumentIDs = append([]string(nil), e.Metadata.DocumentIDs...)
	clone.Results = cloneResults(e.Results)
	return &clone
}

func cloneResults(results []SearchResult) []SearchResult {
	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = r
		if r.Metadata != nil {
			md := make(map[string]interface{}, len(r.Metadata))
			for k, v := range r.Metadata {
				md[k] = v
			}
			out[i].Metadata = md
		}
	}
	return out
}

// Tier identifies where a hit was served from
type Tier int

const (
	// TierNone marks an answer that was computed rather than served from cache
	TierNone Tier = iota
	Tier1
	Tier2
)

// String returns the tier name used in logs, metrics and the HTTP API
func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	default:
		return "none"
	}
}

// Hit is a successful lookup
type Hit struct {
	Entry      *CacheEntry `json:"entry"`
	Tier       Tier        `json:"tier"`
	Similarity float64     `json:"similarity"`
}

// Results returns the cached results of the hit
func (h *Hit) Results() []SearchResult {
	if h == nil || h.Entry == nil {
		return nil
	}
	return h.Entry.Results
}

// Pipeline is the expensive retrieval and generation step the cache sits in
// front of. It returns the results and the ids of the documents that
// informed them.
type Pipeline func(ctx context.Context, query string) ([]SearchResult, []string, error)

// CacheStats is a point-in-time snapshot of cache statistics
type CacheStats struct {
	Tier1Hits     int64         `json:"tier1_hits"`
	Tier2Hits     int64         `json:"tier2_hits"`
	Misses        int64         `json:"misses"`
	TotalQueries  int64         `json:"total_queries"`
	HitRate       float64       `json:"hit_rate"`
	AvgLatency    time.Duration `json:"avg_latency_ns"`
	Tier1Entries  int           `json:"tier1_entries"`
	Tier2Entries  int           `json:"tier2_entries"`
	Evictions     int64         `json:"evictions"`
	Promotions    int64         `json:"promotions"`
	Invalidations int64         `json:"invalidations"`
	Tier2Errors   int64         `json:"tier2_errors"`
	Clusters      int           `json:"clusters"`
	Enabled       bool          `json:"enabled"`
	Timestamp     time.Time     `json:"timestamp"`
}
