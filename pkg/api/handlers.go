package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/semantic-cache/pkg/cache"
)

// Duration accepts either a Go duration string ("30m") or nanoseconds in
// JSON and renders as a string
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type queryRequest struct {
	Query     string    `json:"query" binding:"required"`
	Embedding []float32 `json:"embedding" binding:"required"`
}

type lookupResponse struct {
	Hit        bool              `json:"hit"`
	Tier       string            `json:"tier,omitempty"`
	Similarity float64           `json:"similarity,omitempty"`
	Entry      *cache.CacheEntry `json:"entry,omitempty"`
}

type setEntryRequest struct {
	Query       string               `json:"query" binding:"required"`
	Embedding   []float32            `json:"embedding" binding:"required"`
	Results     []cache.SearchResult `json:"results" binding:"required"`
	DocumentIDs []string             `json:"document_ids"`
	// TTL falls back to the configured default when omitted
	TTL Duration `json:"ttl"`
}

type invalidateRequest struct {
	DocumentIDs []string `json:"document_ids" binding:"required"`
}

type configView struct {
	Enabled                   bool     `json:"enabled"`
	SemanticMatching          bool     `json:"semantic_matching"`
	SimilarityThreshold       float64  `json:"semantic_threshold"`
	DefaultTTL                Duration `json:"default_ttl"`
	MaxTier1Size              int      `json:"max_tier1_size"`
	MaxTier2Size              int      `json:"max_tier2_size"`
	BatchEvictCount           int      `json:"batch_evict_count"`
	PromotionConfidenceFactor float64  `json:"promotion_confidence_factor"`
	Tier2Timeout              Duration `json:"tier2_timeout"`
	Tier2Workers              int      `json:"tier2_workers"`
	Tier2QueueSize            int      `json:"tier2_queue_size"`
	CleanupInterval           Duration `json:"cleanup_interval"`
	Dimensions                int      `json:"dimensions"`
	DigestComponents          int      `json:"digest_components"`
	CompressionThreshold      int      `json:"compression_threshold"`
	EnableClustering          bool     `json:"enable_clustering"`
	ClusterThreshold          float64  `json:"cluster_threshold"`
	MaxClusters               int      `json:"max_clusters"`
	LogQueries                bool     `json:"log_queries"`
}

func newConfigView(cfg cache.Config) configView {
	return configView{
		Enabled:                   cfg.Enabled,
		SemanticMatching:          cfg.SemanticMatching,
		SimilarityThreshold:       cfg.SimilarityThreshold,
		DefaultTTL:                Duration(cfg.DefaultTTL),
		MaxTier1Size:              cfg.MaxTier1Size,
		MaxTier2Size:              cfg.MaxTier2Size,
		BatchEvictCount:           cfg.BatchEvictCount,
		PromotionConfidenceFactor: cfg.PromotionConfidenceFactor,
		Tier2Timeout:              Duration(cfg.Tier2Timeout),
		Tier2Workers:              cfg.Tier2Workers,
		Tier2QueueSize:            cfg.Tier2QueueSize,
		CleanupInterval:           Duration(cfg.CleanupInterval),
		Dimensions:                cfg.Dimensions,
		DigestComponents:          cfg.DigestComponents,
		CompressionThreshold:      cfg.CompressionThreshold,
		EnableClustering:          cfg.EnableClustering,
		ClusterThreshold:          cfg.ClusterThreshold,
		MaxClusters:               cfg.MaxClusters,
		LogQueries:                cfg.LogQueries,
	}
}

// configPatch is the body of PATCH /v1/config. Absent fields are unchanged.
type configPatch struct {
	Enabled                   *bool     `json:"enabled"`
	SemanticMatching          *bool     `json:"semantic_matching"`
	SimilarityThreshold       *float64  `json:"semantic_threshold"`
	DefaultTTL                *Duration `json:"default_ttl"`
	MaxTier1Size              *int      `json:"max_tier1_size"`
	MaxTier2Size              *int      `json:"max_tier2_size"`
	BatchEvictCount           *int      `json:"batch_evict_count"`
	PromotionConfidenceFactor *float64  `json:"promotion_confidence_factor"`
	Tier2Timeout              *Duration `json:"tier2_timeout"`
	CleanupInterval           *Duration `json:"cleanup_interval"`
	EnableClustering          *bool     `json:"enable_clustering"`
	ClusterThreshold          *float64  `json:"cluster_threshold"`
	MaxClusters               *int      `json:"max_clusters"`
	LogQueries                *bool     `json:"log_queries"`
}

func (p configPatch) update() cache.ConfigUpdate {
	return cache.ConfigUpdate{
		Enabled:                   p.Enabled,
		SemanticMatching:          p.SemanticMatching,
		SimilarityThreshold:       p.SimilarityThreshold,
		DefaultTTL:                p.DefaultTTL.duration(),
		MaxTier1Size:              p.MaxTier1Size,
		MaxTier2Size:              p.MaxTier2Size,
		BatchEvictCount:           p.BatchEvictCount,
		PromotionConfidenceFactor: p.PromotionConfidenceFactor,
		Tier2Timeout:              p.Tier2Timeout.duration(),
		CleanupInterval:           p.CleanupInterval.duration(),
		EnableClustering:          p.EnableClustering,
		ClusterThreshold:          p.ClusterThreshold,
		MaxClusters:               p.MaxClusters,
		LogQueries:                p.LogQueries,
	}
}

func (d *Duration) duration() *time.Duration {
	if d == nil {
		return nil
	}
	v := time.Duration(*d)
	return &v
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.GetStats(c.Request.Context()))
}

func (s *Server) lookup(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	hit, err := s.cache.Get(c.Request.Context(), req.Query, req.Embedding)
	if err != nil {
		writeError(c, err)
		return
	}
	if hit == nil {
		c.JSON(http.StatusOK, lookupResponse{Hit: false})
		return
	}
	c.JSON(http.StatusOK, lookupResponse{
		Hit:        true,
		Tier:       hit.Tier.String(),
		Similarity: hit.Similarity,
		Entry:      hit.Entry,
	})
}

func (s *Server) setEntry(c *gin.Context) {
	var req setEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	err := s.cache.SetWithTTL(c.Request.Context(), req.Query, req.Embedding, req.Results, req.DocumentIDs, time.Duration(req.TTL))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "stored"})
}

func (s *Server) deleteEntry(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := s.cache.Delete(c.Request.Context(), req.Query, req.Embedding); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) invalidate(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	n := s.cache.InvalidateByDocuments(c.Request.Context(), req.DocumentIDs)
	c.JSON(http.StatusOK, gin.H{"invalidated": n})
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, newConfigView(s.cache.Config()))
}

func (s *Server) updateConfig(c *gin.Context) {
	var patch configPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}

	if err := s.cache.UpdateConfig(patch.update()); err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info("Cache configuration updated", map[string]interface{}{
		"subject": c.GetString("subject"),
	})
	c.JSON(http.StatusOK, newConfigView(s.cache.Config()))
}

func (s *Server) clear(c *gin.Context) {
	s.cache.Clear(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// writeError maps contract violations to 400 and anything else to 500
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, cache.ErrInvalidQuery),
		errors.Is(err, cache.ErrInvalidEmbedding),
		errors.Is(err, cache.ErrDimensionMismatch),
		errors.Is(err, cache.ErrInvalidEntry),
		errors.Is(err, cache.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
