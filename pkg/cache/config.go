package cache

import (
	"fmt"
	"math"
	"time"
)

// Config configures the semantic cache.
//
// Use DefaultConfig() to get a configuration with sensible defaults, then
// customize specific fields as needed.
type Config struct {
	// Enabled bypasses the cache entirely when false
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// SemanticMatching falls back to exact-id lookups only when false
	SemanticMatching bool `mapstructure:"semantic_matching" json:"semantic_matching"`
	// SimilarityThreshold is the minimum cosine similarity for a hit
	SimilarityThreshold float64 `mapstructure:"semantic_threshold" json:"semantic_threshold"`
	// DefaultTTL is the lifetime of entries written with Set
	DefaultTTL time.Duration `mapstructure:"default_ttl" json:"default_ttl"`

	MaxTier1Size int `mapstructure:"max_tier1_size" json:"max_tier1_size"`
	MaxTier2Size int `mapstructure:"max_tier2_size" json:"max_tier2_size"`
	// BatchEvictCount is how many of the least recently accessed Tier 2
	// entries one eviction pass removes
	BatchEvictCount int `mapstructure:"batch_evict_count" json:"batch_evict_count"`

	// PromotionConfidenceFactor multiplies the confidence of an entry
	// promoted from Tier 2 into Tier 1
	PromotionConfidenceFactor float64 `mapstructure:"promotion_confidence_factor" json:"promotion_confidence_factor"`

	// Tier2Timeout bounds every durable store call
	Tier2Timeout   time.Duration `mapstructure:"tier2_timeout" json:"tier2_timeout"`
	Tier2Workers   int           `mapstructure:"tier2_workers" json:"tier2_workers"`
	Tier2QueueSize int           `mapstructure:"tier2_queue_size" json:"tier2_queue_size"`

	// CleanupInterval is the janitor period. Zero disables eager purging.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`

	// Dimensions fixes the embedding size. Zero learns it from the first entry.
	Dimensions int `mapstructure:"dimensions" json:"dimensions"`
	// DigestComponents is how many leading embedding components feed the entry id
	DigestComponents int `mapstructure:"digest_components" json:"digest_components"`
	// CompressionThreshold is the encoded size in bytes above which durable
	// payloads are gzipped
	CompressionThreshold int `mapstructure:"compression_threshold" json:"compression_threshold"`

	EnableClustering bool    `mapstructure:"enable_clustering" json:"enable_clustering"`
	ClusterThreshold float64 `mapstructure:"cluster_threshold" json:"cluster_threshold"`
	MaxClusters      int     `mapstructure:"max_clusters" json:"max_clusters"`

	// LogQueries allows raw query text in log fields
	LogQueries bool `mapstructure:"log_queries" json:"log_queries"`
}

// DefaultConfig returns the default cache configuration:
//   - 0.85 similarity threshold
//   - 30 minute TTL
//   - 100 Tier 1 entries and 1000 Tier 2 entries
//   - Tier 2 evicts in batches of 100 with a 500ms per-call timeout
func DefaultConfig() *Config {
	return &Config{
		Enabled:                   true,
		SemanticMatching:          true,
		SimilarityThreshold:       0.85,
		DefaultTTL:                30 * time.Minute,
		MaxTier1Size:              100,
		MaxTier2Size:              1000,
		BatchEvictCount:           100,
		PromotionConfidenceFactor: 0.95,
		Tier2Timeout:              500 * time.Millisecond,
		Tier2Workers:              4,
		Tier2QueueSize:            1024,
		CleanupInterval:           time.Minute,
		Dimensions:                0,
		DigestComponents:          8,
		CompressionThreshold:      1024,
		EnableClustering:          false,
		ClusterThreshold:          0.8,
		MaxClusters:               64,
		LogQueries:                false,
	}
}

// Validate checks the configuration for out-of-range values
func (c *Config) Validate() error {
	switch {
	case math.IsNaN(c.SimilarityThreshold) || c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1:
		return fmt.Errorf("%w: semantic_threshold must be between 0 and 1, got %v", ErrInvalidConfig, c.SimilarityThreshold)
	case c.DefaultTTL <= 0:
		return fmt.Errorf("%w: default_ttl must be positive", ErrInvalidConfig)
	case c.MaxTier1Size < 1:
		return fmt.Errorf("%w: max_tier1_size must be at least 1", ErrInvalidConfig)
	case c.MaxTier2Size < 1:
		return fmt.Errorf("%w: max_tier2_size must be at least 1", ErrInvalidConfig)
	case c.BatchEvictCount < 1:
		return fmt.Errorf("%w: batch_evict_count must be at least 1", ErrInvalidConfig)
	case math.IsNaN(c.PromotionConfidenceFactor) || c.PromotionConfidenceFactor <= 0 || c.PromotionConfidenceFactor > 1:
		return fmt.Errorf("%w: promotion_confidence_factor must be in (0, 1]", ErrInvalidConfig)
	case c.Tier2Timeout <= 0:
		return fmt.Errorf("%w: tier2_timeout must be positive", ErrInvalidConfig)
	case c.Tier2Workers < 1:
		return fmt.Errorf("%w: tier2_workers must be at least 1", ErrInvalidConfig)
	case c.Tier2QueueSize < 1:
		return fmt.Errorf("%w: tier2_queue_size must be at least 1", ErrInvalidConfig)
	case c.CleanupInterval < 0:
		return fmt.Errorf("%w: cleanup_interval must not be negative", ErrInvalidConfig)
	case c.Dimensions < 0:
		return fmt.Errorf("%w: dimensions must not be negative", ErrInvalidConfig)
	case c.DigestComponents < 1:
		return fmt.Errorf("%w: digest_components must be at least 1", ErrInvalidConfig)
	case c.CompressionThreshold < 0:
		return fmt.Errorf("%w: compression_threshold must not be negative", ErrInvalidConfig)
	case math.IsNaN(c.ClusterThreshold) || c.ClusterThreshold < 0 || c.ClusterThreshold > 1:
		return fmt.Errorf("%w: cluster_threshold must be between 0 and 1", ErrInvalidConfig)
	case c.MaxClusters < 1:
		return fmt.Errorf("%w: max_clusters must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// ConfigUpdate is a partial configuration for Manager.UpdateConfig. Nil
// fields are left unchanged. Worker count, queue size, dimensions and digest
// size are fixed for the lifetime of a manager.
type ConfigUpdate struct {
	Enabled                   *bool          `json:"enabled,omitempty"`
	SemanticMatching          *bool          `json:"semantic_matching,omitempty"`
	SimilarityThreshold       *float64       `json:"semantic_threshold,omitempty"`
	DefaultTTL                *time.Duration `json:"default_ttl,omitempty"`
	MaxTier1Size              *int           `json:"max_tier1_size,omitempty"`
	MaxTier2Size              *int           `json:"max_tier2_size,omitempty"`
	BatchEvictCount           *int           `json:"batch_evict_count,omitempty"`
	PromotionConfidenceFactor *float64       `json:"promotion_confidence_factor,omitempty"`
	Tier2Timeout              *time.Duration `json:"tier2_timeout,omitempty"`
	CleanupInterval           *time.Duration `json:"cleanup_interval,omitempty"`
	EnableClustering          *bool          `json:"enable_clustering,omitempty"`
	ClusterThreshold          *float64       `json:"cluster_threshold,omitempty"`
	MaxClusters               *int           `json:"max_clusters,omitempty"`
	LogQueries                *bool          `json:"log_queries,omitempty"`
}

// UpdateFromConfig builds an update that moves every hot-swappable field to
// the values in cfg
func UpdateFromConfig(cfg *Config) ConfigUpdate {
	return ConfigUpdate{
		Enabled:                   &cfg.Enabled,
		SemanticMatching:          &cfg.SemanticMatching,
		SimilarityThreshold:       &cfg.SimilarityThreshold,
		DefaultTTL:                &cfg.DefaultTTL,
		MaxTier1Size:              &cfg.MaxTier1Size,
		MaxTier2Size:              &cfg.MaxTier2Size,
		BatchEvictCount:           &cfg.BatchEvictCount,
		PromotionConfidenceFactor: &cfg.PromotionConfidenceFactor,
		Tier2Timeout:              &cfg.Tier2Timeout,
		CleanupInterval:           &cfg.CleanupInterval,
		EnableClustering:          &cfg.EnableClustering,
		ClusterThreshold:          &cfg.ClusterThreshold,
		MaxClusters:               &cfg.MaxClusters,
		LogQueries:                &cfg.LogQueries,
	}
}

// apply returns a copy of c with the update applied
func (c Config) apply(u ConfigUpdate) Config {
	if u.Enabled != nil {
		c.Enabled = *u.Enabled
	}
	if u.SemanticMatching != nil {
		c.SemanticMatching = *u.SemanticMatching
	}
	if u.SimilarityThreshold != nil {
		c.SimilarityThreshold = *u.SimilarityThreshold
	}
	if u.DefaultTTL != nil {
		c.DefaultTTL = *u.DefaultTTL
	}
	if u.MaxTier1Size != nil {
		c.MaxTier1Size = *u.MaxTier1Size
	}
	if u.MaxTier2Size != nil {
		c.MaxTier2Size = *u.MaxTier2Size
	}
	if u.BatchEvictCount != nil {
		c.BatchEvictCount = *u.BatchEvictCount
	}
	if u.PromotionConfidenceFactor != nil {
		c.PromotionConfidenceFactor = *u.PromotionConfidenceFactor
	}
	if u.Tier2Timeout != nil {
		c.Tier2Timeout = *u.Tier2Timeout
	}
	if u.CleanupInterval != nil {
		c.CleanupInterval = *u.CleanupInterval
	}
	if u.EnableClustering != nil {
		c.EnableClustering = *u.EnableClustering
	}
	if u.ClusterThreshold != nil {
		c.ClusterThreshold = *u.ClusterThreshold
	}
	if u.MaxClusters != nil {
		c.MaxClusters = *u.MaxClusters
	}
	if u.LogQueries != nil {
		c.LogQueries = *u.LogQueries
	}
	return c
}
