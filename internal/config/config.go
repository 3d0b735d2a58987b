package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/developer-mesh/semantic-cache/pkg/api"
	"github.com/developer-mesh/semantic-cache/pkg/cache"
	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

const (
	// EnvPrefix prefixes every environment override, e.g. SEMCACHE_CACHE_DEFAULT_TTL
	EnvPrefix = "SEMCACHE"
	// ConfigFileEnv names the variable holding the config file path
	ConfigFileEnv     = "SEMCACHE_CONFIG_FILE"
	defaultConfigFile = "configs/config.yaml"
)

// Config holds the complete application configuration
type Config struct {
	Environment string                      `mapstructure:"environment"`
	Cache       cache.Config                `mapstructure:"cache"`
	Store       StoreConfig                 `mapstructure:"store"`
	API         api.Config                  `mapstructure:"api"`
	Logging     observability.LoggingConfig `mapstructure:"logging"`
	Metrics     observability.MetricsConfig `mapstructure:"metrics"`
	Tracing     observability.TracingConfig `mapstructure:"tracing"`
}

// Validate checks the sections that have their own rules
func (c *Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if c.API.ListenAddress == "" {
		return errors.New("api.listen_address is required")
	}
	return nil
}

// Loader reads configuration and keeps the viper instance for reloads
type Loader struct {
	mu      sync.Mutex
	v       *viper.Viper
	current *Config
}

// Load reads configuration from .env, the YAML file named by
// SEMCACHE_CONFIG_FILE (default configs/config.yaml) and SEMCACHE_*
// environment variables, in increasing precedence. A missing file is not an
// error.
func Load() (*Config, error) {
	l, err := NewLoader(os.Getenv(ConfigFileEnv))
	if err != nil {
		return nil, err
	}
	return l.Config(), nil
}

// NewLoader loads configuration from configFile, or the default path when
// empty
func NewLoader(configFile string) (*Loader, error) {
	// .env is optional and never overrides variables already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	if configFile == "" {
		configFile = defaultConfigFile
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configFile)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the last successfully loaded configuration
func (l *Loader) Config() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// ConfigFileUsed returns the path of the config file
func (l *Loader) ConfigFileUsed() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.ConfigFileUsed()
}

// Watch reloads the file whenever it changes and hands each valid result to
// onChange. Invalid reloads are reported to onError and the previous
// configuration stays current.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.reload()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// reload re-decodes after viper has re-read the file
func (l *Loader) reload() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	expandEnv(l.v)

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.Logging.LogQueries {
		cfg.Cache.LogQueries = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandEnv resolves ${VAR} and ${VAR:-default} references in string values
func expandEnv(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || !strings.Contains(value, "${") {
			continue
		}
		expanded := os.Expand(value, func(ref string) string {
			name, fallback, hasDefault := strings.Cut(ref, ":-")
			if val := os.Getenv(name); val != "" || !hasDefault {
				return val
			}
			return fallback
		})
		if expanded != value {
			v.Set(key, expanded)
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	c := cache.DefaultConfig()
	v.SetDefault("cache.enabled", c.Enabled)
	v.SetDefault("cache.semantic_matching", c.SemanticMatching)
	v.SetDefault("cache.semantic_threshold", c.SimilarityThreshold)
	v.SetDefault("cache.default_ttl", c.DefaultTTL)
	v.SetDefault("cache.max_tier1_size", c.MaxTier1Size)
	v.SetDefault("cache.max_tier2_size", c.MaxTier2Size)
	v.SetDefault("cache.batch_evict_count", c.BatchEvictCount)
	v.SetDefault("cache.promotion_confidence_factor", c.PromotionConfidenceFactor)
	v.SetDefault("cache.tier2_timeout", c.Tier2Timeout)
	v.SetDefault("cache.tier2_workers", c.Tier2Workers)
	v.SetDefault("cache.tier2_queue_size", c.Tier2QueueSize)
	v.SetDefault("cache.cleanup_interval", c.CleanupInterval)
	v.SetDefault("cache.dimensions", c.Dimensions)
	v.SetDefault("cache.digest_components", c.DigestComponents)
	v.SetDefault("cache.compression_threshold", c.CompressionThreshold)
	v.SetDefault("cache.enable_clustering", c.EnableClustering)
	v.SetDefault("cache.cluster_threshold", c.ClusterThreshold)
	v.SetDefault("cache.max_clusters", c.MaxClusters)
	v.SetDefault("cache.log_queries", c.LogQueries)

	setStoreDefaults(v)

	a := api.DefaultConfig()
	v.SetDefault("api.listen_address", a.ListenAddress)
	v.SetDefault("api.read_timeout", a.ReadTimeout)
	v.SetDefault("api.write_timeout", a.WriteTimeout)
	v.SetDefault("api.idle_timeout", a.IdleTimeout)
	v.SetDefault("api.shutdown_timeout", a.ShutdownTimeout)
	// No default for secrets
	v.SetDefault("api.auth.jwt_secret", "")
	v.SetDefault("api.auth.issuer", "")
	v.SetDefault("api.rate_limit.enabled", a.RateLimit.Enabled)
	v.SetDefault("api.rate_limit.requests_per_second", a.RateLimit.RequestsPerSecond)
	v.SetDefault("api.rate_limit.burst", a.RateLimit.Burst)
	v.SetDefault("api.rate_limit.max_clients", a.RateLimit.MaxClients)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.log_queries", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "semantic_cache")
	v.SetDefault("metrics.subsystem", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "semantic-cache")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.endpoint", "localhost:4317")
}
