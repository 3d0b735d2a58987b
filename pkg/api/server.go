// Package api exposes the semantic cache over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/semantic-cache/pkg/cache"
	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

// Cache is the subset of *cache.Manager the HTTP surface uses
type Cache interface {
	Get(ctx context.Context, query string, embedding []float32) (*cache.Hit, error)
	SetWithTTL(ctx context.Context, query string, embedding []float32, results []cache.SearchResult, documentIDs []string, ttl time.Duration) error
	Delete(ctx context.Context, query string, embedding []float32) error
	InvalidateByDocuments(ctx context.Context, documentIDs []string) int
	Clear(ctx context.Context)
	GetStats(ctx context.Context) cache.CacheStats
	UpdateConfig(update cache.ConfigUpdate) error
	Config() cache.Config
	Ping(ctx context.Context) error
}

// Config holds the HTTP server settings
type Config struct {
	ListenAddress   string          `mapstructure:"listen_address"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	Auth            AuthConfig      `mapstructure:"auth"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// AuthConfig enables bearer-token auth on /v1 when JWTSecret is set
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// DefaultConfig returns the default server settings
func DefaultConfig() Config {
	return Config{
		ListenAddress:   ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 100,
			Burst:             200,
			MaxClients:        10000,
		},
	}
}

// Server is the HTTP server in front of a Cache
type Server struct {
	router  *gin.Engine
	server  *http.Server
	cache   Cache
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
	health  *HealthChecker
}

// NewServer creates a server and registers its routes. metricsHandler serves
// GET /metrics and may be nil.
func NewServer(c Cache, cfg Config, logger observability.Logger, metrics observability.MetricsClient, metricsHandler http.Handler) *Server {
	if logger == nil {
		logger = observability.NewLogger("api")
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	router := gin.New()
	router.Use(RecoveryMiddleware(logger))
	router.Use(TracingMiddleware())
	router.Use(RequestLogger(logger))
	router.Use(MetricsMiddleware(metrics))

	s := &Server{
		router:  router,
		cache:   c,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		health:  NewHealthChecker(),
	}
	s.health.RegisterCheck("tier2", c.Ping)
	s.setupRoutes(metricsHandler)

	s.server = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes(metricsHandler http.Handler) {
	s.router.GET("/healthz", s.health.LivenessHandler)
	s.router.GET("/readyz", s.health.ReadinessHandler)
	if metricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v1 := s.router.Group("/v1")
	if s.config.Auth.JWTSecret != "" {
		v1.Use(JWTAuthMiddleware(s.config.Auth, s.logger))
	}
	if s.config.RateLimit.Enabled {
		v1.Use(RateLimitMiddleware(s.config.RateLimit, s.metrics))
	}

	v1.GET("/stats", s.getStats)
	v1.POST("/lookup", s.lookup)
	v1.POST("/entries", s.setEntry)
	v1.DELETE("/entries", s.deleteEntry)
	v1.POST("/invalidate", s.invalidate)
	v1.GET("/config", s.getConfig)
	v1.PATCH("/config", s.updateConfig)
	v1.DELETE("/cache", s.clear)
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe
func (s *Server) SetReady(ready bool) {
	s.health.SetReady(ready)
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"address": s.config.ListenAddress,
		"auth":    s.config.Auth.JWTSecret != "",
	})
	s.health.SetReady(true)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	return s.server.Shutdown(ctx)
}
