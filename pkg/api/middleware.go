package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

// RecoveryMiddleware turns handler panics into 500 responses
func RecoveryMiddleware(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic recovered", map[string]interface{}{
					"error":  fmt.Sprintf("%v", err),
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
					"stack":  string(debug.Stack()),
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "An internal server error occurred",
				})
			}
		}()
		c.Next()
	}
}

// RequestLogger logs every request with its status and latency
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
			logger.Warn("HTTP request failed", fields)
			return
		}
		logger.Debug("HTTP request", fields)
	}
}

// MetricsMiddleware records request counts and latencies
func MetricsMiddleware(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := map[string]string{
			"method": c.Request.Method,
			"path":   path,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		metrics.RecordCounter("http_requests_total", 1, labels)
		metrics.RecordHistogram("http_request_duration_seconds", time.Since(start).Seconds(), map[string]string{
			"method": c.Request.Method,
			"path":   path,
		})
	}
}

// TracingMiddleware starts a span per request, continuing any incoming
// W3C trace context
func TracingMiddleware() gin.HandlerFunc {
	propagator := propagation.TraceContext{}
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := observability.StartSpan(ctx, c.Request.Method+" "+path)
		defer span.End()

		span.SetAttribute("http.method", c.Request.Method)
		span.SetAttribute("http.route", path)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		span.SetAttribute("http.status_code", c.Writer.Status())
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last().Err)
		}
	}
}

// JWTAuthMiddleware requires an HS256 bearer token signed with the
// configured secret. The issuer is checked when configured.
func JWTAuthMiddleware(cfg AuthConfig, logger observability.Logger) gin.HandlerFunc {
	secret := []byte(cfg.JWTSecret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			logger.Debug("Rejected bearer token", map[string]interface{}{
				"path":  c.Request.URL.Path,
				"error": fmt.Sprintf("%v", err),
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if cfg.Issuer != "" && !claims.VerifyIssuer(cfg.Issuer, true) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token issuer"})
			return
		}

		c.Set("subject", claims.Subject)
		c.Next()
	}
}

// RateLimitConfig limits /v1 requests per client IP
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	// MaxClients bounds how many per-client limiters are remembered
	MaxClients int `mapstructure:"max_clients"`
}

// RateLimitMiddleware applies a token bucket per client IP. Limiters for the
// least recently seen clients are dropped once MaxClients is reached.
func RateLimitMiddleware(cfg RateLimitConfig, metrics observability.MetricsClient) gin.HandlerFunc {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limiters, _ := lru.New[string, *rate.Limiter](cfg.MaxClients)
	var mu sync.Mutex

	getLimiter := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if limiter, ok := limiters.Get(key); ok {
			return limiter
		}
		limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
		limiters.Add(key, limiter)
		return limiter
	}

	return func(c *gin.Context) {
		if !getLimiter(c.ClientIP()).Allow() {
			metrics.RecordCounter("http_rate_limited_total", 1, nil)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please retry later.",
				"code":  "RATE_LIMIT_EXCEEDED",
			})
			return
		}
		c.Next()
	}
}
