package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker backs the liveness and readiness probes
type HealthChecker struct {
	mu     sync.RWMutex
	ready  bool
	checks map[string]func(ctx context.Context) error
}

// NewHealthChecker creates a checker that reports not ready until SetReady
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]func(ctx context.Context) error),
	}
}

// RegisterCheck adds a readiness check
func (h *HealthChecker) RegisterCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetReady sets the ready state
func (h *HealthChecker) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the ready state
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// LivenessHandler always reports alive
func (h *HealthChecker) LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessHandler runs every registered check
func (h *HealthChecker) ReadinessHandler(c *gin.Context) {
	if !h.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"error":  "Service is starting up",
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make(map[string]func(ctx context.Context) error, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	errors := make(map[string]string)
	for name, check := range checks {
		if err := check(ctx); err != nil {
			errors[name] = err.Error()
		}
	}

	if len(errors) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"errors": errors,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
