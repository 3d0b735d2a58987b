// Package resilience wraps the circuit breaker, retry, and rate limiting
// primitives used around the durable cache tier.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects a call without running it
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// MaxRequests allowed through while half-open
	MaxRequests uint32 `mapstructure:"max_requests"`
	// Interval is the closed-state period after which counts are cleared
	Interval time.Duration `mapstructure:"interval"`
	// Timeout is how long the breaker stays open before probing again
	Timeout time.Duration `mapstructure:"timeout"`
	// FailureRatio trips the breaker once MinRequests have been seen
	FailureRatio float64 `mapstructure:"failure_ratio"`
	MinRequests  uint32  `mapstructure:"min_requests"`
}

// DefaultCircuitBreakerConfig returns defaults tuned for a cache backend
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  5,
		Interval:     30 * time.Second,
		Timeout:      10 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  10,
	}
}

// CircuitBreaker guards calls to a dependency with a gobreaker state machine
type CircuitBreaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCircuitBreaker creates a named breaker. Zero config fields take defaults.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = defaults.MaxRequests
	}
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.FailureRatio == 0 {
		config.FailureRatio = defaults.FailureRatio
	}
	if config.MinRequests == 0 {
		config.MinRequests = defaults.MinRequests
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	breaker := &CircuitBreaker{
		name:    name,
		logger:  logger,
		metrics: metrics,
	}

	breaker.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureRatio
		},
		// Callers cancelling their own context is not a dependency failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			breaker.logger.Warn("Circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			breaker.metrics.RecordGauge("circuit_breaker_state", float64(to), map[string]string{"breaker": name})
		},
	})

	return breaker
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string {
	return c.name
}

// State returns the current state name: closed, half-open, or open
func (c *CircuitBreaker) State() string {
	return c.cb.State().String()
}

// Execute runs fn through the breaker. A context that is already done is
// returned without touching the breaker counts.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.metrics.IncrementCounterWithLabels("circuit_breaker_rejections_total", 1, map[string]string{"breaker": c.name})
		return nil, ErrCircuitOpen
	}
	return result, err
}
