package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig defines configuration for retries
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
	RetryIfFn       func(error) bool
}

// DefaultRetryConfig returns a short retry budget suitable for background cache writes
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2.0,
		MaxElapsedTime:  2 * time.Second,
		RetryIfFn:       IsRetryableError,
	}
}

// Retry retries operation with exponential backoff until it succeeds, the
// retry budget runs out, ctx is done, or RetryIfFn rejects the error.
func Retry(ctx context.Context, config RetryConfig, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	if config.InitialInterval > 0 {
		b.InitialInterval = config.InitialInterval
	}
	if config.MaxInterval > 0 {
		b.MaxInterval = config.MaxInterval
	}
	if config.Multiplier > 0 {
		b.Multiplier = config.Multiplier
	}
	b.MaxElapsedTime = config.MaxElapsedTime

	var policy backoff.BackOff = b
	if config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(config.MaxRetries))
	}

	return backoff.Retry(func() error {
		err := operation()
		if err != nil && config.RetryIfFn != nil && !config.RetryIfFn(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// RetryWithResult retries a function with exponential backoff and returns its result
func RetryWithResult[T any](ctx context.Context, config RetryConfig, operation func() (T, error)) (T, error) {
	var result T
	err := Retry(ctx, config, func() error {
		var err error
		result, err = operation()
		return err
	})
	return result, err
}

// IsRetryableError reports whether err is worth another attempt. Open breakers
// and cancelled contexts are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var permanent PermanentError
	return !errors.As(err, &permanent)
}

// PermanentError marks an error that must not be retried
type PermanentError struct {
	Err error
}

// Error implements the error interface
func (e PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err so retries stop immediately
func NewPermanentError(err error) PermanentError {
	return PermanentError{Err: err}
}
