package cache

import (
	"fmt"
	"runtime/debug"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

// SafeExecute runs fn and converts a panic into an error
func SafeExecute(logger observability.Logger, metrics observability.MetricsClient, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered", map[string]interface{}{
				"operation": operation,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			if metrics != nil {
				metrics.IncrementCounterWithLabels("panic_recovered_total", 1, map[string]string{
					"operation": operation,
				})
			}

			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic in %s: %w", operation, e)
			} else {
				err = fmt.Errorf("panic in %s: %v", operation, r)
			}
		}
	}()

	return fn()
}

// SafeGo runs fn in a goroutine with panic recovery
func SafeGo(logger observability.Logger, operation string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered in goroutine", map[string]interface{}{
					"operation": operation,
					"panic":     fmt.Sprintf("%v", r),
					"stack":     string(debug.Stack()),
				})
			}
		}()

		fn()
	}()
}
