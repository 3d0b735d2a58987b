package main

import (
	"context"
	"fmt"
	"time"

	"github.com/developer-mesh/semantic-cache/internal/config"
	"github.com/developer-mesh/semantic-cache/pkg/cache"
	"github.com/developer-mesh/semantic-cache/pkg/cache/redisstore"
	"github.com/developer-mesh/semantic-cache/pkg/cache/sqlstore"
	"github.com/developer-mesh/semantic-cache/pkg/observability"
	"github.com/developer-mesh/semantic-cache/pkg/resilience"
)

// openStore connects the configured Tier 2 backend, retrying while it comes
// up. The memory backend returns a nil Store.
func openStore(ctx context.Context, cfg config.StoreConfig, codec *cache.Codec, logger observability.Logger) (cache.Store, error) {
	retry := resilience.DefaultRetryConfig()
	retry.MaxRetries = 5
	retry.InitialInterval = 200 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 30 * time.Second

	attempt := 0
	connect := func(open func() (cache.Store, error)) (cache.Store, error) {
		return resilience.RetryWithResult(ctx, retry, func() (cache.Store, error) {
			attempt++
			store, err := open()
			if err != nil {
				logger.Warn("Tier 2 store not reachable", map[string]interface{}{
					"backend": cfg.Backend,
					"attempt": attempt,
					"error":   err.Error(),
				})
			}
			return store, err
		})
	}

	switch cfg.Backend {
	case config.BackendMemory:
		logger.Info("Running without a durable tier", nil)
		return nil, nil
	case config.BackendRedis:
		store, err := connect(func() (cache.Store, error) {
			store, err := redisstore.Open(ctx, cfg.Redis, codec)
			if err != nil {
				return nil, err
			}
			return store, nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		logger.Info("Connected Tier 2 store", map[string]interface{}{"backend": cfg.Backend, "address": cfg.Redis.Address})
		return store, nil
	case config.BackendSQL:
		store, err := connect(func() (cache.Store, error) {
			store, err := sqlstore.Open(ctx, cfg.SQL, codec)
			if err != nil {
				return nil, err
			}
			return store, nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sql store: %w", err)
		}
		logger.Info("Connected Tier 2 store", map[string]interface{}{"backend": cfg.Backend, "driver": cfg.SQL.Driver})
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}
