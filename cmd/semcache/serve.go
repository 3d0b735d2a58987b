package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/developer-mesh/semantic-cache/internal/config"
	"github.com/developer-mesh/semantic-cache/pkg/api"
	"github.com/developer-mesh/semantic-cache/pkg/cache"
	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache HTTP server",
		RunE:  runServe,
	}
	cmd.Flags().Int("warm", 0, "load up to this many recent Tier 2 entries into Tier 1 at startup")
	cmd.Flags().Bool("watch-config", true, "apply config file changes without restarting")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		configFile = os.Getenv(config.ConfigFileEnv)
	}
	warm, _ := cmd.Flags().GetInt("warm")
	watch, _ := cmd.Flags().GetBool("watch-config")

	loader, err := config.NewLoader(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := loader.Config()

	logger := observability.NewLoggerWithConfig("semcache", cfg.Logging, os.Stdout)
	metrics := observability.NewPrometheusMetricsClient(cfg.Metrics)
	defer func() { _ = metrics.Close() }()

	shutdownTracing, err := observability.InitTracing(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec := cache.NewCodec(cfg.Cache.CompressionThreshold)
	store, err := openStore(ctx, cfg.Store, codec, logger)
	if err != nil {
		return err
	}

	manager, err := cache.NewManager(store, &cfg.Cache, logger.WithPrefix("cache"), metrics)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return fmt.Errorf("failed to create cache: %w", err)
	}

	if warm > 0 {
		manager.Warm(ctx, warm)
	}

	if watch {
		loader.Watch(func(next *config.Config) {
			if err := manager.UpdateConfig(cache.UpdateFromConfig(&next.Cache)); err != nil {
				logger.Warn("Rejected cache configuration change", map[string]interface{}{"error": err.Error()})
				return
			}
			logger.Info("Applied cache configuration change", map[string]interface{}{
				"file": loader.ConfigFileUsed(),
			})
		}, func(err error) {
			logger.Warn("Ignoring invalid configuration change", map[string]interface{}{"error": err.Error()})
		})
	}

	server := api.NewServer(manager, cfg.API, logger.WithPrefix("api"), metrics, metrics.Handler())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down", nil)
	case err = <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", map[string]interface{}{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("HTTP server shutdown incomplete", map[string]interface{}{"error": shutdownErr.Error()})
	}
	if closeErr := manager.Close(shutdownCtx); closeErr != nil {
		logger.Warn("Cache shutdown incomplete", map[string]interface{}{"error": closeErr.Error()})
	}
	return err
}
