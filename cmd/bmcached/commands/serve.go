package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	bmvideocache "github.com/birdmichael/BMVideoCache"
	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/config"
	"github.com/birdmichael/BMVideoCache/pkg/metrics"
	metricsprom "github.com/birdmichael/BMVideoCache/pkg/metrics/prometheus"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cache with preload workers and periodic cleanup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if cfg.Metrics.Enabled {
				metrics.Init()
			}

			ctx := cmd.Context()
			v, err := openCache(ctx, cfg,
				bmvideocache.WithMetrics(metricsprom.NewCacheMetrics()))
			if err != nil {
				return err
			}
			defer v.Close()

			var metricsSrv *http.Server
			if cfg.Metrics.Enabled {
				metricsSrv = &http.Server{
					Addr:    cfg.Metrics.Listen,
					Handler: metrics.Handler(),
				}
				go func() {
					logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", logger.Err(err))
					}
				}()
			}

			stopWatch := watchConfig(v)
			defer stopWatch()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case s := <-sig:
				logger.Info("shutting down", "signal", s.String())
			case <-ctx.Done():
			}

			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
			return nil
		},
	}
}

// watchConfig reloads and atomically applies the config file on change.
// Returns a stop function. No-op when no config file is in use.
func watchConfig(v *bmvideocache.VideoCache) func() {
	if configPath == "" {
		return func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watch unavailable", logger.Err(err))
		return func() {}
	}
	if err := watcher.Add(configPath); err != nil {
		logger.Warn("config watch unavailable", logger.Err(err))
		watcher.Close()
		return func() {}
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := config.Load(configPath)
				if err != nil {
					logger.Warn("ignoring invalid config change", logger.Err(err))
					continue
				}
				if err := v.Reconfigure(*cfg); err != nil {
					logger.Warn("config change rejected", logger.Err(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", logger.Err(err))
			}
		}
	}()

	return func() { watcher.Close() }
}
