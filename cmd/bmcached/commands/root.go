// Package commands implements the bmcached CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	bmvideocache "github.com/birdmichael/BMVideoCache"
	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/config"
)

var configPath string

// Execute runs the CLI.
func Execute(version, commit string) error {
	root := &cobra.Command{
		Use:           "bmcached",
		Short:         "Streaming media cache daemon and admin tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (default: $XDG_CONFIG_HOME/bmvideocache/config.yaml)")

	root.AddCommand(
		newInitCommand(),
		newServeCommand(),
		newPreloadCommand(),
		newStatsCommand(),
		newClearCommand(),
		newVersionCommand(version, commit),
	)
	return root.Execute()
}

// loadConfig loads the configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging.LoggerConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

// openCache builds and starts a cache from the loaded configuration.
func openCache(ctx context.Context, cfg *config.Config, opts ...bmvideocache.Option) (*bmvideocache.VideoCache, error) {
	v, err := bmvideocache.New(*cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := v.Start(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func newVersionCommand(version, commit string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bmcached %s (%s)\n", version, commit)
		},
	}
}
