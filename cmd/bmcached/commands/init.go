package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/birdmichael/BMVideoCache/pkg/config"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init <cache-directory>",
		Short: "Write a sample configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				dir := os.Getenv("XDG_CONFIG_HOME")
				if dir == "" {
					home, err := os.UserHomeDir()
					if err != nil {
						return err
					}
					dir = filepath.Join(home, ".config")
				}
				path = filepath.Join(dir, "bmvideocache", "config.yaml")
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			cfg.Cache.Directory = args[0]
			if err := config.Save(&cfg, path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
