package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/birdmichael/BMVideoCache/internal/bytesize"
	"github.com/birdmichael/BMVideoCache/pkg/metadata"
)

func newPreloadCommand() *cobra.Command {
	var (
		lengthStr string
		prioStr   string
	)

	cmd := &cobra.Command{
		Use:   "preload <url>...",
		Short: "Fetch resource prefixes into the cache and wait for completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			length := int64(-1)
			if lengthStr != "" {
				size, err := bytesize.Parse(lengthStr)
				if err != nil {
					return fmt.Errorf("invalid --length: %w", err)
				}
				length = size.Int64()
			}
			prio, err := metadata.ParsePriority(prioStr)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			v, err := openCache(ctx, cfg)
			if err != nil {
				return err
			}
			defer v.Close()

			ids := make(map[string]string, len(args))
			for _, url := range args {
				id, err := v.Preload(url, length, prio)
				if err != nil {
					return err
				}
				ids[id.String()] = url
			}

			// Wait for every task to reach a terminal state.
			for {
				pending := 0
				for _, task := range v.PreloadTasks() {
					url, mine := ids[task.ID.String()]
					if !mine {
						continue
					}
					if !task.State.Terminal() {
						pending++
						continue
					}
					delete(ids, task.ID.String())
					if task.FailReason != "" {
						fmt.Printf("%s: %s (%s)\n", url, task.State, task.FailReason)
					} else {
						fmt.Printf("%s: %s\n", url, task.State)
					}
				}
				if pending == 0 && len(ids) == 0 {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(200 * time.Millisecond):
				}
			}
		},
	}

	cmd.Flags().StringVar(&lengthStr, "length", "",
		"bytes to prefetch per resource (e.g. 10Mi); whole resource if unset")
	cmd.Flags().StringVar(&prioStr, "priority", "normal",
		"task priority: low, normal, high, permanent")
	return cmd
}
