package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/birdmichael/BMVideoCache/internal/bytesize"
)

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			v, err := openCache(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer v.Close()

			stats := v.Statistics()
			fmt.Printf("Cache directory:  %s\n", cfg.Cache.Directory)
			fmt.Printf("Current size:     %s\n", bytesize.ByteSize(v.CurrentSize()))
			fmt.Printf("Size budget:      %s\n", cfg.Cache.MaxSize)
			fmt.Printf("Hits:             %d\n", stats.Hits)
			fmt.Printf("Misses:           %d\n", stats.Misses)
			fmt.Printf("Hit rate:         %.1f%%\n", stats.HitRate()*100)
			fmt.Printf("Bytes read:       %s\n", bytesize.ByteSize(stats.BytesRead))
			fmt.Printf("Bytes written:    %s\n", bytesize.ByteSize(stats.BytesWritten))
			fmt.Printf("Evictions:        %d\n", stats.Evictions)
			fmt.Printf("Removals:         %d\n", stats.Removals)
			return nil
		},
	}
}
