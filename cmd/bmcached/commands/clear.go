package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/birdmichael/BMVideoCache/internal/bytesize"
)

func newClearCommand() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove one resource or the whole cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			v, err := openCache(ctx, cfg)
			if err != nil {
				return err
			}
			defer v.Close()

			if url != "" {
				if err := v.Remove(ctx, url); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", url)
				return nil
			}

			before := v.CurrentSize()
			if err := v.ClearAll(ctx); err != nil {
				return err
			}
			fmt.Printf("cleared %s\n", bytesize.ByteSize(before))
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "remove only this resource")
	return cmd
}
