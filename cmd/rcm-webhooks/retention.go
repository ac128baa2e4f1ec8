package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func retentionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retention",
		Short: "Purge delivery records older than RETENTION_DAYS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.retention().Purge(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d delivery record(s) older than %d day(s).\n", n, cfg.RetentionDays)
			return nil
		},
	}
}
