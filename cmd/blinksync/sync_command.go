package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/blinksync/internal/app"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync buffered records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Probe the endpoint and upload pending records once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.quietLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			stats, err := app.SyncOnce(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d records to %s (%s)\n",
				stats.Synced, cfg.Remote.Endpoint, stats.State)
			return nil
		},
	})
	return cmd
}
