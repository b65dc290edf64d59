package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/blinksync/internal/status"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var address string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running blinksync process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(address) == "" {
				address = cfg.Status.Address
			}

			snap, err := status.Fetch(cmd.Context(), address)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, snap)
			}
			renderStatus(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Status endpoint address (host:port)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
