package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/blinksync/internal/app"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var replay string
	var fps float64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Track blinks and sync records in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("replay") {
				cfg.Capture.ReplayPath = replay
			}
			if cmd.Flags().Changed("fps") {
				cfg.Capture.FPS = fps
				if err := cfg.Capture.Validate(); err != nil {
					return err
				}
			}

			logger, err := ctx.logger(os.Stdout)
			if err != nil {
				return err
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger.Info("starting blinksync",
				"buffer", cfg.Buffer.Path,
				"endpoint", cfg.Remote.Endpoint,
				"replay", cfg.Capture.ReplayPath,
				"fps", cfg.Capture.FPS)
			return app.Run(signalCtx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&replay, "replay", "", "Replay script to use as the frame source")
	cmd.Flags().Float64Var(&fps, "fps", 0, "Frames per second to deliver")
	return cmd
}
