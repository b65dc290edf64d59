package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/blinksync/internal/buffer"
	"github.com/livinlefevreloca/blinksync/internal/db"
)

type recordView struct {
	Seq         int64     `json:"seq"`
	LocalID     string    `json:"local_id"`
	SessionID   string    `json:"session_id,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Seconds     float64   `json:"duration_seconds"`
	BlinkCount  int       `json:"blink_count"`
	BlinkRate   float64   `json:"blink_rate"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage_mb"`
	Synced      bool      `json:"synced"`
	SyncedAt    time.Time `json:"synced_at,omitzero"`
}

func newRecordView(row db.WindowRow) recordView {
	return recordView{
		Seq:         row.Seq,
		LocalID:     row.LocalID,
		SessionID:   row.SessionID,
		WindowStart: row.WindowStart,
		WindowEnd:   row.WindowEnd,
		Seconds:     row.Duration().Seconds(),
		BlinkCount:  row.BlinkCount,
		BlinkRate:   row.BlinkRate,
		CPUUsage:    row.CPUUsage,
		MemoryUsage: row.MemoryUsage,
		Synced:      row.Synced,
		SyncedAt:    row.SyncedAt,
	}
}

func newBufferCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buffer",
		Short: "Inspect and maintain the local record buffer",
	}
	cmd.AddCommand(newBufferListCommand(ctx))
	cmd.AddCommand(newBufferCompactCommand(ctx))
	return cmd
}

// withBuffer opens the buffer for the duration of fn. It fails while a
// running blinksync process holds the buffer.
func withBuffer(ctx *commandContext, cmd *cobra.Command, fn func(*buffer.Buffer) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := ctx.quietLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	b, err := buffer.Open(cfg.Buffer, logger)
	if err != nil {
		return fmt.Errorf("open buffer: %w", err)
	}
	defer b.Close()
	return fn(b)
}

func newBufferListCommand(ctx *commandContext) *cobra.Command {
	var all bool
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List buffered records, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuffer(ctx, cmd, func(b *buffer.Buffer) error {
				rows, err := b.List(all, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					views := make([]recordView, 0, len(rows))
					for _, row := range rows {
						views = append(views, newRecordView(row))
					}
					return writeJSON(cmd, views)
				}

				out := cmd.OutOrStdout()
				if len(rows) == 0 {
					fmt.Fprintln(out, "No records buffered")
					return nil
				}
				renderRecords(out, rows)

				counts, err := b.Counts()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d pending, %d synced\n", counts.Pending, counts.Synced)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include records already synced")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newBufferCompactCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Remove synced records from the buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuffer(ctx, cmd, func(b *buffer.Buffer) error {
				removed, err := b.Compact()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d synced records (%d pending)\n", removed, b.PendingCount())
				return nil
			})
		},
	}
}
