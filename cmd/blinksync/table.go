package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/livinlefevreloca/blinksync/internal/db"
	"github.com/livinlefevreloca/blinksync/internal/status"
)

const timeFormat = "2006-01-02 15:04:05"

// newTable returns a rounded table writing to out. Columns listed in right
// are right-aligned (1-based).
func newTable(out io.Writer, header table.Row, right ...int) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleRounded)
	if header != nil {
		tw.AppendHeader(header)
	}

	configs := make([]table.ColumnConfig, 0, len(right))
	for _, n := range right {
		configs = append(configs, table.ColumnConfig{
			Number:      n,
			Align:       text.AlignRight,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)
	return tw
}

func renderRecords(out io.Writer, rows []db.WindowRow) {
	tw := newTable(out, table.Row{"Seq", "Local ID", "Window Start", "Window End", "Length", "Blinks", "Rate/min", "CPU %", "Mem MB", "Synced"},
		1, 5, 6, 7, 8, 9)
	for _, row := range rows {
		tw.AppendRow(table.Row{
			row.Seq,
			row.LocalID,
			formatTime(row.WindowStart),
			formatTime(row.WindowEnd),
			row.Duration().String(),
			row.BlinkCount,
			strconv.FormatFloat(row.BlinkRate, 'f', 1, 64),
			strconv.FormatFloat(row.CPUUsage, 'f', 1, 64),
			strconv.FormatFloat(row.MemoryUsage, 'f', 0, 64),
			yesNo(row.Synced),
		})
	}
	tw.Render()
}

func renderStatus(out io.Writer, snap status.Snapshot) {
	tw := newTable(out, nil)
	tw.AppendRows([]table.Row{
		{"State", snap.State.String()},
		{"Pending records", snap.PendingCount},
		{"Last blink rate", fmt.Sprintf("%.1f/min", snap.LastBlinkRate)},
		{"Last window end", formatTime(snap.LastWindowEnd)},
		{"Last sync", formatTime(snap.LastSync)},
		{"Storage degraded", yesNo(snap.StorageDegraded)},
		{"Needs re-login", yesNo(snap.NeedsReauth)},
		{"Energy impact", energyLabel(snap.EnergyImpact)},
	})
	if snap.LastAlert != nil {
		tw.AppendRow(table.Row{"Last alert", fmt.Sprintf("%s at %s", snap.LastAlert.Kind, formatTime(snap.LastAlert.RaisedAt))})
	}
	tw.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeFormat)
}

func energyLabel(e status.EnergyImpact) string {
	if e == "" {
		return "-"
	}
	return string(e)
}
