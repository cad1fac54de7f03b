/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/friendsincode/chargequeue/internal/queue"
	"github.com/friendsincode/chargequeue/internal/server"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show station occupancy and the waiting line",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, core *server.Core) error {
			stats, err := core.Service.Stats(ctx)
			if err != nil {
				return err
			}
			line, err := core.Service.QueueWithEstimates(ctx)
			if err != nil {
				return err
			}
			if statusJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"stats": stats, "queue": line})
			}
			return printStatus(cmd.OutOrStdout(), stats, line)
		})
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print machine-readable JSON")
	rootCmd.AddCommand(statusCmd)
}

func printStatus(out io.Writer, stats queue.Stats, line []queue.QueueView) error {
	fmt.Fprintf(out, "Stations: %d  free: %d  charging: %d  overtime: %d  waiting: %d\n\n",
		stats.StationCount, stats.Free, stats.Charging, stats.Overtime, stats.Waiting)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATION\tNAME\tSTATE\tENTRY\tREMAINING")
	for _, st := range stats.Stations {
		remaining := "-"
		if st.RemainingSeconds != nil {
			remaining = fmt.Sprintf("%ds", *st.RemainingSeconds)
		}
		entry := "-"
		if st.EntryID != 0 {
			entry = fmt.Sprintf("%d", st.EntryID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", st.ID, st.Name, st.State, entry, remaining)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTRY\tUSER\tSTATUS\tPOSITION\tSTATION")
	for _, v := range line {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\n", v.ID, v.UserID, v.Status, v.Position, v.StationID)
	}
	return tw.Flush()
}
