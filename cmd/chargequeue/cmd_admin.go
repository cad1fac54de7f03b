/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/friendsincode/chargequeue/internal/queue"
	"github.com/friendsincode/chargequeue/internal/server"
)

var (
	adminClearForce bool
	sessionStation  int
	sessionMinutes  int
	sessionEmail    string
	sessionName     string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator commands against the queue database",
	Long: `Operator commands that act directly on the queue database.

Events are forwarded to running servers when an event relay is configured.
Run servers and these commands with CHARGEQ_DISTRIBUTED_LOCK=true when they
share a database, otherwise concurrent mutations are not serialized.

Sessions started here are expired by the server sweep; the almost-complete
warning is only sent by a server that armed the timer itself.`,
}

var adminRemoveCmd = &cobra.Command{
	Use:   "remove <entry-id>",
	Short: "Remove an entry regardless of status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseEntryID(args[0])
		if err != nil {
			return err
		}
		return withCore(func(ctx context.Context, core *server.Core) error {
			if err := core.Service.AdminRemoveEntry(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed entry %d\n", id)
			return nil
		})
	},
}

var adminForceCompleteCmd = &cobra.Command{
	Use:   "force-complete <entry-id>",
	Short: "End an active session and free its station",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseEntryID(args[0])
		if err != nil {
			return err
		}
		return withCore(func(ctx context.Context, core *server.Core) error {
			if err := core.Service.AdminForceComplete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed entry %d\n", id)
			return nil
		})
	},
}

var adminStartSessionCmd = &cobra.Command{
	Use:   "start-session",
	Short: "Start a walk-up session on a free station",
	Long: `Start a session directly on a free, unreserved station.

With --email an existing user is reused and keeps overtime; otherwise a user
is created and the session completes automatically at its deadline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, core *server.Core) error {
			entry, err := core.Service.AdminStartSession(ctx, queue.AdminSession{
				StationID:       sessionStation,
				DurationMinutes: sessionMinutes,
				Email:           sessionEmail,
				Name:            sessionName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started entry %d on %s until %s\n",
				entry.ID, core.Service.StationName(entry.StationID), entry.EstimatedEndTime.Format("15:04:05"))
			return nil
		})
	},
}

var adminClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every queue entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !adminClearForce {
			fmt.Fprint(cmd.OutOrStdout(), "This deletes every waiting entry and active session. Type 'yes' to confirm: ")
			reader := bufio.NewReader(os.Stdin)
			response, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			if strings.TrimSpace(strings.ToLower(response)) != "yes" {
				fmt.Fprintln(cmd.OutOrStdout(), "Clear cancelled.")
				return nil
			}
		}
		return withCore(func(ctx context.Context, core *server.Core) error {
			n, err := core.Service.AdminClearAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		})
	},
}

var adminRenumberCmd = &cobra.Command{
	Use:   "renumber",
	Short: "Repair waiting positions to 1..N and re-run station matching",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, core *server.Core) error {
			if err := core.Service.AdminRenumber(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "positions renumbered")
			return nil
		})
	},
}

var adminAssignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Match free stations to the head of the line",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, core *server.Core) error {
			n, err := core.Service.AssignStations(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "assigned %d stations\n", n)
			return nil
		})
	},
}

func init() {
	adminClearCmd.Flags().BoolVarP(&adminClearForce, "force", "f", false, "Skip confirmation prompt")

	adminStartSessionCmd.Flags().IntVar(&sessionStation, "station", 0, "Station id (1-based)")
	adminStartSessionCmd.Flags().IntVar(&sessionMinutes, "minutes", 0, "Session length in minutes")
	adminStartSessionCmd.Flags().StringVar(&sessionEmail, "email", "", "Email of the driver")
	adminStartSessionCmd.Flags().StringVar(&sessionName, "name", "", "Display name for a new user")
	_ = adminStartSessionCmd.MarkFlagRequired("station")
	_ = adminStartSessionCmd.MarkFlagRequired("minutes")

	adminCmd.AddCommand(adminRemoveCmd, adminForceCompleteCmd, adminStartSessionCmd, adminClearCmd, adminRenumberCmd, adminAssignCmd)
	rootCmd.AddCommand(adminCmd)
}

func parseEntryID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid entry id %q", s)
	}
	return uint(id), nil
}
