package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/hvac-director/db"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

var dbPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "hvac-debug",
		Short:        "Inspect and edit the hvac-director database while it is stopped",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "data/hvac-director.db", "Path to the SQLite database file")
	root.AddCommand(setHoldCmd(), clearHoldCmd(), listHoldsCmd(), historyCmd())
	return root
}

func setHoldCmd() *cobra.Command {
	var s zone.Settings
	cmd := &cobra.Command{
		Use:   "set-hold ZONE",
		Short: "Hold a zone at the given settings; applied at the next start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("setpoint") {
				return fmt.Errorf("--setpoint is required")
			}
			if err := db.SetHoldCLI(dbPath, args[0], s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Hold set for zone %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Float64Var(&s.Setpoint, "setpoint", 0, "Setpoint")
	cmd.Flags().BoolVar(&s.Enabled, "enabled", true, "Zone enabled")
	cmd.Flags().BoolVar(&s.Voting, "voting", true, "Zone may start the unit")
	cmd.Flags().IntVar(&s.DumpPriority, "dump-priority", 0, "Dump priority, 0 never dumps")
	return cmd
}

func clearHoldCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-hold ZONE",
		Short: "Remove a zone's stored hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.ClearHoldCLI(dbPath, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Hold cleared for zone %s\n", args[0])
			return nil
		},
	}
}

func listHoldsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-holds",
		Short: "List stored holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return db.ListHoldsCLI(dbPath, cmd.OutOrStdout())
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history UNIT",
		Short: "Show the recorded device status of a unit, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return db.DeviceHistoryCLI(dbPath, args[0], limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of rows")
	return cmd
}
