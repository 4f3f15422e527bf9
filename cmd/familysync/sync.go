package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/familysync/corekit/core"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "Run and inspect peer sync exchanges"}
	cmd.AddCommand(syncRunCmd())
	cmd.AddCommand(syncStatusCmd())
	cmd.AddCommand(syncPruneCmd())
	cmd.AddCommand(syncLogExportCmd())
	return cmd
}

func syncRunCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "run [device-id]",
		Short: "Sync with a known peer device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := current.orch.Sync(cmd.Context(), args[0], core.SyncMode(mode))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(outcome)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(core.ModeIncremental), "sync mode: full|incremental|pull|push")
	return cmd
}

func syncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [device-id]",
		Short: "Report progress of an in-flight sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			progress, inFlight := current.orch.Progress(args[0])
			if !inFlight {
				fmt.Println("idle")
				return nil
			}
			fmt.Printf("%.0f%%\n", progress*100)
			return nil
		},
	}
}

func syncPruneCmd() *cobra.Command {
	var olderThanDays int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete edit history older than a retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff := time.Now().AddDate(0, 0, -olderThanDays)
			n, err := current.orch.PruneHistory(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d history record(s) older than %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 365, "retention window in days")
	return cmd
}

func syncLogExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log-export",
		Short: "Export the sync log as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tx, err := current.store.Begin(ctx)
			if err != nil {
				return err
			}
			logs, err := current.store.ListSyncLogs(tx)
			if err != nil {
				_ = current.store.Rollback(tx)
				return err
			}
			_ = current.store.Rollback(tx)
			out, err := yaml.Marshal(logs)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}
