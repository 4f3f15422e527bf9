package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/familysync/corekit/core"
)

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "Inspect known family devices"}
	cmd.AddCommand(deviceListCmd())
	cmd.AddCommand(deviceAddCmd())
	return cmd
}

func deviceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known devices and their last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tx, err := current.store.Begin(ctx)
			if err != nil {
				return err
			}
			devices, err := current.store.ListDevices(tx)
			_ = current.store.Rollback(tx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(devices)
		},
	}
}

func deviceAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add [bluetooth-identifier]",
		Short: "Register a peer device so it can be synced with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tx, err := current.store.Begin(ctx)
			if err != nil {
				return err
			}
			d := core.FamilyDevice{ID: core.NewID(), BluetoothIdentifier: args[0], CustomName: name}
			if err := current.store.UpsertDevice(tx, d); err != nil {
				_ = current.store.Rollback(tx)
				return err
			}
			if err := current.store.Commit(tx); err != nil {
				return err
			}
			fmt.Printf("registered device %s (%s)\n", d.ID, d.BluetoothIdentifier)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "a human-friendly custom name")
	return cmd
}
