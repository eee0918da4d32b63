package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conduit-network/conduit/pkg/rpc"
)

func newTransactionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transaction",
		Short: "Transaction lifecycle operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Allocate a new transaction id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			tid, err := cli.CallTID(rpc.Op("transaction-new", "origin", origin()))
			if err != nil {
				return err
			}
			fmt.Printf("transaction %d\n", tid)
			return nil
		},
	})
	var reason string
	errCmd := &cobra.Command{
		Use:   "error <tid>",
		Short: "Abort an in-flight transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			_, err = cli.Call(rpc.Op("transaction-error",
				"tid", args[0],
				"origin", origin(),
				"reason", reason))
			return err
		},
	}
	errCmd.Flags().StringVar(&reason, "reason", "Aborted by user", "failure reason recorded on the transaction")
	cmd.AddCommand(errCmd)
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the transaction notification stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			if err := cli.SubscribeStart(); err != nil {
				return err
			}
			for {
				ev, err := cli.NextNotification()
				if err != nil {
					return err
				}
				if ev.Reason != "" {
					fmt.Printf("transaction %d: %s (%s)\n", ev.TID, ev.Result, ev.Reason)
				} else {
					fmt.Printf("transaction %d: %s\n", ev.TID, ev.Result)
				}
			}
		},
	}
}
