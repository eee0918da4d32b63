package main

import (
	"github.com/spf13/cobra"

	"github.com/conduit-network/conduit/pkg/rpc"
)

func newPullCmd() *cobra.Command {
	var merge bool
	cmd := &cobra.Command{
		Use:   "pull [pattern]",
		Short: "Sync device running configuration into the controller",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mergeStr := "false"
			if merge {
				mergeStr = "true"
			}
			return runTransactionRPC(rpc.Op("config-pull",
				"devname", patternArg(args),
				"merge", mergeStr,
				"origin", origin()))
		},
	}
	cmd.Flags().BoolVar(&merge, "merge", false, "merge into the last-synced snapshot instead of replacing it")
	return cmd
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [pattern]",
		Short: "Push intent deltas to devices",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransactionRPC(rpc.Op("sync-push",
				"devname", patternArg(args),
				"origin", origin()))
		},
	}
}
