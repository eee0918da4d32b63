package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conduit-network/conduit/pkg/rpc"
)

func newCommitCmd() *cobra.Command {
	var push, actions, source string
	cmd := &cobra.Command{
		Use:   "commit [pattern]",
		Short: "Run the controller-commit pipeline",
		Long: "Run the controller-commit pipeline: optionally invoke service\n" +
			"actions, validate the candidate, then lock/edit/validate/commit on\n" +
			"every matching open device with rollback on partial failure.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch push {
			case "NONE", "VALIDATE", "COMMIT":
			default:
				return fmt.Errorf("--push must be NONE, VALIDATE or COMMIT")
			}
			switch actions {
			case "NONE", "CHANGE", "FORCE":
			default:
				return fmt.Errorf("--actions must be NONE, CHANGE or FORCE")
			}
			return runTransactionRPC(rpc.Op("controller-commit",
				"device", patternArg(args),
				"push", push,
				"actions", actions,
				"source", source,
				"origin", origin()))
		},
	}
	cmd.Flags().StringVar(&push, "push", "COMMIT", "push mode: NONE, VALIDATE or COMMIT")
	cmd.Flags().StringVar(&actions, "actions", "NONE", "service-action mode: NONE, CHANGE or FORCE")
	cmd.Flags().StringVar(&source, "source", "candidate", "source datastore: candidate or running")
	return cmd
}

func newDiffCmd() *cobra.Command {
	var ds1, ds2 string
	cmd := &cobra.Command{
		Use:   "diff [pattern]",
		Short: "Show per-device datastore diffs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			reply, err := cli.Call(rpc.Op("datastore-diff",
				"devname", patternArg(args),
				"config-type1", ds1,
				"config-type2", ds2))
			if err != nil {
				return err
			}
			xdiff := reply.Find("diff")
			if xdiff == nil {
				return fmt.Errorf("malformed reply")
			}
			if len(xdiff.Children) == 0 {
				fmt.Println("No changes")
				return nil
			}
			for _, d := range xdiff.FindAll("device") {
				fmt.Printf("%s:\n", d.Body("name"))
				for _, x := range d.FindAll("deleted") {
					for _, c := range x.Children {
						fmt.Printf("  - %s\n", c.String())
					}
				}
				for _, x := range d.FindAll("added") {
					for _, c := range x.Children {
						fmt.Printf("  + %s\n", c.String())
					}
				}
				for _, x := range d.FindAll("changed") {
					before := x.Find("before")
					after := x.Find("after")
					if before != nil && after != nil {
						for _, c := range before.Children {
							fmt.Printf("  - %s\n", c.String())
						}
						for _, c := range after.Children {
							fmt.Printf("  + %s\n", c.String())
						}
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ds1, "from", "running", "first datastore")
	cmd.Flags().StringVar(&ds2, "to", "candidate", "second datastore")
	return cmd
}
