// Conduit - operator CLI for the conduit controller.
//
// Commands map to controller RPCs:
//
//	conduit devices                       # device states and diagnostics
//	conduit pull [pattern] [--merge]      # sync device config into the controller
//	conduit push [pattern]                # push intent deltas to devices
//	conduit commit [pattern] [--push ...] # controller-commit pipeline
//	conduit diff [pattern]                # running vs candidate per device
//	conduit connect|close|reconnect       # connection-change
//	conduit apply -t file [pattern]       # device-template-apply
//	conduit transaction new|error         # transaction lifecycle
//	conduit watch                         # follow transaction notifications
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conduit-network/conduit/pkg/rpc"
	"github.com/conduit-network/conduit/pkg/util"
	"github.com/conduit-network/conduit/pkg/version"
)

var (
	socketPath string
	verbose    bool
	noWait     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "conduit",
		Short:         "Conduit network configuration CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				return util.SetLogLevel("debug")
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/conduit.sock", "controller RPC socket")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&noWait, "no-wait", false, "return the transaction id without waiting for the result")

	rootCmd.AddCommand(
		newDevicesCmd(),
		newPullCmd(),
		newPushCmd(),
		newCommitCmd(),
		newDiffCmd(),
		newConnectionCmd("connect", "OPEN"),
		newConnectionCmd("close", "CLOSE"),
		newConnectionCmd("reconnect", "RECONNECT"),
		newApplyCmd(),
		newTransactionCmd(),
		newSyncConfigCmd(),
		newWatchCmd(),
		newDeviceAddCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version.String())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dial connects to the controller socket.
func dial() (*rpc.Client, error) {
	return rpc.Dial(socketPath)
}

// patternArg returns the glob pattern argument, defaulting to all
// devices.
func patternArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "*"
}

// origin identifies this CLI invocation in transaction records.
func origin() string {
	host, err := os.Hostname()
	if err != nil {
		return "cli"
	}
	return "cli@" + host
}

// runTransactionRPC subscribes for notifications, issues the RPC, and
// waits for the terminal transaction result unless --no-wait is set.
func runTransactionRPC(op string) error {
	cli, err := dial()
	if err != nil {
		return err
	}
	defer cli.Close()

	if noWait {
		tid, err := cli.CallTID(op)
		if err != nil {
			return err
		}
		fmt.Printf("transaction %d\n", tid)
		return nil
	}

	// Subscribe on a second connection before issuing the RPC so the
	// terminal notification cannot be missed.
	sub, err := dial()
	if err != nil {
		return err
	}
	defer sub.Close()
	if err := sub.SubscribeStart(); err != nil {
		return err
	}
	tid, err := cli.CallTID(op)
	if err != nil {
		return err
	}
	fmt.Printf("transaction %d\n", tid)
	result, reason, err := sub.WaitTransaction(tid)
	if err != nil {
		return err
	}
	if reason != "" {
		fmt.Printf("%s: %s\n", result, reason)
	} else {
		fmt.Println(result)
	}
	if result != "SUCCESS" {
		return fmt.Errorf("transaction %d %s", tid, result)
	}
	return nil
}
