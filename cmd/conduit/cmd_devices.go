package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conduit-network/conduit/pkg/rpc"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices [pattern]",
		Short: "Show device connection states and last diagnostics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			reply, err := cli.Call(rpc.Op("devices", "devname", patternArg(args)))
			if err != nil {
				return err
			}
			xdevs := reply.Find("devices")
			if xdevs == nil {
				return fmt.Errorf("malformed reply")
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tSINCE\tLOGMSG")
			for _, d := range xdevs.FindAll("device") {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					d.Body("name"), d.Body("state"), d.Body("since"), d.Body("logmsg"))
			}
			return w.Flush()
		},
	}
}

func newSyncConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-config <device>",
		Short: "Show the last synced configuration of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := dial()
			if err != nil {
				return err
			}
			defer cli.Close()
			reply, err := cli.Call(rpc.Op("get-device-sync-config", "devname", args[0]))
			if err != nil {
				return err
			}
			if xc := reply.Find("config"); xc != nil {
				for _, c := range xc.Children {
					fmt.Println(c.String())
				}
			}
			return nil
		},
	}
}
