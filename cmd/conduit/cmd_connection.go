package main

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/conduit-network/conduit/pkg/config"
	"github.com/conduit-network/conduit/pkg/rpc"
)

func newConnectionCmd(use, operation string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [pattern]",
		Short: fmt.Sprintf("%s device connections", operation),
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := rpc.Op("connection-change",
				"devname", patternArg(args),
				"operation", operation,
				"origin", origin())
			if operation == "CLOSE" {
				cli, err := dial()
				if err != nil {
					return err
				}
				defer cli.Close()
				_, err = cli.Call(op)
				return err
			}
			return runTransactionRPC(op)
		},
	}
}

func newDeviceAddCmd() *cobra.Command {
	var configPath, addr, user, connType, yangConfig string
	var disabled bool
	cmd := &cobra.Command{
		Use:   "device-add <name>",
		Short: "Add a device to the controller inventory",
		Long: "Add a device to the conduitd inventory file. The SSH password is\n" +
			"prompted for and never echoed. Restart or reconnect for the new\n" +
			"device to be dialed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				return fmt.Errorf("--addr is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			name := args[0]
			if cfg.Device(name) != nil {
				return fmt.Errorf("device %s already in inventory", name)
			}
			fmt.Printf("Password for %s@%s: ", user, addr)
			pw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return err
			}
			cfg.Devices = append(cfg.Devices, config.DeviceConfig{
				Name:       name,
				Addr:       addr,
				User:       user,
				Password:   string(pw),
				Enabled:    !disabled,
				ConnType:   connType,
				YangConfig: yangConfig,
			})
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Printf("added %s (%s)\n", name, addr)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/conduit/conduitd.yaml", "conduitd config file")
	cmd.Flags().StringVar(&addr, "addr", "", "device address")
	cmd.Flags().StringVar(&user, "user", "admin", "SSH user")
	cmd.Flags().StringVar(&connType, "conn-type", "NETCONF_SSH", "connection type")
	cmd.Flags().StringVar(&yangConfig, "yang-config", "VALIDATE", "schema policy: VALIDATE or BIND")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add the device disabled")
	return cmd
}
