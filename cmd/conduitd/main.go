// Conduitd - the conduit network configuration controller daemon.
//
// Conduitd maintains NETCONF/SSH sessions to a fleet of devices,
// acquires each device's YANG schemas, syncs device configuration
// into the controller datastore, and serves the operator RPC surface
// (pull, push, commit, diff, reconnect, template-apply) on a unix
// socket.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conduit-network/conduit/pkg/config"
	"github.com/conduit-network/conduit/pkg/controller"
	"github.com/conduit-network/conduit/pkg/rpc"
	"github.com/conduit-network/conduit/pkg/util"
	"github.com/conduit-network/conduit/pkg/version"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "conduitd",
		Short:        "Conduit network configuration controller daemon",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/conduit/conduitd.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log in JSON format")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	if err := util.SetLogLevel(logLevel); err != nil {
		return err
	}
	if logJSON {
		util.SetJSONFormat()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	c, err := controller.New(cfg)
	if err != nil {
		return err
	}
	srv, err := rpc.NewServer(c, cfg.Listen)
	if err != nil {
		return err
	}
	go srv.Serve()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		util.Infof("received %s, shutting down", sig)
		srv.Close()
		c.Stop()
	}()

	util.Infof("conduitd %s listening on %s (%d devices)",
		version.String(), cfg.Listen, len(cfg.Devices))
	c.Run()
	return nil
}
