// Package main is the entry point of the hostproxy application.
package main

import (
	"fmt"
	"os"

	"github.com/loopreactor/hostproxy/internal/proxylog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hostproxy",
		Short: "hostproxy is a host-based reverse proxy with live config reload",
		Long: `hostproxy terminates HTTP and HTTPS, dispatches requests to
upstreams by Host header, and bridges WebSocket upgrades, all driven by a
single YAML config file that is polled for changes and applied without a
restart.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRun,
	}
	cmd.Flags().StringP("config", "c", "./config.yml", "path to the YAML config file")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	log := proxylog.Named("main")
	if err := run(configPath, log); err != nil {
		log.Error("fatal", zap.Error(err))
		return err
	}
	return nil
}
