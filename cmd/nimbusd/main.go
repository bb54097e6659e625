// Package main provides the CLI entry point for the Nimbus VPN server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimbusvpn/nimbus/internal/config"
	"github.com/nimbusvpn/nimbus/internal/server"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nimbusd",
		Short: "Nimbus - VPN server data plane",
		Long: `Nimbusd is the Nimbus VPN server data plane. It tracks client
sessions against an external access authority and proxies client UDP
flows to the public Internet through a bounded worker pool.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the VPN server",
		Long:  "Start the VPN server with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			srv, err := server.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("Received %s, shutting down...\n", sig)

			srv.Stop()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "nimbus.yaml", "Path to configuration file")

	return cmd
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Long:  "Parse and validate the configuration, printing the redacted result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Print(cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "nimbus.yaml", "Path to configuration file")

	return cmd
}
