package main

import (
	"fmt"
	"os"

	"github.com/fentz26/deadhand/internal/controlplane"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "deadhand",
	Short: "deadhand - dead man's switch for digital assets",
	Long: `deadhand watches owner check-ins and, once an owner has been silent for
longer than the grace window, deletes, transfers or archives their registered
assets after each asset's delay.`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		controlplane.Version = version
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(assetCmd)
	rootCmd.AddCommand(checkinCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(releasesCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
