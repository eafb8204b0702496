package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// clientVersion is printed by the version subcommand. Submitted samples
// carry the configured client version (OPENBLOCKPERF_CLIENT_VERSION) instead.
const clientVersion = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "blockperf",
	Short: "Node-side block propagation telemetry agent",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(clientVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(registerCmd)
}
