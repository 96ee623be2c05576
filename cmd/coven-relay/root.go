// ABOUTME: Cobra command tree for coven-relay.
// ABOUTME: The root command runs the relay; subcommands inspect config and the turn ledger.

package main

import (
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
)

var (
	// Version is set at build time.
	Version = "dev"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "coven-relay",
	Short: "Relay Matrix rooms to ACP agents",
	Long: `coven-relay connects Matrix rooms to coding agents that speak the
Agent Client Protocol over stdio. Each room gets its own agent process
working in its own directory, and replies stream into the room as edits.

Running coven-relay with no subcommand is the same as 'coven-relay run'.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.Path(), "Path to the config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(turnsCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(initCmd)
}
