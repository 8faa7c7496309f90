// Command svs switches the funded identity between a pair of Solana
// validator nodes: status, switch, and test-alert subcommands, plus a
// monitor daemon mode. Interactive menus and terminal dashboard rendering
// are out of scope; the root command prints usage when invoked with no
// subcommand instead of opening a TUI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "svs",
	Short:   "Fast, safe identity switches between paired Solana validator nodes",
	Version: version,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the validator-pairs configuration file")
	rootCmd.AddCommand(statusCmd, switchCmd, testAlertCmd, monitorCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func requireConfigPath(cmd *cobra.Command) error {
	if configPath == "" {
		return fmt.Errorf("%s: --config is required", cmd.Name())
	}
	return nil
}
