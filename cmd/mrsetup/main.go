// Package main provides the entry point for the mrsetup CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeline/mrsetup/cmd/mrsetup/commands"
	"github.com/forgeline/mrsetup/pkg/version"
)

var (
	verbose bool
	quiet   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mrsetup",
		Short: "mrsetup - multi-repository content-addressed setup orchestrator",
		Long: `mrsetup resolves a declarative multi-repository configuration into
immutable Git trees, materializing each named source root (local paths,
Git commits, archives, distdirs, computed trees) and assembling a single
multi-repo configuration document.

Commands:
  setup   Resolve a repositories configuration into workspace roots
  chunk   Split a file into content-defined chunks (FastCDC)
  hash    Compute a digest over stdin or a file
  config  Print the effective orchestrator configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (parsed; no subcommand reads it)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output (parsed; no subcommand reads it)")

	rootCmd.AddCommand(commands.NewSetupCommand())
	rootCmd.AddCommand(commands.NewChunkCommand())
	rootCmd.AddCommand(commands.NewHashCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "mrsetup %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
