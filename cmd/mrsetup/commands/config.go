package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	cfgpkg "github.com/forgeline/mrsetup/internal/config"
)

// NewConfigCommand builds the `mrsetup config` subcommand: prints the
// effective orchestrator settings.
func NewConfigCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective orchestrator configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cfgpkg.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			encoded, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))

			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to orchestrator settings file (default: search .mrsetup.yaml)")

	return cmd
}
