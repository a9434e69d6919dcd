package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/croxy/pkg/config"
)

var initConfigPath string

func init() {
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a minimal starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(initConfigPath); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s, leaving it untouched\n", initConfigPath)
				return nil
			}

			cfg := config.NewDefault()
			cfg.Providers["anthropic"] = config.Provider{URL: "https://api.anthropic.com"}
			cfg.Default.Provider = "anthropic"
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("starter config invalid: %w", err)
			}
			if err := config.Save(initConfigPath, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", initConfigPath)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&initConfigPath, "config", "c", config.DefaultConfigPath(), "Config TOML path")
	rootCmd.AddCommand(initCmd)
}
