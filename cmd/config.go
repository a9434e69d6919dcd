package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/croxy/pkg/config"
)

var configPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or edit the config file",
	}
	configCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Config TOML path")

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value at a dotted key path, e.g. server.port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.Get(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set the value at a dotted key path and save the config",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.Set(cfg, args[0], args[1]); err != nil {
				return err
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config invalid after set: %w", err)
			}
			if err := config.Save(configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	}

	configCmd.AddCommand(getCmd, setCmd)
	rootCmd.AddCommand(configCmd)
}
