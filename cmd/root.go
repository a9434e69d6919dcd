package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/croxy/pkg/logutil"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "croxy",
	Short: "Model-routing proxy for the Anthropic API",
	Long:  "Croxy is a local reverse proxy for the Anthropic Messages API that routes requests to providers by model name, by an LLM classifier, or by default.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(logLevel)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
}
