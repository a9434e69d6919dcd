package cmd

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/croxy/pkg/config"
)

var shellenvConfigPath string

func init() {
	shellenvCmd := &cobra.Command{
		Use:   "shellenv",
		Short: "Print an export line pointing ANTHROPIC_BASE_URL at a running croxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(shellenvConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			host := cfg.Server.Host
			switch host {
			case "0.0.0.0":
				host = "127.0.0.1"
			case "::":
				host = "::1"
			}
			addr := net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))

			conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
			if err != nil {
				// Not running: print nothing, so `eval "$(croxy shellenv)"`
				// is a harmless no-op.
				return nil
			}
			_ = conn.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "export ANTHROPIC_BASE_URL=http://%s\n", addr)
			return nil
		},
	}
	shellenvCmd.Flags().StringVarP(&shellenvConfigPath, "config", "c", config.DefaultConfigPath(), "Config TOML path")
	rootCmd.AddCommand(shellenvCmd)
}
