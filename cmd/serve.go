package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/croxy/pkg/config"
	"github.com/lkarlslund/croxy/pkg/metricslog"
	"github.com/lkarlslund/croxy/pkg/proxy"
)

var serveConfigPath string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			var sink *metricslog.Writer
			if cfg.Logging.Metrics.Enabled {
				sink, err = metricslog.Open(cfg.Logging.Metrics.Path, cfg.Logging.Metrics.MaxSizeMB, cfg.Logging.Metrics.MaxFiles)
				if err != nil {
					return fmt.Errorf("open metrics log: %w", err)
				}
				defer sink.Close()
			}

			var srv *proxy.Server
			if sink != nil {
				srv = proxy.NewServer(*cfg, sink)
			} else {
				srv = proxy.NewServer(*cfg, nil)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("starting croxy", "config", serveConfigPath)
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", config.DefaultConfigPath(), "Config TOML path")
	rootCmd.AddCommand(serveCmd)
}
