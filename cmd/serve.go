package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/duckbridge/pkg/config"
	"github.com/lkarlslund/duckbridge/pkg/logstore"
	"github.com/lkarlslund/duckbridge/pkg/logutil"
	"github.com/lkarlslund/duckbridge/pkg/pacing"
	"github.com/lkarlslund/duckbridge/pkg/proxy"
	"github.com/lkarlslund/duckbridge/pkg/version"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveEnvFile            string
)

// loadServeConfig resolves the effective config: file (created with defaults
// when missing), then .env and process environment, then flags.
func loadServeConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	if err := config.LoadDotEnv(serveEnvFile); err != nil {
		return nil, err
	}
	_, statErr := os.Stat(serveConfigPath)
	cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	if errors.Is(statErr, os.ErrNotExist) {
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s. Run `duckbridge config` to change it.\n", serveConfigPath)
	}
	config.ApplyEnvOverrides(cfg)
	serveFlagOverrides(cmd)(cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serveFlagOverrides applies --listen-addr and --loglevel. The config store
// re-runs it after every hot reload.
func serveFlagOverrides(cmd *cobra.Command) func(*config.ServerConfig) {
	listenSet := cmd.Flags().Changed("listen-addr")
	listen := serveListenAddrOverride
	level := logLevel
	return func(cfg *config.ServerConfig) {
		if listenSet {
			cfg.ListenAddr = listen
		}
		if level != "" {
			cfg.LogLevel = level
		}
	}
}

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(cmd)
			if err != nil {
				return err
			}
			if err := logutil.Configure(cfg.LogLevel); err != nil {
				return err
			}
			log.Info("starting duckbridge", "version", version.String(), "config", serveConfigPath, "pacing", cfg.Pacing.Backend)

			pacingStore, closeStore, err := pacing.Open(cfg.Pacing)
			if err != nil {
				return fmt.Errorf("open pacing store: %w", err)
			}
			defer func() {
				if err := closeStore(); err != nil {
					log.Warn("close pacing store", "err", err)
				}
			}()

			logs := logstore.NewStore(logstore.DefaultMaxLines)
			logutil.SetOutputTee(logs.Writer())
			defer logutil.SetOutputTee(nil)

			store := config.NewServerConfigStore(serveConfigPath, cfg)
			store.SetOverrides(serveFlagOverrides(cmd))
			srv, err := proxy.NewServer(store, pacingStore, proxy.WithLogStore(logs))
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(serveCmd)
}
