package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/lkarlslund/duckbridge/pkg/config"
	"github.com/lkarlslund/duckbridge/pkg/wizard"
	"github.com/spf13/cobra"
)

var configServerPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Run the configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configServerPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					cfg = config.NewDefaultServerConfig()
				} else {
					return fmt.Errorf("load server config: %w", err)
				}
			}
			return wizard.Run(cmd.InOrStdin(), cmd.OutOrStdout(), configServerPath, cfg)
		},
	}

	configCmd.Flags().StringVar(&configServerPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(configCmd)
}
