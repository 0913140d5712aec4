package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lkarlslund/duckbridge/pkg/config"
	"github.com/lkarlslund/duckbridge/pkg/pacing"
	"github.com/spf13/cobra"
)

var (
	statusConfigPath string
	statusJSON       bool
)

func init() {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the shared pacing status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(statusConfigPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load server config: %w", err)
				}
				cfg = config.NewDefaultServerConfig()
			}
			config.ApplyEnvOverrides(cfg)
			cfg.Normalize()

			st, closeStore, err := pacing.Open(cfg.Pacing)
			if err != nil {
				return fmt.Errorf("open pacing store: %w", err)
			}
			defer closeStore()
			coord := pacing.NewCoordinator(st, pacing.OptionsFromConfig(cfg.Pacing)...)
			status, err := coord.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("read pacing status: %w", err)
			}

			out := cmd.OutOrStdout()
			if statusJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			fmt.Fprintf(out, "Store:              %s (%s)\n", cfg.Pacing.Backend, cfg.Pacing.Path)
			fmt.Fprintf(out, "Window:             %s\n", coord.Window())
			fmt.Fprintf(out, "Requests in window: %d\n", status.Count)
			fmt.Fprintf(out, "Limited:            %t\n", status.Limited)
			if status.Limited {
				fmt.Fprintf(out, "Retry after:        %s\n", time.Duration(status.RetryAfterMs)*time.Millisecond)
			}
			if status.LastRequestTime > 0 {
				fmt.Fprintf(out, "Last request:       %s\n", time.UnixMilli(status.LastRequestTime).Format(time.RFC3339))
			}
			fmt.Fprintf(out, "Window resets in:   %s\n", time.Duration(status.TimeUntilResetMs)*time.Millisecond)
			return nil
		},
	}
	statusCmd.Flags().StringVar(&statusConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the status as JSON")
	rootCmd.AddCommand(statusCmd)
}
