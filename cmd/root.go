package cmd

import (
	"fmt"
	"os"

	"github.com/lkarlslund/duckbridge/pkg/logutil"
	"github.com/spf13/cobra"
)

var (
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "duckbridge",
		Short: "OpenAI-compatible bridge to duckchat",
		Long:  "duckbridge serves the OpenAI chat-completion API, including simulated function calling, on top of the duckchat service.",
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "", "Log level (trace, debug, info, warn, error, fatal); overrides log_level in config")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(logLevel)
	}
}
