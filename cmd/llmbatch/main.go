package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pario-ai/llmbatch/pkg/logx"
)

var version = "dev"

func main() {
	var (
		logLevel  string
		logFormat string
	)

	root := &cobra.Command{
		Use:           "llmbatch",
		Short:         "Run templated LLM prompts over tabular records",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env file is fine.
			_ = godotenv.Load()
			logx.Init(logx.Options{Level: logLevel, Format: logFormat})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console or json)")

	root.AddCommand(
		newRunCmd(),
		newStreamCmd(),
		newCacheCmd(),
		newStatsCmd(),
		newCostCmd(),
		newBudgetCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
