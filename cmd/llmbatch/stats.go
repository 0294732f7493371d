package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/llmbatch/pkg/tracker"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		runID      string
		runs       bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage from the run ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.Tracker.DBPath)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := context.Background()

			if runs {
				list, err := tr.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Println("No runs found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RUN ID\tMODEL\tSTARTED\tRECORDS\tCOST")
				for _, r := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.4f\n",
						r.ID, r.Model, r.StartedAt.Format("2006-01-02T15:04:05"), r.Records, r.Cost)
				}
				return w.Flush()
			}

			summaries, err := tr.Summary(ctx, runID)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tMODEL\tRECORDS\tCACHE HITS\tFAILED\tINPUT\tOUTPUT\tCACHE WRITE\tCACHE READ")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
					s.RunID, s.Model, s.RequestCount, s.CacheHits, s.Failed,
					s.Usage.InputTokens, s.Usage.OutputTokens, s.Usage.CacheWriteTokens, s.Usage.CacheReadTokens)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "llmbatch.yaml", "path to config file")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	cmd.Flags().BoolVar(&runs, "runs", false, "list runs")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}
