package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/pricing"
	"github.com/pario-ai/llmbatch/pkg/tracker"
)

func newCostCmd() *cobra.Command {
	var (
		configPath string
		runID      string
	)

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Estimate costs by run and model with the configured price table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.Tracker.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			summaries, err := tr.Summary(context.Background(), runID)
			if err != nil {
				return err
			}

			reports := buildCostReports(summaries, pricing.NewTable(cfg.Cost.Pricing))
			fmt.Print(formatCostTable(reports))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "llmbatch.yaml", "path to config file")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	return cmd
}

// buildCostReports re-prices ledger usage with the current table.
func buildCostReports(summaries []models.UsageSummary, table *pricing.Table) []models.CostReport {
	reports := make([]models.CostReport, 0, len(summaries))
	for _, s := range summaries {
		r := models.CostReport{
			RunID:        s.RunID,
			Model:        s.Model,
			RequestCount: s.RequestCount,
			CacheHits:    s.CacheHits,
			Usage:        s.Usage,
		}
		if cost, err := pricing.Estimate(s.Usage, table, s.Model); err == nil {
			r.EstimatedCost = cost
			r.CostKnown = true
		}
		reports = append(reports, r)
	}
	return reports
}

func formatCostTable(reports []models.CostReport) string {
	if len(reports) == 0 {
		return "No cost data found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-25s %8s %10s %12s %10s\n",
		"RUN", "MODEL", "RECORDS", "CACHE HITS", "TOKENS", "EST. COST")
	b.WriteString(strings.Repeat("-", 106) + "\n")

	var totalCost float64
	for _, r := range reports {
		cost := "unknown"
		if r.CostKnown {
			cost = fmt.Sprintf("$%.4f", r.EstimatedCost)
			totalCost += r.EstimatedCost
		}
		fmt.Fprintf(&b, "%-36s %-25s %8d %10d %12d %10s\n",
			r.RunID, r.Model, r.RequestCount, r.CacheHits, r.Usage.Total(), cost)
	}
	b.WriteString(strings.Repeat("-", 106) + "\n")
	fmt.Fprintf(&b, "%95s $%.4f\n", "TOTAL:", totalCost)
	return b.String()
}
