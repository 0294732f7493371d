package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/llmbatch/pkg/logx"
	"github.com/pario-ai/llmbatch/pkg/metrics"
	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/rowio"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		inputPath  string
		outputPath string
		format     string
		withUsage  bool
		vars       map[string]string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the prompt over every input record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, true)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("with-usage") {
				cfg.Output.WithUsage = withUsage
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if cfg.Stream {
				return streamOnce(ctx, rt, vars, os.Stdout)
			}

			if cfg.Metrics.Listen != "" {
				srv := metrics.NewServer(cfg.Metrics.Listen, rt.registry)
				go func() {
					if err := srv.Run(ctx); err != nil {
						logx.Error().Err(err).Msg("metrics server stopped")
					}
				}()
			}

			in, err := rowio.Open(inputPath, rowio.Format(format))
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()

			var out io.Writer = os.Stdout
			if outputPath != "" && outputPath != "-" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer func() { _ = f.Close() }()
				out = f
			}
			w := rowio.NewJSONLWriter(out, rowio.WriterOptions{
				OutputField: cfg.Output.Field,
				WithUsage:   cfg.Output.WithUsage,
			})

			b := rt.engine.Run(ctx, in.Records())
			for o := range b.Results() {
				if o.Failed() {
					logx.Warn().Int("index", o.Index).Str("kind", string(o.ErrorKind)).Msg(o.Error)
				}
				if err := w.Write(o); err != nil {
					return err
				}
			}

			printSummary(os.Stderr, b.Summary())
			if err := in.Err(); err != nil {
				return fmt.Errorf("input: %w", err)
			}
			return b.Err()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "llmbatch.yaml", "path to config file")
	cmd.Flags().StringVarP(&inputPath, "input", "i", "-", "input file (.jsonl or .csv, - for stdin)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "-", "output JSONL file (- for stdout)")
	cmd.Flags().StringVar(&format, "format", "", "input format (jsonl or csv); guessed from the extension by default")
	cmd.Flags().BoolVar(&withUsage, "with-usage", false, "add token, cost and cache columns to output rows")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "template fields for stream mode (key=value)")
	return cmd
}

func printSummary(out io.Writer, s models.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Run:\t%s\n", s.RunID)
	fmt.Fprintf(w, "Processed:\t%d\n", s.Processed)
	fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	fmt.Fprintf(w, "Cache hits:\t%d\n", s.CacheHits)
	fmt.Fprintf(w, "Cache misses:\t%d\n", s.CacheMisses)
	fmt.Fprintf(w, "Retried:\t%d\n", s.Retried)
	fmt.Fprintf(w, "Tokens:\tinput %d, output %d, cache write %d, cache read %d\n",
		s.Tokens.InputTokens, s.Tokens.OutputTokens, s.Tokens.CacheWriteTokens, s.Tokens.CacheReadTokens)
	cost := fmt.Sprintf("$%.4f", s.EstimatedCost)
	if s.UnknownPricing > 0 {
		cost += fmt.Sprintf(" (%d records without pricing)", s.UnknownPricing)
	}
	fmt.Fprintf(w, "Estimated cost:\t%s\n", cost)
	fmt.Fprintf(w, "Duration:\t%s\n", s.Duration.Round(time.Millisecond))
	_ = w.Flush()
}
