package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newStreamCmd() *cobra.Command {
	var (
		configPath string
		vars       map[string]string
	)

	cmd := &cobra.Command{
		Use:     "stream",
		Short:   "Render one request and stream the response",
		Example: `  llmbatch stream -c llmbatch.yaml --var text="Why is the sky blue?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			return streamOnce(ctx, rt, vars, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "llmbatch.yaml", "path to config file")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "template fields (key=value)")
	return cmd
}

func streamOnce(ctx context.Context, rt *runtime, vars map[string]string, out io.Writer) error {
	fields := make(map[string]any, len(vars))
	for k, v := range vars {
		fields[k] = v
	}
	req, err := rt.engine.Render(fields)
	if err != nil {
		return err
	}

	for chunk, err := range rt.engine.Streamer().Stream(ctx, req) {
		if err != nil {
			fmt.Fprintln(out)
			return err
		}
		if _, err := io.WriteString(out, chunk.Text); err != nil {
			return err
		}
	}
	fmt.Fprintln(out)

	s := rt.engine.Metrics().Snapshot()
	fmt.Fprintf(os.Stderr, "tokens: input %d, output %d, cache read %d; estimated cost $%.6f\n",
		s.Tokens.InputTokens, s.Tokens.OutputTokens, s.Tokens.CacheReadTokens, s.EstimatedCost)
	return nil
}
