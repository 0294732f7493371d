package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/llmbatch/pkg/config"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	open := func(ctx context.Context) (cacheStore, error) {
		cfg, err := loadConfig(configPath, false)
		if err != nil {
			return nil, err
		}
		if !cfg.Cache.Enabled {
			return nil, fmt.Errorf("cache is disabled in %s", configPath)
		}
		if cfg.Cache.Backend == config.CacheMemory {
			return nil, fmt.Errorf("the memory cache backend does not persist between runs")
		}
		return openCache(ctx, cfg, nil)
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, err := open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Entries: %d\n", stats.Entries)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, err := open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if err := c.Clear(ctx, expiredOnly); err != nil {
				return err
			}
			if expiredOnly {
				fmt.Println("Expired cache entries cleared.")
			} else {
				fmt.Println("All cache entries cleared.")
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "llmbatch.yaml", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
