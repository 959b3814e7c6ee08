package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/conduit/pkg/cache/sqlite"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the result cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			stats, err := c.Stats(context.Background())
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
			c, err := openCache(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if err := c.Clear(context.Background(), expiredOnly); err != nil {
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

	invalidateCmd := &cobra.Command{
		Use:   "invalidate PATTERN",
		Short: `Drop entries matching "*", "op:<operation>", "<prefix>*" or an exact fingerprint`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			n, err := c.Invalidate(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Invalidated %d entries.\n", n)
			return nil
		},
	}

	cmd.AddCommand(statsCmd, clearCmd, invalidateCmd)
	return cmd
}

func openCache(configPath string) (*sqlite.Cache, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return sqlite.New(cfg.DBPath)
}
