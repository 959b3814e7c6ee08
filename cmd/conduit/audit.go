package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/conduit/pkg/audit"
	"github.com/pario-ai/conduit/pkg/models"
)

func newAuditCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the request audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(configPath),
		newAuditStatsCmd(configPath),
		newAuditCleanupCmd(configPath),
	)
	return cmd
}

func newAuditSearchCmd(configPath *string) *cobra.Command {
	var (
		opts      models.AuditQueryOpts
		operation string
		since     string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts.Operation = models.Operation(operation)
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "filter by tenant")
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation")
	cmd.Flags().StringVar(&opts.Outcome, "outcome", "", "filter by outcome (success, cache_hit, retry, failed, canceled)")
	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "filter by request fingerprint")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "show every attempt of one request")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "max entries to return")
	return cmd
}

func newAuditStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit counts by operation, outcome and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit entries.\n", deleted)
			return nil
		},
	}
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	ac := cfg.Audit
	if ac.DBPath == "" {
		ac.DBPath = cfg.DBPath
	}
	l, err := audit.New(ac)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-14s %-10s %-12s %3s %-10s %8s %8s %-20s\n",
		"REQUEST ID", "TENANT", "OPERATION", "PROVIDER", "ATT", "OUTCOME", "COST", "LATENCY", "TIME")
	b.WriteString(strings.Repeat("-", 132) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-36s %-14s %-10s %-12s %3d %-10s %8s %6dms %-20s\n",
			e.RequestID, e.TenantID, e.Operation, e.Provider, e.Attempt, e.Outcome,
			dollars(e.CostCents), e.LatencyMs, e.CreatedAt.Format("2006-01-02 15:04:05"))
		if e.Error != "" {
			fmt.Fprintf(&b, "    %s\n", e.Error)
		}
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-10s %-12s %8s\n", "DAY", "OPERATION", "OUTCOME", "COUNT")
	b.WriteString(strings.Repeat("-", 45) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s %-10s %-12s %8d\n", s.Day, s.Operation, s.Outcome, s.Count)
	}
	return b.String()
}
