package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/conduit/pkg/router"
	"github.com/pario-ai/conduit/pkg/tracker"
)

func newProvidersCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect upstream providers",
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show the last persisted circuit breaker state per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			hs, err := router.NewHealthStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = hs.Close() }()

			persisted, err := hs.Load(context.Background())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tSTATE\tFAILURES\tOPENED\tUPDATED")
			for _, pc := range cfg.Providers {
				h, ok := persisted[pc.Name]
				if !ok {
					fmt.Fprintf(w, "%s\tclosed\t0\t-\t-\n", pc.Name)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", pc.Name, h.State, h.ConsecutiveFailures,
					formatTime(h.OpenedAt), formatTime(h.UpdatedAt))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(healthCmd)
	return cmd
}

func newSpendCmd(configPath *string) *cobra.Command {
	var (
		tenant string
		daily  bool
		since  string
	)

	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Show recorded spend by tenant, operation and provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			ctx := context.Background()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

			if daily {
				sinceTime := beginningOfMonth()
				if since != "" {
					if sinceTime, err = time.Parse("2006-01-02", since); err != nil {
						return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
					}
				}
				days, err := tr.Daily(ctx, tenant, sinceTime)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "DAY\tTENANT\tREQUESTS\tTOTAL")
				for _, d := range days {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.Day, d.TenantID, d.RequestCount, dollars(d.TotalCents))
				}
				return w.Flush()
			}

			rows, err := tr.Summary(ctx, tenant)
			if err != nil {
				return err
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].TotalCents > rows[j].TotalCents })

			var total int64
			fmt.Fprintln(w, "TENANT\tOPERATION\tPROVIDER\tREQUESTS\tTOTAL")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.TenantID, r.Operation, r.Provider, r.RequestCount, dollars(r.TotalCents))
				total += r.TotalCents
			}
			fmt.Fprintf(w, "\t\t\tTOTAL\t%s\n", dollars(total))
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant")
	cmd.Flags().BoolVar(&daily, "daily", false, "group by day instead")
	cmd.Flags().StringVar(&since, "since", "", "start date for --daily (YYYY-MM-DD, default start of month)")
	return cmd
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
