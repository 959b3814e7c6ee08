package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/conduit/pkg/budget"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/orchestrator"
	"github.com/pario-ai/conduit/pkg/tracker"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show and set tenant budgets",
	}

	var tenant, period string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show budget usage vs limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, cleanup, err := openLedger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			var budgets []models.Budget
			if tenant != "" {
				b, err := ledger.Get(ctx, tenant)
				if err != nil {
					return err
				}
				budgets = []models.Budget{b}
			} else if budgets, err = ledger.List(ctx, period); err != nil {
				return err
			}

			if len(budgets) == 0 {
				fmt.Println("No budgets recorded for this period.")
				return nil
			}
			return printBudgets(budgets)
		},
	}
	statusCmd.Flags().StringVar(&tenant, "tenant", "", "show a single tenant")
	statusCmd.Flags().StringVar(&period, "period", "", "billing period YYYY-MM (default current)")

	setCmd := &cobra.Command{
		Use:   "set TENANT LIMIT_CENTS",
		Short: "Set a tenant's monthly limit in cents (0 removes the limit)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || limit < 0 {
				return fmt.Errorf("limit must be a non-negative integer, got %q", args[1])
			}
			ledger, cleanup, err := openLedger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			b, err := ledger.SetLimit(context.Background(), args[0], limit)
			if err != nil {
				return err
			}
			return printBudgets([]models.Budget{b})
		},
	}

	cmd.AddCommand(statusCmd, setCmd)
	return cmd
}

func openLedger(configPath string) (*budget.Ledger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	tr, err := tracker.New(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := budget.New(cfg.DBPath, orchestrator.BudgetConfig(cfg), tr, nil, nil)
	if err != nil {
		_ = tr.Close()
		return nil, nil, err
	}
	return ledger, func() {
		_ = ledger.Close()
		_ = tr.Close()
	}, nil
}

func printBudgets(budgets []models.Budget) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tPERIOD\tLIMIT\tSPENT\tRESERVED\tREMAINING")
	for _, b := range budgets {
		limit, remaining := "unlimited", "-"
		if !b.Unlimited() {
			limit = dollars(b.LimitCents)
			remaining = dollars(max(b.LimitCents-b.SpentCents, 0))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			b.TenantID, b.Period, limit, dollars(b.SpentCents), dollars(b.ReservedCents), remaining)
	}
	return w.Flush()
}

func dollars(c int64) string {
	return fmt.Sprintf("$%d.%02d", c/100, c%100)
}
