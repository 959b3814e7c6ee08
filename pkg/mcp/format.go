package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/conduit/pkg/models"
)

func cents(c int64) string {
	return fmt.Sprintf("$%d.%02d", c/100, c%100)
}

// formatBudgets formats budgets as a text table.
func formatBudgets(budgets []models.Budget) string {
	if len(budgets) == 0 {
		return "No budgets found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-8s %12s %12s %12s %6s\n",
		"Tenant", "Period", "Limit", "Spent", "Reserved", "Used%")
	b.WriteString(strings.Repeat("-", 75) + "\n")
	for _, bg := range budgets {
		limit, pct := "unlimited", "-"
		if !bg.Unlimited() {
			limit = cents(bg.LimitCents)
			pct = fmt.Sprintf("%5.1f%%", float64(bg.SpentCents)/float64(bg.LimitCents)*100)
		}
		fmt.Fprintf(&b, "%-20s %-8s %12s %12s %12s %6s\n",
			bg.TenantID, bg.Period, limit, cents(bg.SpentCents), cents(bg.ReservedCents), pct)
	}
	return b.String()
}

func formatInvalidated(pattern string, n int64) string {
	return fmt.Sprintf("Invalidated %d cached result(s) matching %q.", n, pattern)
}

// formatProviderHealth formats breaker states as a text table.
func formatProviderHealth(health []models.ProviderHealth) string {
	if len(health) == 0 {
		return "No providers configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-10s %9s %10s %-20s\n", "Provider", "State", "Failures", "Successes", "Opened")
	b.WriteString(strings.Repeat("-", 73) + "\n")
	for _, h := range health {
		opened := "-"
		if !h.OpenedAt.IsZero() {
			opened = h.OpenedAt.Format(time.DateTime)
		}
		fmt.Fprintf(&b, "%-20s %-10s %9d %10d %-20s\n",
			h.ProviderID, h.State, h.ConsecutiveFailures, h.ConsecutiveSuccesses, opened)
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Hits, stats.Misses, hitRate)
}

// formatSpend formats spend summaries as a text table.
func formatSpend(rows []models.SpendSummary) string {
	if len(rows) == 0 {
		return "No spend recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-10s %-15s %8s %12s\n", "Tenant", "Operation", "Provider", "Requests", "Total")
	b.WriteString(strings.Repeat("-", 69) + "\n")
	var total int64
	for _, r := range rows {
		fmt.Fprintf(&b, "%-20s %-10s %-15s %8d %12s\n",
			r.TenantID, r.Operation, r.Provider, r.RequestCount, cents(r.TotalCents))
		total += r.TotalCents
	}
	fmt.Fprintf(&b, "%-56s %12s\n", "Total", cents(total))
	return b.String()
}

// formatAuditEntries formats audit entries as a text table.
func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-36s %-12s %-10s %-10s %3s %-10s %8s\n",
		"Time", "Request", "Tenant", "Operation", "Provider", "Att", "Outcome", "Latency")
	b.WriteString(strings.Repeat("-", 118) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-20s %-36s %-12s %-10s %-10s %3d %-10s %6dms\n",
			e.CreatedAt.Format(time.DateTime), e.RequestID, e.TenantID, e.Operation,
			e.Provider, e.Attempt, e.Outcome, e.LatencyMs)
		if e.Error != "" {
			fmt.Fprintf(&b, "    %s\n", e.Error)
		}
	}
	return b.String()
}
