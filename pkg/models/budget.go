package models

import "time"

// BudgetMode selects what happens once a tenant's budget is exhausted.
type BudgetMode string

const (
	// BudgetHardDeny rejects every new request once the limit is reached.
	BudgetHardDeny BudgetMode = "hard_deny"
	// BudgetBackgroundOnly keeps admitting low and background priority work.
	BudgetBackgroundOnly BudgetMode = "background_only"
)

// Budget is a tenant's spend ceiling for one monthly period.
type Budget struct {
	TenantID             string `json:"tenant_id"`
	Period               string `json:"period"` // YYYY-MM
	LimitCents           int64  `json:"limit_cents"`
	SpentCents           int64  `json:"spent_cents"`
	ReservedCents        int64  `json:"reserved_cents"`
	AlertThresholds      []int  `json:"alert_thresholds"`
	LastAlertedThreshold int    `json:"last_alerted_threshold"`
}

// Unlimited reports whether the budget has no ceiling.
func (b Budget) Unlimited() bool {
	return b.LimitCents <= 0
}

// RemainingCents is the unspent, unreserved part of the limit.
func (b Budget) RemainingCents() int64 {
	r := b.LimitCents - b.SpentCents - b.ReservedCents
	if r < 0 {
		return 0
	}
	return r
}

// PeriodOf returns the billing period key for t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// BudgetStatus is the answer to a budget check.
type BudgetStatus struct {
	OK             bool  `json:"ok"`
	RemainingCents int64 `json:"remaining_cents"`
}

// BudgetAlert is raised the first time spend crosses a threshold in a period.
type BudgetAlert struct {
	TenantID   string `json:"tenant_id"`
	Period     string `json:"period"`
	Threshold  int    `json:"threshold"` // percent
	SpentCents int64  `json:"spent_cents"`
	LimitCents int64  `json:"limit_cents"`
}
