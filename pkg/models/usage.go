package models

import "time"

// SpendRecord is one ledger row for a provider call that was not a cache hit.
type SpendRecord struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id,omitempty"`
	Operation   Operation `json:"operation"`
	Provider    string    `json:"provider"`
	Fingerprint string    `json:"fingerprint"`
	CostCents   int64     `json:"cost_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

// SpendSummary aggregates spend across records.
type SpendSummary struct {
	TenantID     string    `json:"tenant_id"`
	Operation    Operation `json:"operation"`
	Provider     string    `json:"provider"`
	RequestCount int       `json:"request_count"`
	TotalCents   int64     `json:"total_cents"`
}

// RateBucket is the persisted state of one token bucket.
type RateBucket struct {
	Key          string    `json:"key"`
	Capacity     float64   `json:"capacity"`
	Tokens       float64   `json:"tokens"`
	RefillPerSec float64   `json:"refill_per_sec"`
	LastRefillAt time.Time `json:"last_refill_at"`
}

// DailySpend is one day's spend for a tenant.
type DailySpend struct {
	Day          string `json:"day"` // YYYY-MM-DD
	TenantID     string `json:"tenant_id"`
	RequestCount int    `json:"request_count"`
	TotalCents   int64  `json:"total_cents"`
}
