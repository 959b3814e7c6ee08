package models

import "time"

// AuditEntry records one attempt or terminal outcome of a request.
type AuditEntry struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id"`
	Fingerprint string    `json:"fingerprint"`
	TenantID    string    `json:"tenant_id"`
	Operation   Operation `json:"operation"`
	Provider    string    `json:"provider,omitempty"`
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome"` // success, cache_hit, retry, failed, canceled
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	CostCents   int64     `json:"cost_cents"`
	LatencyMs   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	TenantID    string
	Operation   Operation
	Outcome     string
	Fingerprint string
	RequestID   string
	Since       time.Time
	Limit       int
}

// AuditStat holds aggregate audit counts for an operation/outcome/day.
type AuditStat struct {
	Operation Operation
	Outcome   string
	Day       string
	Count     int
}
