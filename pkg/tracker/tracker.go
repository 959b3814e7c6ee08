package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/store"
)

// Tracker records and queries provider spend.
type Tracker interface {
	// Record appends a spend record.
	Record(ctx context.Context, rec models.SpendRecord) error
	// QueryByTenant returns a tenant's records since a given time, newest first.
	QueryByTenant(ctx context.Context, tenantID string, since time.Time) ([]models.SpendRecord, error)
	// TotalByTenant returns a tenant's total spend in cents since a given time.
	TotalByTenant(ctx context.Context, tenantID string, since time.Time) (int64, error)
	// TotalByTenantAndOperation narrows TotalByTenant to one operation.
	TotalByTenantAndOperation(ctx context.Context, tenantID string, op models.Operation, since time.Time) (int64, error)
	// Summary returns spend grouped by tenant, operation and provider,
	// optionally filtered by tenant.
	Summary(ctx context.Context, tenantID string) ([]models.SpendSummary, error)
	// Daily returns per-day spend since a given time, optionally filtered by tenant.
	Daily(ctx context.Context, tenantID string, since time.Time) ([]models.DailySpend, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS spend_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	operation TEXT NOT NULL,
	provider TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	cost_cents INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_spend_tenant_time ON spend_records(tenant_id, created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if err := store.Migrate(db, createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record appends a spend record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.SpendRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO spend_records (request_id, tenant_id, user_id, operation, provider, fingerprint, cost_cents, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.TenantID, rec.UserID, string(rec.Operation), rec.Provider, rec.Fingerprint, rec.CostCents, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// QueryByTenant returns a tenant's records since a given time.
func (t *SQLiteTracker) QueryByTenant(ctx context.Context, tenantID string, since time.Time) ([]models.SpendRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, request_id, tenant_id, user_id, operation, provider, fingerprint, cost_cents, created_at
		 FROM spend_records WHERE tenant_id = ? AND created_at >= ? ORDER BY created_at DESC`,
		tenantID, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query spend: %w", err)
	}
	defer rows.Close()

	var records []models.SpendRecord
	for rows.Next() {
		var (
			r  models.SpendRecord
			op string
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &r.TenantID, &r.UserID, &op, &r.Provider, &r.Fingerprint, &r.CostCents, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan spend: %w", err)
		}
		r.Operation = models.Operation(op)
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalByTenant returns a tenant's total spend since a given time.
func (t *SQLiteTracker) TotalByTenant(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_cents), 0) FROM spend_records WHERE tenant_id = ? AND created_at >= ?`,
		tenantID, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total spend: %w", err)
	}
	return total, nil
}

// TotalByTenantAndOperation returns a tenant's spend on one operation since a given time.
func (t *SQLiteTracker) TotalByTenantAndOperation(ctx context.Context, tenantID string, op models.Operation, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_cents), 0) FROM spend_records WHERE tenant_id = ? AND operation = ? AND created_at >= ?`,
		tenantID, string(op), since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total spend by operation: %w", err)
	}
	return total, nil
}

// Summary returns aggregated spend grouped by tenant, operation and provider.
func (t *SQLiteTracker) Summary(ctx context.Context, tenantID string) ([]models.SpendSummary, error) {
	query := `SELECT tenant_id, operation, provider, COUNT(*), SUM(cost_cents)
		 FROM spend_records`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY tenant_id, operation, provider ORDER BY tenant_id, operation, provider`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.SpendSummary
	for rows.Next() {
		var (
			s  models.SpendSummary
			op string
		)
		if err := rows.Scan(&s.TenantID, &op, &s.Provider, &s.RequestCount, &s.TotalCents); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.Operation = models.Operation(op)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Daily returns per-day spend since a given time.
func (t *SQLiteTracker) Daily(ctx context.Context, tenantID string, since time.Time) ([]models.DailySpend, error) {
	query := `SELECT date(created_at) AS day, tenant_id, COUNT(*), SUM(cost_cents)
		 FROM spend_records WHERE created_at >= ?`
	args := []any{since.UTC()}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY day, tenant_id ORDER BY day DESC, tenant_id`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("daily spend: %w", err)
	}
	defer rows.Close()

	var out []models.DailySpend
	for rows.Next() {
		var d models.DailySpend
		if err := rows.Scan(&d.Day, &d.TenantID, &d.RequestCount, &d.TotalCents); err != nil {
			return nil, fmt.Errorf("scan daily spend: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
