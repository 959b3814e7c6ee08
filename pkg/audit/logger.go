// Package audit records the outcome of every request attempt.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/store"
)

// Outcomes written to the log.
const (
	OutcomeSuccess  = "success"
	OutcomeCacheHit = "cache_hit"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
)

const createAuditTable = `
CREATE TABLE IF NOT EXISTS audit_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id   TEXT NOT NULL,
	fingerprint  TEXT NOT NULL DEFAULT '',
	tenant_id    TEXT NOT NULL DEFAULT '',
	operation    TEXT NOT NULL,
	provider     TEXT NOT NULL DEFAULT '',
	attempt      INTEGER NOT NULL DEFAULT 0,
	outcome      TEXT NOT NULL,
	error_kind   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	cost_cents   INTEGER NOT NULL DEFAULT 0,
	latency_ms   INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

// Logger writes and queries audit entries in a dedicated SQLite database.
type Logger struct {
	db   *sql.DB
	cfg  models.AuditConfig
	done chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// New opens the audit SQLite database, creates the schema and starts the
// retention loop.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := store.Migrate(db, createAuditTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
		now:  time.Now,
	}
	l.wg.Add(1)
	go l.retentionLoop()
	return l, nil
}

// Log appends an entry. A nil Logger discards it.
func (l *Logger) Log(ctx context.Context, e models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log
		(request_id, fingerprint, tenant_id, operation, provider, attempt, outcome,
		 error_kind, error, cost_cents, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Fingerprint, e.TenantID, string(e.Operation), e.Provider, e.Attempt, e.Outcome,
		e.ErrorKind, e.Error, e.CostCents, e.LatencyMs, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns entries matching opts, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT id, request_id, fingerprint, tenant_id, operation, provider, attempt, outcome,
		error_kind, error, cost_cents, latency_ms, created_at
		FROM audit_log WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.TenantID != "" {
		q += " AND tenant_id = ?"
		args = append(args, opts.TenantID)
	}
	if opts.Operation != "" {
		q += " AND operation = ?"
		args = append(args, string(opts.Operation))
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if opts.Fingerprint != "" {
		q += " AND fingerprint = ?"
		args = append(args, opts.Fingerprint)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e  models.AuditEntry
			op string
		)
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.Fingerprint, &e.TenantID, &op, &e.Provider, &e.Attempt, &e.Outcome,
			&e.ErrorKind, &e.Error, &e.CostCents, &e.LatencyMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Operation = models.Operation(op)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns counts grouped by operation, outcome and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT operation, outcome, date(created_at) AS day, count(*) AS cnt
		 FROM audit_log GROUP BY operation, outcome, day ORDER BY day DESC, operation, outcome`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var (
			s   models.AuditStat
			op  string
			day sql.NullString
		)
		if err := rows.Scan(&op, &s.Outcome, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Operation = models.Operation(op)
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := l.now().AddDate(0, 0, -l.cfg.RetentionDays).UTC()
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
