// Package budget enforces per-tenant monthly spend limits.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/metrics"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/store"
	"github.com/pario-ai/conduit/pkg/tracker"
)

const createTables = `
CREATE TABLE IF NOT EXISTS budgets (
	tenant_id TEXT NOT NULL,
	period TEXT NOT NULL,
	limit_cents INTEGER NOT NULL,
	spent_cents INTEGER NOT NULL DEFAULT 0,
	last_alerted_threshold INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (tenant_id, period)
);
CREATE TABLE IF NOT EXISTS tenant_limits (
	tenant_id TEXT PRIMARY KEY,
	limit_cents INTEGER NOT NULL
);
`

// Config controls ledger behavior.
type Config struct {
	Mode                    models.BudgetMode
	AlertThresholds         []int
	OvershootToleranceCents int64
	// DefaultLimit returns a tenant's limit when none was set explicitly.
	// 0 means unlimited.
	DefaultLimit func(tenantID string) int64
}

// Reservation holds estimated cost against a budget until Commit or Release.
type Reservation struct {
	ID            string
	TenantID      string
	Period        string
	EstimateCents int64
}

// account is the in-memory state of one (tenant, period). Its mutex makes
// it the single writer for that key within the process. Limit and spend are
// re-read from the database on every access since other processes write
// them; reservations live only here.
type account struct {
	mu           sync.Mutex
	loaded       bool
	b            models.Budget
	reservations map[string]int64
}

// Ledger tracks spend and reservations per tenant and period.
type Ledger struct {
	db      *sql.DB
	tracker tracker.Tracker
	alerter Alerter
	logger  *slog.Logger
	cfg     atomic.Pointer[Config]

	mu       sync.Mutex
	accounts map[string]*account

	now func() time.Time
}

// New opens the ledger at dbPath. tr receives a spend record for every commit.
func New(dbPath string, cfg Config, tr tracker.Tracker, alerter Alerter, logger *slog.Logger) (*Ledger, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open budget db: %w", err)
	}
	if err := store.Migrate(db, createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate budget db: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = LogAlerter{Logger: logger}
	}
	l := &Ledger{
		db:       db,
		tracker:  tr,
		alerter:  alerter,
		logger:   logger,
		accounts: make(map[string]*account),
		now:      time.Now,
	}
	l.SetConfig(cfg)
	return l, nil
}

// SetConfig swaps the ledger configuration. Limits already materialized for
// the current period are kept.
func (l *Ledger) SetConfig(cfg Config) {
	if cfg.Mode == "" {
		cfg.Mode = models.BudgetHardDeny
	}
	th := append([]int(nil), cfg.AlertThresholds...)
	sort.Ints(th)
	cfg.AlertThresholds = th
	l.cfg.Store(&cfg)
}

func (l *Ledger) config() *Config {
	return l.cfg.Load()
}

// account returns the locked account for tenant in the current period.
func (l *Ledger) account(ctx context.Context, tenantID string) (*account, error) {
	period := models.PeriodOf(l.now())
	key := tenantID + "|" + period

	l.mu.Lock()
	a, ok := l.accounts[key]
	if !ok {
		for k, old := range l.accounts {
			if !old.mu.TryLock() {
				continue
			}
			if old.loaded && old.b.Period != period && len(old.reservations) == 0 {
				delete(l.accounts, k)
			}
			old.mu.Unlock()
		}
		a = &account{reservations: make(map[string]int64)}
		l.accounts[key] = a
	}
	l.mu.Unlock()

	a.mu.Lock()
	if err := l.load(ctx, a, tenantID, period); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	return a, nil
}

// load refreshes a from its budgets row, creating the row on first use.
func (l *Ledger) load(ctx context.Context, a *account, tenantID, period string) error {
	b := models.Budget{
		TenantID:        tenantID,
		Period:          period,
		AlertThresholds: l.config().AlertThresholds,
		ReservedCents:   a.b.ReservedCents,
	}
	err := l.db.QueryRowContext(ctx,
		`SELECT limit_cents, spent_cents, last_alerted_threshold FROM budgets WHERE tenant_id = ? AND period = ?`,
		tenantID, period,
	).Scan(&b.LimitCents, &b.SpentCents, &b.LastAlertedThreshold)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		limit, err := l.tenantLimit(ctx, tenantID)
		if err != nil {
			return err
		}
		b.LimitCents = limit
		if _, err := l.db.ExecContext(ctx,
			`INSERT INTO budgets (tenant_id, period, limit_cents) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			tenantID, period, limit,
		); err != nil {
			return fmt.Errorf("create budget: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load budget: %w", err)
	}
	a.b = b
	a.loaded = true
	return nil
}

func (l *Ledger) tenantLimit(ctx context.Context, tenantID string) (int64, error) {
	var limit int64
	err := l.db.QueryRowContext(ctx, `SELECT limit_cents FROM tenant_limits WHERE tenant_id = ?`, tenantID).Scan(&limit)
	if errors.Is(err, sql.ErrNoRows) {
		if f := l.config().DefaultLimit; f != nil {
			return f(tenantID), nil
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load tenant limit: %w", err)
	}
	return limit, nil
}

// exempt reports whether priority may spend past an exhausted budget.
func (l *Ledger) exempt(p models.Priority) bool {
	return l.config().Mode == models.BudgetBackgroundOnly && p >= models.PriorityLow
}

func status(b models.Budget) models.BudgetStatus {
	if b.Unlimited() {
		return models.BudgetStatus{OK: true, RemainingCents: -1}
	}
	return models.BudgetStatus{OK: b.RemainingCents() > 0, RemainingCents: b.RemainingCents()}
}

// Check reports whether tenant can spend at priority without reserving.
func (l *Ledger) Check(ctx context.Context, tenantID string, p models.Priority) (models.BudgetStatus, error) {
	a, err := l.account(ctx, tenantID)
	if err != nil {
		return models.BudgetStatus{}, err
	}
	defer a.mu.Unlock()

	st := status(a.b)
	if !st.OK && l.exempt(p) {
		st.OK = true
	}
	return st, nil
}

// Reserve holds estimateCents against tenant's budget. It fails with
// BudgetExceeded when the reservation would push spend past the limit,
// unless the mode exempts p.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, p models.Priority, estimateCents int64) (Reservation, error) {
	if estimateCents < 0 {
		estimateCents = 0
	}
	a, err := l.account(ctx, tenantID)
	if err != nil {
		return Reservation{}, err
	}
	defer a.mu.Unlock()

	b := &a.b
	if !b.Unlimited() && b.SpentCents+b.ReservedCents+estimateCents > b.LimitCents && !l.exempt(p) {
		metrics.BudgetDenials.WithLabelValues(tenantID).Inc()
		return Reservation{}, &aierr.Error{
			Kind:    aierr.KindBudgetExceeded,
			Message: fmt.Sprintf("tenant %s: %d of %d cents used, %d reserved", tenantID, b.SpentCents, b.LimitCents, b.ReservedCents),
		}
	}

	r := Reservation{ID: uuid.NewString(), TenantID: tenantID, Period: b.Period, EstimateCents: estimateCents}
	a.reservations[r.ID] = estimateCents
	b.ReservedCents += estimateCents
	return r, nil
}

// Release drops a reservation without spending it.
func (l *Ledger) Release(ctx context.Context, r Reservation) {
	a, err := l.accountFor(ctx, r)
	if err != nil {
		return
	}
	defer a.mu.Unlock()
	if est, ok := a.reservations[r.ID]; ok {
		delete(a.reservations, r.ID)
		a.b.ReservedCents -= est
	}
}

// accountFor returns the account a reservation was taken against, even
// after the period rolled over.
func (l *Ledger) accountFor(ctx context.Context, r Reservation) (*account, error) {
	l.mu.Lock()
	a, ok := l.accounts[r.TenantID+"|"+r.Period]
	l.mu.Unlock()
	if !ok {
		return l.account(ctx, r.TenantID)
	}
	a.mu.Lock()
	if err := l.load(ctx, a, r.TenantID, r.Period); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	return a, nil
}

// Commit converts a reservation into actual spend, appends the spend record
// and fires any newly crossed alert thresholds. Spend past the limit plus
// the overshoot tolerance is logged; the full actual cost is always
// recorded.
func (l *Ledger) Commit(ctx context.Context, r Reservation, actualCents int64, rec models.SpendRecord) error {
	a, err := l.accountFor(ctx, r)
	if err != nil {
		return err
	}
	defer a.mu.Unlock()

	if est, ok := a.reservations[r.ID]; ok {
		delete(a.reservations, r.ID)
		a.b.ReservedCents -= est
	}

	next := a.b
	next.SpentCents += actualCents
	if over := next.SpentCents - next.LimitCents; !next.Unlimited() && over > l.config().OvershootToleranceCents {
		l.logger.Warn("budget overshoot beyond tolerance",
			"tenant_id", r.TenantID, "period", next.Period, "over_cents", over,
			"estimate_cents", r.EstimateCents, "actual_cents", actualCents)
	}

	crossed := l.crossedThresholds(&next)
	if len(crossed) > 0 {
		next.LastAlertedThreshold = crossed[len(crossed)-1]
	}

	if _, err := l.db.ExecContext(ctx,
		`UPDATE budgets SET spent_cents = spent_cents + ?, last_alerted_threshold = MAX(last_alerted_threshold, ?), updated_at = ?
		 WHERE tenant_id = ? AND period = ?`,
		actualCents, next.LastAlertedThreshold, l.now().UTC(), r.TenantID, next.Period,
	); err != nil {
		return fmt.Errorf("commit spend: %w", err)
	}
	a.b = next
	b := &a.b

	if l.tracker != nil {
		rec.TenantID = r.TenantID
		rec.CostCents = actualCents
		if err := l.tracker.Record(ctx, rec); err != nil {
			return err
		}
	}
	metrics.SpendCents.WithLabelValues(r.TenantID, string(rec.Operation), rec.Provider).Add(float64(actualCents))

	for _, th := range crossed {
		metrics.BudgetAlerts.WithLabelValues(r.TenantID, fmt.Sprint(th)).Inc()
		l.alerter.Alert(ctx, models.BudgetAlert{
			TenantID:   r.TenantID,
			Period:     b.Period,
			Threshold:  th,
			SpentCents: b.SpentCents,
			LimitCents: b.LimitCents,
		})
	}
	return nil
}

// crossedThresholds returns thresholds reached since the last alert, in order.
func (l *Ledger) crossedThresholds(b *models.Budget) []int {
	if b.Unlimited() {
		return nil
	}
	pct := b.SpentCents * 100 / b.LimitCents
	var out []int
	for _, th := range l.config().AlertThresholds {
		if th > b.LastAlertedThreshold && int64(th) <= pct {
			out = append(out, th)
		}
	}
	return out
}

// Get returns tenant's budget for the current period.
func (l *Ledger) Get(ctx context.Context, tenantID string) (models.Budget, error) {
	a, err := l.account(ctx, tenantID)
	if err != nil {
		return models.Budget{}, err
	}
	defer a.mu.Unlock()
	b := a.b
	b.AlertThresholds = l.config().AlertThresholds
	return b, nil
}

// SetLimit sets tenant's limit for the current and future periods.
// 0 means unlimited. Lowering a limit does not re-fire alerts already sent.
func (l *Ledger) SetLimit(ctx context.Context, tenantID string, limitCents int64) (models.Budget, error) {
	if limitCents < 0 {
		return models.Budget{}, aierr.InvalidInput("limit must not be negative")
	}
	a, err := l.account(ctx, tenantID)
	if err != nil {
		return models.Budget{}, err
	}
	defer a.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Budget{}, fmt.Errorf("begin set limit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_limits (tenant_id, limit_cents) VALUES (?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET limit_cents = excluded.limit_cents`,
		tenantID, limitCents,
	); err != nil {
		return models.Budget{}, fmt.Errorf("set tenant limit: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE budgets SET limit_cents = ?, updated_at = ? WHERE tenant_id = ? AND period = ?`,
		limitCents, l.now().UTC(), tenantID, a.b.Period,
	); err != nil {
		return models.Budget{}, fmt.Errorf("update budget limit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Budget{}, fmt.Errorf("commit set limit: %w", err)
	}

	a.b.LimitCents = limitCents
	b := a.b
	b.AlertThresholds = l.config().AlertThresholds
	return b, nil
}

// List returns every stored budget for period, or the current period when
// period is empty. Reservations are only reflected for loaded accounts.
func (l *Ledger) List(ctx context.Context, period string) ([]models.Budget, error) {
	if period == "" {
		period = models.PeriodOf(l.now())
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT tenant_id, limit_cents, spent_cents, last_alerted_threshold FROM budgets WHERE period = ? ORDER BY tenant_id`,
		period,
	)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	var out []models.Budget
	for rows.Next() {
		b := models.Budget{Period: period, AlertThresholds: l.config().AlertThresholds}
		if err := rows.Scan(&b.TenantID, &b.LimitCents, &b.SpentCents, &b.LastAlertedThreshold); err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	for i := range out {
		if a, ok := l.accounts[out[i].TenantID+"|"+period]; ok {
			a.mu.Lock()
			out[i].ReservedCents = a.b.ReservedCents
			a.mu.Unlock()
		}
	}
	l.mu.Unlock()
	return out, nil
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}
