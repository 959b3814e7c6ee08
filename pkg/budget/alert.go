package budget

import (
	"context"
	"log/slog"

	"github.com/pario-ai/conduit/pkg/models"
)

// Alerter is notified when spend first crosses a threshold in a period.
type Alerter interface {
	Alert(ctx context.Context, a models.BudgetAlert)
}

// LogAlerter writes alerts to a structured logger.
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert logs a at warn level.
func (l LogAlerter) Alert(ctx context.Context, a models.BudgetAlert) {
	l.Logger.WarnContext(ctx, "budget threshold crossed",
		"tenant_id", a.TenantID,
		"period", a.Period,
		"threshold_pct", a.Threshold,
		"spent_cents", a.SpentCents,
		"limit_cents", a.LimitCents,
	)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, a models.BudgetAlert)

// Alert calls f.
func (f AlerterFunc) Alert(ctx context.Context, a models.BudgetAlert) { f(ctx, a) }
