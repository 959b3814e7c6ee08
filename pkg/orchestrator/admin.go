package orchestrator

import (
	"context"
	"strings"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/budget"
	"github.com/pario-ai/conduit/pkg/config"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/queue"
	"github.com/pario-ai/conduit/pkg/ratelimit"
)

// GetBudget returns tenant's budget for the current period.
func (o *Orchestrator) GetBudget(ctx context.Context, tenantID string) (models.Budget, error) {
	if tenantID == "" {
		return models.Budget{}, aierr.InvalidInput("tenant_id is required")
	}
	return o.ledger.Get(ctx, tenantID)
}

// CheckBudget reports whether tenant can still submit work at p without
// reserving anything.
func (o *Orchestrator) CheckBudget(ctx context.Context, tenantID string, p models.Priority) (models.BudgetStatus, error) {
	if tenantID == "" {
		return models.BudgetStatus{}, aierr.InvalidInput("tenant_id is required")
	}
	if !p.Valid() {
		return models.BudgetStatus{}, aierr.InvalidInput("invalid priority %d", p)
	}
	return o.ledger.Check(ctx, tenantID, p)
}

// SetBudget sets tenant's monthly limit. 0 means unlimited.
func (o *Orchestrator) SetBudget(ctx context.Context, tenantID string, limitCents int64) (models.Budget, error) {
	if tenantID == "" {
		return models.Budget{}, aierr.InvalidInput("tenant_id is required")
	}
	b, err := o.ledger.SetLimit(ctx, tenantID, limitCents)
	if err != nil {
		return b, err
	}
	o.logger.Info("budget limit set", "tenant_id", tenantID, "limit_cents", limitCents)
	return b, nil
}

// ListBudgets returns every budget for period, or the current one.
func (o *Orchestrator) ListBudgets(ctx context.Context, period string) ([]models.Budget, error) {
	return o.ledger.List(ctx, period)
}

// InvalidateCache drops cached results matching pattern: "*", "op:<operation>",
// a fingerprint prefix ending in "*", or an exact fingerprint.
func (o *Orchestrator) InvalidateCache(ctx context.Context, pattern string) (int64, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return 0, aierr.InvalidInput("pattern is required")
	}
	if op, ok := strings.CutPrefix(pattern, "op:"); ok && !models.Operation(op).Valid() {
		return 0, aierr.InvalidInput("unknown operation %q", op)
	}
	return o.cache.Invalidate(ctx, pattern)
}

// GetProviderHealth returns every provider's breaker state.
func (o *Orchestrator) GetProviderHealth() []models.ProviderHealth {
	return o.router.Health()
}

// CacheStats reports durable cache counters.
func (o *Orchestrator) CacheStats(ctx context.Context) (models.CacheStats, error) {
	return o.cache.Stats(ctx)
}

// QueueStats reports queue depth.
func (o *Orchestrator) QueueStats() queue.Stats {
	return o.queue.Stats()
}

// SpendSummary aggregates recorded spend, for one tenant or all when empty.
func (o *Orchestrator) SpendSummary(ctx context.Context, tenantID string) ([]models.SpendSummary, error) {
	if o.tracker == nil {
		return nil, nil
	}
	return o.tracker.Summary(ctx, tenantID)
}

// OnModerationPolicyChange installs a new moderation policy. Requests
// submitted afterwards fingerprint under the new threshold; verdicts cached
// under the old one are dropped when it differs.
func (o *Orchestrator) OnModerationPolicyChange(ctx context.Context, policy config.ModerationConfig) error {
	old := o.moderation.Swap(&policy)
	if old != nil && *old == policy {
		return nil
	}
	n, err := o.cache.Invalidate(ctx, "op:"+string(models.OpModerate))
	if err != nil {
		return err
	}
	o.logger.Info("moderation policy changed", "threshold", policy.Threshold, "invalidated", n)
	return nil
}

// ApplyConfig takes the parts of a reloaded configuration that can change
// at runtime. Everything else needs a restart.
func (o *Orchestrator) ApplyConfig(ctx context.Context, cfg *config.Config) {
	if err := o.OnModerationPolicyChange(ctx, cfg.Moderation); err != nil {
		o.logger.Error("moderation cache invalidation failed", "error", err)
	}
	o.router.SetRoutes(cfg.Routes)
	o.ledger.SetConfig(BudgetConfig(cfg))
	if l, ok := o.limiter.(interface{ SetPlans(ratelimit.PlanFunc) }); ok {
		l.SetPlans(cfg.RatePlans())
	}
}

// BudgetConfig derives the ledger configuration from cfg.
func BudgetConfig(cfg *config.Config) budget.Config {
	return budget.Config{
		Mode:                    cfg.Budget.Mode,
		AlertThresholds:         cfg.Budget.AlertThresholds,
		OvershootToleranceCents: cfg.Budget.OvershootToleranceCents,
		DefaultLimit:            cfg.TenantLimit,
	}
}
