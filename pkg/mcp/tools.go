package mcp

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/pario-ai/conduit/pkg/models"
)

// Tool argument structs.

type tenantArgs struct {
	TenantID string `json:"tenant_id"`
	Period   string `json:"period"`
}

type setBudgetArgs struct {
	TenantID   string `json:"tenant_id"`
	LimitCents *int64 `json:"limit_cents"`
}

type invalidateArgs struct {
	Pattern string `json:"pattern"`
}

type auditSearchArgs struct {
	TenantID    string `json:"tenant_id"`
	Operation   string `json:"operation"`
	Outcome     string `json:"outcome"`
	Fingerprint string `json:"fingerprint"`
	RequestID   string `json:"request_id"`
	Since       string `json:"since"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"conduit_budget":           handleBudget,
	"conduit_set_budget":       handleSetBudget,
	"conduit_invalidate_cache": handleInvalidate,
	"conduit_provider_health":  handleProviderHealth,
	"conduit_cache_stats":      handleCacheStats,
	"conduit_spend":            handleSpend,
	"conduit_audit_search":     handleAuditSearch,
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "conduit_budget",
		Description: "Show tenant budgets (limit, spent, reserved) for a billing period.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tenant_id": stringProp("Tenant to show (optional, omit for all tenants)"),
				"period":    stringProp("Billing period YYYY-MM (optional, defaults to the current month)"),
			},
		},
	},
	{
		Name:        "conduit_set_budget",
		Description: "Set a tenant's monthly budget in cents. 0 removes the limit.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"tenant_id", "limit_cents"},
			"properties": map[string]any{
				"tenant_id":   stringProp("Tenant to update"),
				"limit_cents": map[string]any{"type": "integer", "minimum": 0, "description": "Monthly limit in cents"},
			},
		},
	},
	{
		Name:        "conduit_invalidate_cache",
		Description: `Drop cached results. Pattern is "*", "op:<operation>", a fingerprint prefix ending in "*", or an exact fingerprint.`,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"pattern"},
			"properties": map[string]any{
				"pattern": stringProp("What to invalidate"),
			},
		},
	},
	{
		Name:        "conduit_provider_health",
		Description: "Show circuit breaker state for every provider.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "conduit_cache_stats",
		Description: "Show result cache statistics (entries, hits, misses, hit rate).",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "conduit_spend",
		Description: "Show recorded spend grouped by tenant, operation and provider.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tenant_id": stringProp("Filter by tenant (optional)"),
			},
		},
	},
	{
		Name:        "conduit_audit_search",
		Description: "Search the request audit log with optional filters.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tenant_id":   stringProp("Filter by tenant (optional)"),
				"operation":   stringProp("Filter by operation (optional)"),
				"outcome":     stringProp("success, cache_hit, retry, failed or canceled (optional)"),
				"fingerprint": stringProp("Filter by request fingerprint (optional)"),
				"request_id":  stringProp("Show every attempt of one request (optional)"),
				"since":       stringProp("Start date in YYYY-MM-DD format (optional)"),
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func parseArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func handleBudget(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args tenantArgs
	if err := parseArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.TenantID != "" {
		b, err := s.admin.GetBudget(ctx, args.TenantID)
		if err != nil {
			return errorResult("Error fetching budget: " + err.Error())
		}
		return textResult(formatBudgets([]models.Budget{b}))
	}
	budgets, err := s.admin.ListBudgets(ctx, args.Period)
	if err != nil {
		return errorResult("Error listing budgets: " + err.Error())
	}
	return textResult(formatBudgets(budgets))
}

func handleSetBudget(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args setBudgetArgs
	if err := parseArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.TenantID == "" {
		return errorResult("tenant_id is required")
	}
	if args.LimitCents == nil || *args.LimitCents < 0 {
		return errorResult("limit_cents must be a non-negative integer")
	}
	b, err := s.admin.SetBudget(ctx, args.TenantID, *args.LimitCents)
	if err != nil {
		return errorResult("Error setting budget: " + err.Error())
	}
	return textResult(formatBudgets([]models.Budget{b}))
}

func handleInvalidate(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args invalidateArgs
	if err := parseArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	n, err := s.admin.InvalidateCache(ctx, args.Pattern)
	if err != nil {
		return errorResult("Error invalidating cache: " + err.Error())
	}
	return textResult(formatInvalidated(args.Pattern, n))
}

func handleProviderHealth(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatProviderHealth(s.admin.GetProviderHealth()))
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	stats, err := s.admin.CacheStats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}

func handleSpend(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args tenantArgs
	if err := parseArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	rows, err := s.admin.SpendSummary(ctx, args.TenantID)
	if err != nil {
		return errorResult("Error fetching spend: " + err.Error())
	}
	return textResult(formatSpend(rows))
}

func handleAuditSearch(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.auditor == nil {
		return textResult("Audit logging is not configured.")
	}
	var args auditSearchArgs
	if err := parseArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}

	opts := models.AuditQueryOpts{
		TenantID:    args.TenantID,
		Operation:   models.Operation(args.Operation),
		Outcome:     args.Outcome,
		Fingerprint: args.Fingerprint,
		RequestID:   args.RequestID,
		Limit:       50,
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.auditor.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAuditEntries(entries))
}
