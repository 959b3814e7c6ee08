package mcp

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/pario-ai/conduit/pkg/models"
)

// fakeAdmin implements Admin for testing.
type fakeAdmin struct {
	budgets     map[string]models.Budget
	health      []models.ProviderHealth
	stats       models.CacheStats
	spend       []models.SpendSummary
	invalidated []string
}

func (f *fakeAdmin) GetBudget(_ context.Context, tenant string) (models.Budget, error) {
	if b, ok := f.budgets[tenant]; ok {
		return b, nil
	}
	return models.Budget{TenantID: tenant, Period: "2026-10"}, nil
}

func (f *fakeAdmin) ListBudgets(context.Context, string) ([]models.Budget, error) {
	var out []models.Budget
	for _, b := range f.budgets {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeAdmin) SetBudget(_ context.Context, tenant string, limit int64) (models.Budget, error) {
	if f.budgets == nil {
		f.budgets = make(map[string]models.Budget)
	}
	b := f.budgets[tenant]
	b.TenantID, b.Period, b.LimitCents = tenant, "2026-10", limit
	f.budgets[tenant] = b
	return b, nil
}

func (f *fakeAdmin) InvalidateCache(_ context.Context, pattern string) (int64, error) {
	if pattern == "" {
		return 0, errors.New("invalid_input: pattern is required")
	}
	f.invalidated = append(f.invalidated, pattern)
	return 3, nil
}

func (f *fakeAdmin) GetProviderHealth() []models.ProviderHealth { return f.health }

func (f *fakeAdmin) CacheStats(context.Context) (models.CacheStats, error) { return f.stats, nil }

func (f *fakeAdmin) SpendSummary(context.Context, string) ([]models.SpendSummary, error) {
	return f.spend, nil
}

type fakeAudit struct {
	got     models.AuditQueryOpts
	entries []models.AuditEntry
}

func (f *fakeAudit) Query(_ context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	f.got = opts
	return f.entries, nil
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	p := ToolCallParams{Name: name}
	if args != "" {
		p.Arguments = json.RawMessage(args)
	}
	params, _ := json.Marshal(p)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := New(&fakeAdmin{}, nil, "test", nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocol version = %s, want 2024-11-05", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "conduit" || result.ServerInfo.Version != "test" {
		t.Errorf("server info = %+v", result.ServerInfo)
	}
}

func TestToolsList(t *testing.T) {
	srv := New(&fakeAdmin{}, nil, "test", nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("listed tool %s has no handler", tool.Name)
		}
	}
	for _, want := range []string{
		"conduit_budget", "conduit_set_budget", "conduit_invalidate_cache",
		"conduit_provider_health", "conduit_cache_stats", "conduit_spend",
	} {
		if !names[want] {
			t.Errorf("missing tool: %s", want)
		}
	}
}

func TestBudgetTools(t *testing.T) {
	admin := &fakeAdmin{}
	srv := New(admin, nil, "test", nil)

	res := callTool(t, srv, "conduit_set_budget", `{"tenant_id":"acme","limit_cents":5000}`)
	if res.IsError || !strings.Contains(res.Content[0].Text, "$50.00") {
		t.Errorf("set budget output: %s", res.Content[0].Text)
	}
	if admin.budgets["acme"].LimitCents != 5000 {
		t.Errorf("limit not applied: %+v", admin.budgets["acme"])
	}

	res = callTool(t, srv, "conduit_budget", `{"tenant_id":"acme"}`)
	if !strings.Contains(res.Content[0].Text, "acme") {
		t.Errorf("budget output: %s", res.Content[0].Text)
	}

	res = callTool(t, srv, "conduit_budget", "")
	if !strings.Contains(res.Content[0].Text, "acme") {
		t.Errorf("list output: %s", res.Content[0].Text)
	}
}

func TestSetBudgetValidation(t *testing.T) {
	srv := New(&fakeAdmin{}, nil, "test", nil)

	for _, args := range []string{`{"limit_cents":10}`, `{"tenant_id":"acme"}`, `{"tenant_id":"acme","limit_cents":-1}`} {
		if res := callTool(t, srv, "conduit_set_budget", args); !res.IsError {
			t.Errorf("args %s: expected isError", args)
		}
	}
}

func TestUnlimitedBudget(t *testing.T) {
	admin := &fakeAdmin{budgets: map[string]models.Budget{"acme": {TenantID: "acme", Period: "2026-10", SpentCents: 250}}}
	srv := New(admin, nil, "test", nil)

	text := callTool(t, srv, "conduit_budget", `{"tenant_id":"acme"}`).Content[0].Text
	if !strings.Contains(text, "unlimited") || !strings.Contains(text, "$2.50") {
		t.Errorf("output: %s", text)
	}
}

func TestInvalidateCache(t *testing.T) {
	admin := &fakeAdmin{}
	srv := New(admin, nil, "test", nil)

	res := callTool(t, srv, "conduit_invalidate_cache", `{"pattern":"op:moderate"}`)
	if res.IsError || !strings.Contains(res.Content[0].Text, "3") {
		t.Errorf("output: %s", res.Content[0].Text)
	}
	if len(admin.invalidated) != 1 || admin.invalidated[0] != "op:moderate" {
		t.Errorf("invalidated = %v", admin.invalidated)
	}
	if res := callTool(t, srv, "conduit_invalidate_cache", `{}`); !res.IsError {
		t.Error("expected isError for empty pattern")
	}
}

func TestProviderHealth(t *testing.T) {
	admin := &fakeAdmin{health: []models.ProviderHealth{
		{ProviderID: "openai", State: models.BreakerOpen, ConsecutiveFailures: 5, OpenedAt: time.Now()},
		{ProviderID: "anthropic", State: models.BreakerClosed},
	}}
	srv := New(admin, nil, "test", nil)

	text := callTool(t, srv, "conduit_provider_health", "").Content[0].Text
	if !strings.Contains(text, "openai") || !strings.Contains(text, "open") || !strings.Contains(text, "anthropic") {
		t.Errorf("output: %s", text)
	}
}

func TestCacheStats(t *testing.T) {
	srv := New(&fakeAdmin{stats: models.CacheStats{Entries: 42, Hits: 10, Misses: 5}}, nil, "test", nil)

	text := callTool(t, srv, "conduit_cache_stats", "").Content[0].Text
	if !strings.Contains(text, "42") || !strings.Contains(text, "66.7%") {
		t.Errorf("unexpected cache stats output: %s", text)
	}
}

func TestSpend(t *testing.T) {
	admin := &fakeAdmin{spend: []models.SpendSummary{
		{TenantID: "acme", Operation: models.OpSummarize, Provider: "openai", RequestCount: 4, TotalCents: 120},
		{TenantID: "acme", Operation: models.OpEmbed, Provider: "openai", RequestCount: 1, TotalCents: 5},
	}}
	srv := New(admin, nil, "test", nil)

	text := callTool(t, srv, "conduit_spend", `{"tenant_id":"acme"}`).Content[0].Text
	if !strings.Contains(text, "summarize") || !strings.Contains(text, "$1.25") {
		t.Errorf("output: %s", text)
	}

	empty := callTool(t, New(&fakeAdmin{}, nil, "test", nil), "conduit_spend", "").Content[0].Text
	if !strings.Contains(empty, "No spend") {
		t.Errorf("empty output: %s", empty)
	}
}

func TestAuditSearch(t *testing.T) {
	srv := New(&fakeAdmin{}, nil, "test", nil)
	if text := callTool(t, srv, "conduit_audit_search", "").Content[0].Text; !strings.Contains(text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", text)
	}

	au := &fakeAudit{entries: []models.AuditEntry{{
		RequestID: "req-1", TenantID: "acme", Operation: models.OpSentiment, Provider: "openai",
		Attempt: 2, Outcome: "failed", Error: "timeout: provider call timed out", CreatedAt: time.Now(),
	}}}
	srv = New(&fakeAdmin{}, au, "test", nil)
	text := callTool(t, srv, "conduit_audit_search", `{"tenant_id":"acme","outcome":"failed","since":"2026-10-01"}`).Content[0].Text
	if !strings.Contains(text, "req-1") || !strings.Contains(text, "timed out") {
		t.Errorf("output: %s", text)
	}
	if au.got.TenantID != "acme" || au.got.Outcome != "failed" || au.got.Since.IsZero() || au.got.Limit != 50 {
		t.Errorf("query opts = %+v", au.got)
	}

	if res := callTool(t, srv, "conduit_audit_search", `{"since":"yesterday"}`); !res.IsError {
		t.Error("expected isError for bad date")
	}
}

func TestUnknownTool(t *testing.T) {
	srv := New(&fakeAdmin{}, nil, "test", nil)
	if res := callTool(t, srv, "conduit_nope", ""); !res.IsError {
		t.Error("expected isError for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := New(&fakeAdmin{}, nil, "test", nil)

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestParseError(t *testing.T) {
	srv := New(&fakeAdmin{}, nil, "test", nil)
	var out bytes.Buffer
	if err := srv.Run(context.Background(), strings.NewReader("{not json\n"), &out); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("resp = %+v", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := New(&fakeAdmin{}, nil, "test", nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestInvalidRequest(t *testing.T) {
	srv := New(&fakeAdmin{}, nil, "test", nil)

	resp := sendAndReceive(t, srv, Request{JSONRPC: "1.0", ID: json.RawMessage(`4`), Method: "ping"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("bad version: %+v", resp)
	}

	resp = sendAndReceive(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`5`), Method: "tools/call", Params: json.RawMessage(`{}`)})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Errorf("missing tool name: %+v", resp)
	}
}

func TestPing(t *testing.T) {
	srv := New(&fakeAdmin{}, nil, "test", nil)
	resp := sendAndReceive(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`6`), Method: "ping"})
	if resp.Error != nil || string(resp.ID) != "6" {
		t.Errorf("resp = %+v", resp)
	}
}
