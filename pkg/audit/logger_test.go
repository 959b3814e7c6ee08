package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/conduit/pkg/models"
)

func tempCfg(t *testing.T) models.AuditConfig {
	t.Helper()
	return models.AuditConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "audit_test.db"),
		RetentionDays: 30,
	}
}

func mustNew(t *testing.T, cfg models.AuditConfig) *Logger {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleEntry() models.AuditEntry {
	return models.AuditEntry{
		RequestID:   "req-001",
		Fingerprint: "fp-abc",
		TenantID:    "acme",
		Operation:   models.OpSummarize,
		Provider:    "openai",
		Attempt:     1,
		Outcome:     OutcomeSuccess,
		CostCents:   3,
		LatencyMs:   150,
		CreatedAt:   time.Now(),
	}
}

func TestLogAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{TenantID: "acme"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.RequestID != "req-001" || e.Fingerprint != "fp-abc" || e.Provider != "openai" || e.Attempt != 1 {
		t.Errorf("entry = %+v", e)
	}
	if e.Operation != models.OpSummarize || e.CostCents != 3 {
		t.Errorf("entry = %+v", e)
	}
}

func TestAttemptsOfOneRequest(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	retry := sampleEntry()
	retry.Outcome = OutcomeRetry
	retry.ErrorKind = "timeout"
	retry.Error = "timeout: provider call timed out"
	retry.CreatedAt = time.Now().Add(-time.Second)
	_ = l.Log(ctx, retry)

	ok := sampleEntry()
	ok.Attempt = 2
	_ = l.Log(ctx, ok)

	other := sampleEntry()
	other.RequestID = "req-002"
	_ = l.Log(ctx, other)

	entries, err := l.Query(ctx, models.AuditQueryOpts{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2, got %d", len(entries))
	}
	if entries[0].Attempt != 2 || entries[1].ErrorKind != "timeout" {
		t.Errorf("entries not newest first: %+v", entries)
	}

	retries, err := l.Query(ctx, models.AuditQueryOpts{Outcome: OutcomeRetry})
	if err != nil {
		t.Fatal(err)
	}
	if len(retries) != 1 {
		t.Errorf("retries = %d, want 1", len(retries))
	}
}

func TestQueryFilters(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	old := sampleEntry()
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	_ = l.Log(ctx, old)

	embed := sampleEntry()
	embed.RequestID = "req-embed"
	embed.Operation = models.OpEmbed
	embed.Fingerprint = "fp-embed"
	_ = l.Log(ctx, embed)

	recent, err := l.Query(ctx, models.AuditQueryOpts{Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].RequestID != "req-embed" {
		t.Errorf("since filter = %+v", recent)
	}

	byOp, _ := l.Query(ctx, models.AuditQueryOpts{Operation: models.OpEmbed})
	byFP, _ := l.Query(ctx, models.AuditQueryOpts{Fingerprint: "fp-embed"})
	if len(byOp) != 1 || len(byFP) != 1 {
		t.Errorf("byOp=%d byFP=%d", len(byOp), len(byFP))
	}

	limited, _ := l.Query(ctx, models.AuditQueryOpts{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestCleanup(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 1
	l := mustNew(t, cfg)
	ctx := context.Background()

	old := sampleEntry()
	old.CreatedAt = time.Now().AddDate(0, 0, -2)
	_ = l.Log(ctx, old)
	_ = l.Log(ctx, sampleEntry())

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestCleanupDisabled(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 0
	l := mustNew(t, cfg)
	ctx := context.Background()

	old := sampleEntry()
	old.CreatedAt = time.Now().AddDate(-1, 0, 0)
	_ = l.Log(ctx, old)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Errorf("retention 0 should keep everything, deleted %d", deleted)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	e2 := sampleEntry()
	e2.RequestID = "req-002"
	_ = l.Log(ctx, e2)
	hit := sampleEntry()
	hit.RequestID = "req-003"
	hit.Outcome = OutcomeCacheHit
	_ = l.Log(ctx, hit)

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	counts := make(map[string]int)
	for _, s := range stats {
		if s.Operation != models.OpSummarize {
			t.Errorf("unexpected operation %s", s.Operation)
		}
		counts[s.Outcome] += s.Count
	}
	if counts[OutcomeSuccess] != 2 || counts[OutcomeCacheHit] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	if err := l.Log(context.Background(), sampleEntry()); err != nil {
		t.Errorf("nil logger should be safe: %v", err)
	}
}

func TestNewInvalidPath(t *testing.T) {
	cfg := models.AuditConfig{
		Enabled: true,
		DBPath:  filepath.Join(os.TempDir(), "nonexistent", "deep", "path", "audit.db"),
	}
	l, err := New(cfg)
	if err == nil {
		l.Close()
		t.Error("expected error for invalid path")
	}
}
