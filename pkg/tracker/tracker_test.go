package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/conduit/pkg/models"
)

func newTestTracker(t *testing.T) *SQLiteTracker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	tr, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestRecordAndQuery(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := models.SpendRecord{
		RequestID:   "req-1",
		TenantID:    "acme",
		UserID:      "u1",
		Operation:   models.OpSummarize,
		Provider:    "openai",
		Fingerprint: "fp1",
		CostCents:   12,
		CreatedAt:   now,
	}
	if err := tr.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}

	records, err := tr.QueryByTenant(ctx, "acme", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].CostCents != 12 {
		t.Errorf("expected 12 cents, got %d", records[0].CostCents)
	}
	if records[0].Operation != models.OpSummarize {
		t.Errorf("operation = %q", records[0].Operation)
	}
}

func TestTotalByTenant(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := range 3 {
		_ = tr.Record(ctx, models.SpendRecord{
			TenantID: "acme", Operation: models.OpDigest, Provider: "openai",
			CostCents: 15, CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
	}
	_ = tr.Record(ctx, models.SpendRecord{
		TenantID: "acme", Operation: models.OpSentiment, Provider: "openai",
		CostCents: 1, CreatedAt: now,
	})

	total, err := tr.TotalByTenant(ctx, "acme", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if total != 46 {
		t.Errorf("expected 46, got %d", total)
	}

	digest, err := tr.TotalByTenantAndOperation(ctx, "acme", models.OpDigest, now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if digest != 45 {
		t.Errorf("expected 45, got %d", digest)
	}
}

func TestSummary(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = tr.Record(ctx, models.SpendRecord{TenantID: "a", Operation: models.OpEmbed, Provider: "openai", CostCents: 2, CreatedAt: now})
	_ = tr.Record(ctx, models.SpendRecord{TenantID: "a", Operation: models.OpEmbed, Provider: "openai", CostCents: 3, CreatedAt: now})
	_ = tr.Record(ctx, models.SpendRecord{TenantID: "b", Operation: models.OpSummarize, Provider: "anthropic", CostCents: 7, CreatedAt: now})

	all, err := tr.Summary(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(all))
	}
	if all[0].TenantID != "a" || all[0].RequestCount != 2 || all[0].TotalCents != 5 {
		t.Errorf("unexpected summary: %+v", all[0])
	}

	onlyB, err := tr.Summary(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyB) != 1 || onlyB[0].Provider != "anthropic" {
		t.Errorf("unexpected filtered summary: %+v", onlyB)
	}
}

func TestDaily(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	today := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	yesterday := today.Add(-24 * time.Hour)

	_ = tr.Record(ctx, models.SpendRecord{TenantID: "a", Operation: models.OpDigest, Provider: "p", CostCents: 4, CreatedAt: yesterday})
	_ = tr.Record(ctx, models.SpendRecord{TenantID: "a", Operation: models.OpDigest, Provider: "p", CostCents: 6, CreatedAt: today})
	_ = tr.Record(ctx, models.SpendRecord{TenantID: "a", Operation: models.OpDigest, Provider: "p", CostCents: 1, CreatedAt: today})

	days, err := tr.Daily(ctx, "a", yesterday.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(days) != 2 {
		t.Fatalf("expected 2 days, got %d", len(days))
	}
	if days[0].Day != "2026-03-10" || days[0].TotalCents != 7 || days[0].RequestCount != 2 {
		t.Errorf("unexpected first day: %+v", days[0])
	}
}
