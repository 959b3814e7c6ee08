package budget

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/tracker"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []models.BudgetAlert
}

func (r *recordingAlerter) Alert(_ context.Context, a models.BudgetAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingAlerter) thresholds() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, a := range r.alerts {
		out = append(out, a.Threshold)
	}
	return out
}

func setup(t *testing.T, cfg Config) (*Ledger, *tracker.SQLiteTracker, *recordingAlerter) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "budget_test.db")
	tr, err := tracker.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })

	al := &recordingAlerter{}
	l, err := New(dbPath, cfg, tr, al, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l, tr, al
}

func limit(cents int64) func(string) int64 {
	return func(string) int64 { return cents }
}

func TestSecondCallDenied(t *testing.T) {
	l, _, _ := setup(t, Config{DefaultLimit: limit(100)})
	ctx := context.Background()

	r1, err := l.Reserve(ctx, "acme", models.PriorityNormal, 60)
	if err != nil {
		t.Fatalf("first reservation: %v", err)
	}
	if _, err := l.Reserve(ctx, "acme", models.PriorityNormal, 60); !errors.Is(err, aierr.ErrBudgetExceeded) {
		t.Fatalf("second reservation err = %v, want BudgetExceeded", err)
	}

	if err := l.Commit(ctx, r1, 60, models.SpendRecord{Operation: models.OpSummarize, Provider: "openai"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reserve(ctx, "acme", models.PriorityNormal, 60); !errors.Is(err, aierr.ErrBudgetExceeded) {
		t.Fatalf("after commit err = %v, want BudgetExceeded", err)
	}

	b, err := l.Get(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if b.SpentCents != 60 || b.ReservedCents != 0 {
		t.Errorf("budget = %+v", b)
	}
}

func TestReleaseFreesReservation(t *testing.T) {
	l, _, _ := setup(t, Config{DefaultLimit: limit(100)})
	ctx := context.Background()

	r, err := l.Reserve(ctx, "acme", models.PriorityHigh, 80)
	if err != nil {
		t.Fatal(err)
	}
	l.Release(ctx, r)
	l.Release(ctx, r) // second release is a no-op

	if _, err := l.Reserve(ctx, "acme", models.PriorityHigh, 100); err != nil {
		t.Errorf("reservation after release: %v", err)
	}
}

func TestCheck(t *testing.T) {
	l, _, _ := setup(t, Config{DefaultLimit: limit(50)})
	ctx := context.Background()

	st, err := l.Check(ctx, "acme", models.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if !st.OK || st.RemainingCents != 50 {
		t.Errorf("status = %+v", st)
	}

	r, _ := l.Reserve(ctx, "acme", models.PriorityNormal, 50)
	_ = l.Commit(ctx, r, 50, models.SpendRecord{Operation: models.OpDigest, Provider: "p"})

	st, _ = l.Check(ctx, "acme", models.PriorityNormal)
	if st.OK || st.RemainingCents != 0 {
		t.Errorf("exhausted status = %+v", st)
	}
}

func TestUnlimited(t *testing.T) {
	l, _, _ := setup(t, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r, err := l.Reserve(ctx, "free", models.PriorityCritical, 1_000_000)
		if err != nil {
			t.Fatal(err)
		}
		if err := l.Commit(ctx, r, 1_000_000, models.SpendRecord{Operation: models.OpEmbed, Provider: "p"}); err != nil {
			t.Fatal(err)
		}
	}
	st, _ := l.Check(ctx, "free", models.PriorityCritical)
	if !st.OK {
		t.Error("unlimited budget should always be ok")
	}
}

func TestBackgroundOnlyMode(t *testing.T) {
	l, _, _ := setup(t, Config{Mode: models.BudgetBackgroundOnly, DefaultLimit: limit(10)})
	ctx := context.Background()

	r, _ := l.Reserve(ctx, "acme", models.PriorityNormal, 10)
	_ = l.Commit(ctx, r, 10, models.SpendRecord{Operation: models.OpSummarize, Provider: "p"})

	if _, err := l.Reserve(ctx, "acme", models.PriorityHigh, 1); !errors.Is(err, aierr.ErrBudgetExceeded) {
		t.Errorf("high priority err = %v, want BudgetExceeded", err)
	}
	if _, err := l.Reserve(ctx, "acme", models.PriorityBackground, 1); err != nil {
		t.Errorf("background priority should pass: %v", err)
	}
	st, _ := l.Check(ctx, "acme", models.PriorityLow)
	if !st.OK {
		t.Error("low priority check should pass in background_only mode")
	}
}

func TestAlertsFireOncePerThreshold(t *testing.T) {
	l, _, al := setup(t, Config{DefaultLimit: limit(100), AlertThresholds: []int{90, 50, 100}})
	ctx := context.Background()

	spend := func(c int64) {
		t.Helper()
		r, err := l.Reserve(ctx, "acme", models.PriorityNormal, c)
		if err != nil {
			t.Fatal(err)
		}
		if err := l.Commit(ctx, r, c, models.SpendRecord{Operation: models.OpDigest, Provider: "p"}); err != nil {
			t.Fatal(err)
		}
	}

	spend(30)
	if len(al.thresholds()) != 0 {
		t.Fatalf("unexpected alerts: %v", al.thresholds())
	}
	spend(25) // 55%
	spend(1)  // 56%, no new threshold
	spend(40) // 96%, crosses 90
	spend(4)  // 100%

	got := al.thresholds()
	want := []int{50, 90, 100}
	if len(got) != len(want) {
		t.Fatalf("alerts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("alerts = %v, want %v", got, want)
		}
	}
}

func TestAlertStatePersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "budget.db")
	ctx := context.Background()
	cfg := Config{DefaultLimit: limit(100), AlertThresholds: []int{50}}

	al := &recordingAlerter{}
	l, err := New(dbPath, cfg, nil, al, nil)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := l.Reserve(ctx, "acme", models.PriorityNormal, 60)
	_ = l.Commit(ctx, r, 60, models.SpendRecord{})
	l.Close()

	al2 := &recordingAlerter{}
	l2, err := New(dbPath, cfg, nil, al2, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	r, _ = l2.Reserve(ctx, "acme", models.PriorityNormal, 5)
	_ = l2.Commit(ctx, r, 5, models.SpendRecord{})
	if len(al2.thresholds()) != 0 {
		t.Errorf("threshold re-fired after restart: %v", al2.thresholds())
	}
	b, _ := l2.Get(ctx, "acme")
	if b.SpentCents != 65 {
		t.Errorf("spent after restart = %d, want 65", b.SpentCents)
	}
}

func TestCommitWritesSpendRecord(t *testing.T) {
	l, tr, _ := setup(t, Config{DefaultLimit: limit(100)})
	ctx := context.Background()

	r, _ := l.Reserve(ctx, "acme", models.PriorityNormal, 10)
	if err := l.Commit(ctx, r, 7, models.SpendRecord{RequestID: "req-1", Operation: models.OpSummarize, Provider: "openai"}); err != nil {
		t.Fatal(err)
	}

	total, err := tr.TotalByTenant(ctx, "acme", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if total != 7 {
		t.Errorf("tracked total = %d, want 7", total)
	}
}

func TestSetLimit(t *testing.T) {
	l, _, _ := setup(t, Config{DefaultLimit: limit(10)})
	ctx := context.Background()

	if _, err := l.Reserve(ctx, "acme", models.PriorityNormal, 50); err == nil {
		t.Fatal("expected denial under default limit")
	}
	b, err := l.SetLimit(ctx, "acme", 500)
	if err != nil {
		t.Fatal(err)
	}
	if b.LimitCents != 500 {
		t.Errorf("limit = %d", b.LimitCents)
	}
	if _, err := l.Reserve(ctx, "acme", models.PriorityNormal, 50); err != nil {
		t.Errorf("reservation after raise: %v", err)
	}
	if _, err := l.SetLimit(ctx, "acme", -1); !errors.Is(err, aierr.ErrInvalidInput) {
		t.Errorf("negative limit err = %v", err)
	}

	list, err := l.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ReservedCents != 50 {
		t.Errorf("list = %+v", list)
	}
}

func TestPeriodRollover(t *testing.T) {
	l, _, _ := setup(t, Config{DefaultLimit: limit(100)})
	ctx := context.Background()

	march := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return march }
	r, _ := l.Reserve(ctx, "acme", models.PriorityNormal, 100)
	_ = l.Commit(ctx, r, 100, models.SpendRecord{})
	if _, err := l.Reserve(ctx, "acme", models.PriorityNormal, 1); err == nil {
		t.Fatal("march budget should be exhausted")
	}

	l.now = func() time.Time { return march.Add(2 * time.Hour) }
	b, _ := l.Get(ctx, "acme")
	if b.Period != "2026-04" || b.SpentCents != 0 {
		t.Errorf("april budget = %+v", b)
	}
}

func TestConcurrentReservationsNeverExceedLimit(t *testing.T) {
	l, _, _ := setup(t, Config{DefaultLimit: limit(100)})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "acme", models.PriorityNormal, 10); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 10 {
		t.Errorf("granted %d reservations, want 10", granted)
	}
}

func TestLedgersShareDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	open := func() *Ledger {
		t.Helper()
		l, err := New(dbPath, Config{}, nil, &recordingAlerter{}, nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { l.Close() })
		return l
	}
	serving, admin := open(), open()
	ctx := context.Background()

	if st, err := serving.Check(ctx, "acme", models.PriorityNormal); err != nil || st.RemainingCents != -1 {
		t.Fatalf("initial status = %+v, %v", st, err)
	}
	if _, err := admin.SetLimit(ctx, "acme", 100); err != nil {
		t.Fatal(err)
	}

	r, err := serving.Reserve(ctx, "acme", models.PriorityNormal, 60)
	if err != nil {
		t.Fatalf("first reservation: %v", err)
	}
	if err := serving.Commit(ctx, r, 60, models.SpendRecord{}); err != nil {
		t.Fatal(err)
	}
	if _, err := serving.Reserve(ctx, "acme", models.PriorityNormal, 60); !errors.Is(err, aierr.ErrBudgetExceeded) {
		t.Fatalf("second reservation err = %v, want budget exceeded", err)
	}

	// Spend committed by another process adds to, never overwrites, ours.
	r2, err := admin.Reserve(ctx, "acme", models.PriorityNormal, 30)
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.Commit(ctx, r2, 30, models.SpendRecord{}); err != nil {
		t.Fatal(err)
	}
	b, err := serving.Get(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if b.LimitCents != 100 || b.SpentCents != 90 {
		t.Errorf("serving view = limit %d spent %d, want 100 90", b.LimitCents, b.SpentCents)
	}
}

func TestCommitFailureLeavesSpendUnchanged(t *testing.T) {
	l, _, _ := setup(t, Config{DefaultLimit: limit(100)})
	ctx := context.Background()

	r, err := l.Reserve(ctx, "acme", models.PriorityNormal, 10)
	if err != nil {
		t.Fatal(err)
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := l.Commit(cctx, r, 10, models.SpendRecord{}); err == nil {
		t.Fatal("commit with canceled context succeeded")
	}
	b, err := l.Get(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if b.SpentCents != 0 {
		t.Errorf("spent = %d after failed commit", b.SpentCents)
	}
}
