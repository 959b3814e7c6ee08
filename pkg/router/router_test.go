package router

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/config"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/provider"
)

type fakeProvider struct {
	name  string
	ops   []models.Operation
	calls atomic.Int32
	fn    func(ctx context.Context, req models.Request) (provider.Response, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Supports(op models.Operation) bool {
	if len(f.ops) == 0 {
		return true
	}
	for _, o := range f.ops {
		if o == op {
			return true
		}
	}
	return false
}

func (f *fakeProvider) Call(ctx context.Context, req models.Request) (provider.Response, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return provider.Response{Text: f.name + ":" + req.Params.String("model")}, nil
	}
	return f.fn(ctx, req)
}

func failing(kind aierr.Kind) func(context.Context, models.Request) (provider.Response, error) {
	return func(context.Context, models.Request) (provider.Response, error) {
		return provider.Response{}, aierr.New(kind, "boom")
	}
}

func testConfig(names ...string) *config.Config {
	cfg := config.Default()
	cfg.Providers = nil
	for _, n := range names {
		cfg.Providers = append(cfg.Providers, config.ProviderConfig{Name: n})
	}
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.Cooldown = time.Hour
	cfg.Breaker.SuccessThreshold = 2
	return cfg
}

func summarize() models.Request {
	return models.Request{ID: "r", Operation: models.OpSummarize, Payload: models.Payload{Text: "x"}, Fingerprint: "fp"}
}

func TestResolveNoRoutes(t *testing.T) {
	oa := &fakeProvider{name: "openai"}
	r := New(testConfig("openai"), []provider.Provider{oa}, nil, nil)
	routes, err := r.Resolve(models.OpSummarize)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(routes))
	}
	if routes[0].Provider.Name() != "openai" || routes[0].Model != "" {
		t.Errorf("unexpected route: %+v", routes[0])
	}
}

func TestResolveDefaultSkipsUnsupported(t *testing.T) {
	claude := &fakeProvider{name: "claude", ops: []models.Operation{models.OpSummarize}}
	oa := &fakeProvider{name: "openai"}
	r := New(testConfig("claude", "openai"), []provider.Provider{claude, oa}, nil, nil)

	routes, err := r.Resolve(models.OpEmbed)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 || routes[0].Provider.Name() != "openai" {
		t.Errorf("routes = %+v", routes)
	}
}

func TestResolveWithRoute(t *testing.T) {
	oa, claude := &fakeProvider{name: "openai"}, &fakeProvider{name: "anthropic"}
	cfg := testConfig("openai", "anthropic")
	cfg.Routes = []config.RouteConfig{{
		Operation: models.OpDigest,
		Targets: []config.RouteTarget{
			{Provider: "anthropic", Model: "claude-haiku-4-5"},
			{Provider: "openai", Model: "gpt-4o-mini"},
		},
	}}
	r := New(cfg, []provider.Provider{oa, claude}, nil, nil)

	routes, err := r.Resolve(models.OpDigest)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}
	if routes[0].Model != "claude-haiku-4-5" || routes[0].Provider.Name() != "anthropic" {
		t.Errorf("unexpected first route: %+v", routes[0])
	}
	if routes[1].Model != "gpt-4o-mini" || routes[1].Provider.Name() != "openai" {
		t.Errorf("unexpected second route: %+v", routes[1])
	}
}

func TestResolveSkipsUnknownProvider(t *testing.T) {
	oa := &fakeProvider{name: "openai"}
	cfg := testConfig("openai")
	r := New(cfg, []provider.Provider{oa}, nil, nil)
	r.SetRoutes([]config.RouteConfig{{
		Operation: models.OpSummarize,
		Targets:   []config.RouteTarget{{Provider: "unknown"}, {Provider: "openai"}},
	}})

	routes, err := r.Resolve(models.OpSummarize)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 || routes[0].Provider.Name() != "openai" {
		t.Errorf("routes = %+v", routes)
	}
}

func TestResolveNoProviders(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	if _, err := r.Resolve(models.OpEmbed); !errors.Is(err, aierr.ErrInvalidInput) {
		t.Fatalf("err = %v, want InvalidInput", err)
	}
}

func TestCallPassesRouteModel(t *testing.T) {
	oa := &fakeProvider{name: "openai"}
	cfg := testConfig("openai")
	cfg.Routes = []config.RouteConfig{{Operation: models.OpSummarize, Targets: []config.RouteTarget{{Provider: "openai", Model: "gpt-x"}}}}
	r := New(cfg, []provider.Provider{oa}, nil, nil)

	req := summarize()
	req.Params = models.Params{"temperature": 0.1}
	res, err := r.Call(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "openai:gpt-x" || res.Provider != "openai" || res.Model != "gpt-x" {
		t.Errorf("res = %+v", res)
	}
	if _, ok := req.Params["model"]; ok {
		t.Error("caller params were mutated")
	}
}

func TestFallbackOnRetryable(t *testing.T) {
	primary := &fakeProvider{name: "primary", fn: failing(aierr.KindProviderUnavailable)}
	backup := &fakeProvider{name: "backup"}
	r := New(testConfig("primary", "backup"), []provider.Provider{primary, backup}, nil, nil)

	res, err := r.Call(context.Background(), summarize())
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "backup" {
		t.Errorf("provider = %s, want backup", res.Provider)
	}
}

func TestRejectedCredentialsFallBack(t *testing.T) {
	primary := &fakeProvider{name: "primary", fn: func(context.Context, models.Request) (provider.Response, error) {
		return provider.Response{}, provider.MapStatus("primary", http.StatusUnauthorized, http.Header{}, []byte(`{"error":{"message":"invalid api key"}}`))
	}}
	backup := &fakeProvider{name: "backup"}
	r := New(testConfig("primary", "backup"), []provider.Provider{primary, backup}, nil, nil)

	for i := 0; i < 3; i++ {
		res, err := r.Call(context.Background(), summarize())
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if res.Provider != "backup" {
			t.Errorf("call %d served by %s", i, res.Provider)
		}
	}
	if cb, _ := r.Breaker("primary"); cb.State() != models.BreakerOpen {
		t.Errorf("primary breaker = %s, want open", cb.State())
	}
	if primary.calls.Load() != 2 {
		t.Errorf("primary calls = %d, want 2 before the breaker opened", primary.calls.Load())
	}
}

func TestNonRetryableStopsChain(t *testing.T) {
	primary := &fakeProvider{name: "primary", fn: failing(aierr.KindInvalidInput)}
	backup := &fakeProvider{name: "backup"}
	r := New(testConfig("primary", "backup"), []provider.Provider{primary, backup}, nil, nil)

	for i := 0; i < 5; i++ {
		if _, err := r.Call(context.Background(), summarize()); !errors.Is(err, aierr.ErrInvalidInput) {
			t.Fatalf("err = %v", err)
		}
	}
	if backup.calls.Load() != 0 {
		t.Error("non-retryable error must not fall back")
	}
	if cb, _ := r.Breaker("primary"); cb.State() != models.BreakerClosed {
		t.Errorf("non-retryable errors tripped the breaker: %s", cb.State())
	}
}

func TestAllProvidersUnavailable(t *testing.T) {
	a := &fakeProvider{name: "a", fn: failing(aierr.KindProviderUnavailable)}
	b := &fakeProvider{name: "b", fn: failing(aierr.KindTimeout)}
	r := New(testConfig("a", "b"), []provider.Provider{a, b}, nil, nil)

	_, err := r.Call(context.Background(), summarize())
	if !errors.Is(err, aierr.ErrTimeout) || !aierr.Retryable(err) {
		t.Fatalf("err = %v, want the last retryable cause", err)
	}
	if errors.Is(err, aierr.ErrAllProvidersUnavailable) {
		t.Error("a tried chain is not all-unavailable")
	}

	// Second failure trips both breakers; the third call skips them entirely.
	_, _ = r.Call(context.Background(), summarize())
	_, err = r.Call(context.Background(), summarize())
	if !errors.Is(err, aierr.ErrAllProvidersUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if a.calls.Load() != 2 || b.calls.Load() != 2 {
		t.Errorf("calls a=%d b=%d, want open breakers skipped", a.calls.Load(), b.calls.Load())
	}
	e, _ := aierr.As(err)
	if e.RetryAfter <= 0 || e.RetryAfter > time.Hour {
		t.Errorf("retry after = %v, want remaining cooldown", e.RetryAfter)
	}
	if aierr.Retryable(err) {
		t.Error("all breakers open must be terminal")
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	slow := &fakeProvider{name: "slow", fn: func(ctx context.Context, _ models.Request) (provider.Response, error) {
		<-ctx.Done()
		return provider.Response{}, ctx.Err()
	}}
	cfg := testConfig("slow")
	cfg.Breaker.CallTimeout = 10 * time.Millisecond
	cfg.Breaker.FailureThreshold = 1
	r := New(cfg, []provider.Provider{slow}, nil, nil)

	_, err := r.Call(context.Background(), summarize())
	if !errors.Is(err, aierr.ErrTimeout) {
		t.Fatalf("err = %v, want wrapped Timeout", err)
	}
	if cb, _ := r.Breaker("slow"); cb.State() != models.BreakerOpen {
		t.Errorf("state = %s, want open", cb.State())
	}
}

func TestCallerCancelDoesNotTrip(t *testing.T) {
	slow := &fakeProvider{name: "slow", fn: func(ctx context.Context, _ models.Request) (provider.Response, error) {
		<-ctx.Done()
		return provider.Response{}, ctx.Err()
	}}
	cfg := testConfig("slow")
	cfg.Breaker.FailureThreshold = 1
	r := New(cfg, []provider.Provider{slow}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := r.Call(ctx, summarize())
	if !errors.Is(err, aierr.ErrCanceled) {
		t.Fatalf("err = %v", err)
	}
	if cb, _ := r.Breaker("slow"); cb.State() != models.BreakerClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestProviderQPSLimiter(t *testing.T) {
	p := &fakeProvider{name: "p"}
	cfg := testConfig("p")
	cfg.Providers[0].QPS = 20
	cfg.Providers[0].Burst = 1
	r := New(cfg, []provider.Provider{p}, nil, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := r.Call(context.Background(), summarize()); err != nil {
			t.Fatal(err)
		}
	}
	if d := time.Since(start); d < 80*time.Millisecond {
		t.Errorf("3 calls at 20 qps burst 1 took %v, want >= 100ms", d)
	}
}

func TestHealthPersistsAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "health.db")
	hs, err := NewHealthStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer hs.Close()

	bad := &fakeProvider{name: "bad", fn: failing(aierr.KindProviderUnavailable)}
	cfg := testConfig("bad")
	r := New(cfg, []provider.Provider{bad}, hs, nil)
	for i := 0; i < 2; i++ {
		_, _ = r.Call(context.Background(), summarize())
	}
	if h := r.Health(); h[0].State != models.BreakerOpen {
		t.Fatalf("health = %+v", h)
	}

	r2 := New(cfg, []provider.Provider{&fakeProvider{name: "bad"}}, hs, nil)
	h := r2.Health()
	if len(h) != 1 || h[0].State != models.BreakerOpen || h[0].OpenedAt.IsZero() {
		t.Errorf("restored health = %+v", h)
	}
	if _, err := r2.Call(context.Background(), summarize()); !errors.Is(err, aierr.ErrAllProvidersUnavailable) {
		t.Errorf("restored open breaker should still block: %v", err)
	}
}
