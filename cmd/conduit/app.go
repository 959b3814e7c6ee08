package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pario-ai/conduit/pkg/audit"
	"github.com/pario-ai/conduit/pkg/budget"
	"github.com/pario-ai/conduit/pkg/cache"
	"github.com/pario-ai/conduit/pkg/cache/memory"
	"github.com/pario-ai/conduit/pkg/cache/sqlite"
	"github.com/pario-ai/conduit/pkg/config"
	"github.com/pario-ai/conduit/pkg/orchestrator"
	"github.com/pario-ai/conduit/pkg/provider"
	"github.com/pario-ai/conduit/pkg/ratelimit"
	"github.com/pario-ai/conduit/pkg/router"
	"github.com/pario-ai/conduit/pkg/tracker"
	"github.com/pario-ai/conduit/pkg/vector"
)

// app owns every store and service behind one orchestrator.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	orch   *orchestrator.Orchestrator
	audit  *audit.Logger

	local   *ratelimit.Local
	buckets *ratelimit.SQLiteStore

	closers []func() error
}

// newApp opens the stores named in cfg and builds the orchestrator. Workers
// are not started.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	l2, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	tiered := cache.NewTiered(memory.New(cfg.Cache.L1Size, time.Minute), l2, cfg.TTLs(), logger)
	a.closers = append(a.closers, tiered.Close)

	tr, err := tracker.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init tracker: %w", err)
	}
	a.closers = append(a.closers, tr.Close)

	ledger, err := budget.New(cfg.DBPath, orchestrator.BudgetConfig(cfg), tr, budget.LogAlerter{Logger: logger}, logger)
	if err != nil {
		return nil, fmt.Errorf("init budget: %w", err)
	}
	a.closers = append(a.closers, ledger.Close)

	limiter, err := a.openLimiter(ctx)
	if err != nil {
		return nil, err
	}

	health, err := router.NewHealthStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init provider health: %w", err)
	}
	a.closers = append(a.closers, health.Close)

	client := &http.Client{Timeout: 60 * time.Second}
	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := provider.New(pc, client)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}

	d := orchestrator.Deps{
		Config:  cfg,
		Cache:   tiered,
		Limiter: limiter,
		Ledger:  ledger,
		Tracker: tr,
		Router:  router.New(cfg, providers, health, logger),
		Logger:  logger,
	}

	if cfg.Audit.Enabled {
		ac := cfg.Audit
		if ac.DBPath == "" {
			ac.DBPath = cfg.DBPath
		}
		al, err := audit.New(ac)
		if err != nil {
			return nil, err
		}
		a.audit = al
		a.closers = append(a.closers, al.Close)
		d.Audit = al
	}

	if cfg.Vector.Enabled {
		vs, err := vector.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("init vector store: %w", err)
		}
		a.closers = append(a.closers, vs.Close)
		d.VectorStore = vs
	}

	a.orch, err = orchestrator.New(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	return a, nil
}

// openLimiter builds the configured rate limiter backend. The local
// backend restores its buckets from the previous run.
func (a *app) openLimiter(ctx context.Context) (ratelimit.Limiter, error) {
	if a.cfg.RateLimit.Backend == "redis" {
		opts, err := redis.ParseURL(a.cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return ratelimit.NewRedis(client, a.cfg.RatePlans()), nil
	}

	a.local = ratelimit.NewLocal(a.cfg.RatePlans(), 0)
	st, err := ratelimit.NewSQLiteStore(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init rate limit store: %w", err)
	}
	a.buckets = st
	a.closers = append(a.closers, st.Close)

	saved, err := st.Load(ctx)
	if err != nil {
		a.logger.Warn("rate limit buckets not restored", "error", err)
	} else {
		a.local.Restore(saved)
	}
	return a.local, nil
}

// Close stops the orchestrator, persists local rate limit buckets and
// closes every store in reverse order of opening.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Stop()
	}
	if a.local != nil && a.buckets != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.buckets.Save(ctx, a.local.Snapshot()); err != nil {
			a.logger.Warn("rate limit buckets not saved", "error", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
