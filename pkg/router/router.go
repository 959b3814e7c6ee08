// Package router selects a healthy provider for each operation and falls
// back along a configured chain.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/config"
	"github.com/pario-ai/conduit/pkg/metrics"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/provider"
)

// Route is a resolved provider and model pair.
type Route struct {
	Provider provider.Provider
	Model    string
}

// Result is a successful provider call.
type Result struct {
	provider.Response
	Provider string
	Model    string
	Latency  time.Duration
}

// Router resolves operations to ordered provider chains.
type Router struct {
	providers     []provider.Provider
	providerIndex map[string]provider.Provider
	breakers      map[string]*CircuitBreaker
	limiters      map[string]*rate.Limiter
	callTimeout   time.Duration
	health        *HealthStore
	logger        *slog.Logger

	mu     sync.RWMutex
	routes map[models.Operation][]config.RouteTarget
}

// New creates a Router over providers, in config order. health may be nil.
func New(cfg *config.Config, providers []provider.Provider, health *HealthStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		providers:     providers,
		providerIndex: make(map[string]provider.Provider, len(providers)),
		breakers:      make(map[string]*CircuitBreaker, len(providers)),
		limiters:      make(map[string]*rate.Limiter),
		callTimeout:   cfg.Breaker.CallTimeout,
		health:        health,
		logger:        logger,
	}

	var persisted map[string]models.ProviderHealth
	if health != nil {
		var err error
		if persisted, err = health.Load(context.Background()); err != nil {
			logger.Warn("provider health not restored", "error", err)
		}
	}

	bcfg := BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		Cooldown:         cfg.Breaker.Cooldown,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}
	for _, p := range providers {
		name := p.Name()
		r.providerIndex[name] = p

		cb := NewCircuitBreaker(name, bcfg)
		if h, ok := persisted[name]; ok {
			cb.Restore(h)
		}
		cb.OnStateChange(r.stateChanged)
		r.breakers[name] = cb

		if pc, ok := cfg.Provider(name); ok && pc.QPS > 0 {
			burst := pc.Burst
			if burst <= 0 {
				burst = max(1, int(pc.QPS))
			}
			r.limiters[name] = rate.NewLimiter(rate.Limit(pc.QPS), burst)
		}
	}
	r.SetRoutes(cfg.Routes)
	return r
}

// SetRoutes replaces the configured chains.
func (r *Router) SetRoutes(routes []config.RouteConfig) {
	m := make(map[models.Operation][]config.RouteTarget, len(routes))
	for _, rc := range routes {
		m[rc.Operation] = rc.Targets
	}
	r.mu.Lock()
	r.routes = m
	r.mu.Unlock()
}

// Resolve returns the ordered routes for op. Without a configured route,
// every provider that supports op is used in config order.
func (r *Router) Resolve(op models.Operation) ([]Route, error) {
	r.mu.RLock()
	targets, ok := r.routes[op]
	r.mu.RUnlock()

	var out []Route
	if ok {
		for _, t := range targets {
			p, found := r.providerIndex[t.Provider]
			if !found || !p.Supports(op) {
				continue
			}
			out = append(out, Route{Provider: p, Model: t.Model})
		}
	} else {
		for _, p := range r.providers {
			if p.Supports(op) {
				out = append(out, Route{Provider: p})
			}
		}
	}
	if len(out) == 0 {
		return nil, aierr.InvalidInput("no provider serves %s", op)
	}
	return out, nil
}

// Call executes req on the first healthy provider in its chain.
func (r *Router) Call(ctx context.Context, req models.Request) (Result, error) {
	routes, err := r.Resolve(req.Operation)
	if err != nil {
		return Result{}, err
	}

	var (
		last    error
		retryIn time.Duration
	)
	for _, route := range routes {
		name := route.Provider.Name()
		cb := r.breakers[name]
		if !cb.Allow() {
			metrics.ProviderCalls.WithLabelValues(name, string(req.Operation), "skipped").Inc()
			retryIn = minPositive(retryIn, cb.RetryIn())
			continue
		}

		if lim := r.limiters[name]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				cb.Abort()
				return Result{}, contextError(ctx, err)
			}
		}

		res, err := r.callOne(ctx, route, req)
		if err == nil {
			cb.RecordSuccess()
			return res, nil
		}

		if ctx.Err() != nil {
			cb.Abort()
			return Result{}, contextError(ctx, ctx.Err())
		}
		if !aierr.Retryable(err) {
			cb.Abort()
			return Result{}, err
		}

		cb.RecordFailure()
		last = err
		if e, ok := aierr.As(err); ok {
			retryIn = minPositive(retryIn, e.RetryAfter)
		}
		r.logger.Warn("provider call failed",
			"provider", name,
			"operation", req.Operation,
			"fingerprint", req.Fingerprint,
			"tenant_id", req.TenantID,
			"error", err,
		)
	}

	// A provider that was tried and failed leaves the request retryable;
	// only a chain whose breakers are all open is terminal.
	kind := aierr.KindAllProvidersUnavailable
	if last != nil {
		kind = aierr.KindOf(last)
	}
	e := aierr.Wrap(kind, last, "no healthy provider for %s", req.Operation)
	if le, ok := aierr.As(last); ok {
		e.Provider = le.Provider
		e.StatusCode = le.StatusCode
	}
	e.Fingerprint = req.Fingerprint
	e.RetryAfter = retryIn
	return Result{}, e
}

func (r *Router) callOne(ctx context.Context, route Route, req models.Request) (Result, error) {
	name := route.Provider.Name()
	callCtx := ctx
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}
	if route.Model != "" {
		req.Params = req.Params.With("model", route.Model)
	}

	start := time.Now()
	resp, err := route.Provider.Call(callCtx, req)
	latency := time.Since(start)
	metrics.ProviderLatency.WithLabelValues(name, string(req.Operation)).Observe(latency.Seconds())

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, aierr.ErrTimeout) {
			e := aierr.Wrap(aierr.KindTimeout, err, "call exceeded %s", r.callTimeout)
			e.Provider = name
			err = e
		}
		if e, ok := aierr.As(err); ok && e.Fingerprint == "" {
			e.Fingerprint = req.Fingerprint
		}
		metrics.ProviderCalls.WithLabelValues(name, string(req.Operation), string(aierr.KindOf(err))).Inc()
		return Result{}, err
	}
	metrics.ProviderCalls.WithLabelValues(name, string(req.Operation), "success").Inc()

	model := resp.Model
	if model == "" {
		model = route.Model
	}
	return Result{Response: resp, Provider: name, Model: model, Latency: latency}, nil
}

// Health returns every provider's breaker state in config order.
func (r *Router) Health() []models.ProviderHealth {
	out := make([]models.ProviderHealth, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, r.breakers[p.Name()].Health())
	}
	return out
}

// Breaker returns the named provider's breaker.
func (r *Router) Breaker(name string) (*CircuitBreaker, bool) {
	cb, ok := r.breakers[name]
	return cb, ok
}

func (r *Router) stateChanged(h models.ProviderHealth) {
	r.logger.Info("provider circuit changed", "provider", h.ProviderID, "state", h.State)
	if r.health == nil {
		return
	}
	if err := r.health.Save(context.Background(), h); err != nil {
		r.logger.Error("persist provider health", "provider", h.ProviderID, "error", err)
	}
}

func contextError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return aierr.Wrap(aierr.KindTimeout, err, "request deadline exceeded")
	}
	return aierr.Wrap(aierr.KindCanceled, err, "request canceled")
}

func minPositive(a, b time.Duration) time.Duration {
	if b <= 0 {
		return a
	}
	if a <= 0 || b < a {
		return b
	}
	return a
}
