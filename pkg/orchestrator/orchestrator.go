// Package orchestrator composes fingerprinting, caching, admission, the
// priority queue and the provider router into one submit/await contract.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/audit"
	"github.com/pario-ai/conduit/pkg/budget"
	"github.com/pario-ai/conduit/pkg/cache"
	"github.com/pario-ai/conduit/pkg/config"
	"github.com/pario-ai/conduit/pkg/fingerprint"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/pricing"
	"github.com/pario-ai/conduit/pkg/queue"
	"github.com/pario-ai/conduit/pkg/ratelimit"
	"github.com/pario-ai/conduit/pkg/router"
	"github.com/pario-ai/conduit/pkg/tracker"
	"github.com/pario-ai/conduit/pkg/vector"
	"github.com/pario-ai/conduit/pkg/worker"
)

// ErrNotFound is returned for unknown or evicted request IDs.
var ErrNotFound = errors.New("request not found")

const moderationThresholdParam = "moderation_threshold"

// Deps are the components the orchestrator drives. Audit and VectorStore
// are optional.
type Deps struct {
	Config      *config.Config
	Cache       *cache.Tiered
	Limiter     ratelimit.Limiter
	Ledger      *budget.Ledger
	Tracker     tracker.Tracker
	Router      *router.Router
	Audit       *audit.Logger
	VectorStore *vector.SQLiteStore
	Logger      *slog.Logger
}

// SubmitRequest is what a caller asks for.
type SubmitRequest struct {
	Operation models.Operation `json:"operation"`
	Payload   models.Payload   `json:"payload"`
	Params    models.Params    `json:"params,omitempty"`
	Priority  models.Priority  `json:"priority"`
	TenantID  string           `json:"tenant_id"`
	UserID    string           `json:"user_id"`
}

// call is the future behind one request ID.
type call struct {
	req  models.Request
	done chan struct{}

	// moderationThreshold is the policy in force when a moderate request
	// was submitted. It is part of the request's fingerprint.
	moderationThreshold float64

	mu          sync.Mutex
	reservation budget.Reservation
	reserved    bool
	canceled    bool
	started     time.Time
	pending     models.Result
	outcome     cache.Outcome
	result      models.Result
	err         error
	completedAt time.Time
}

// takeReservation hands the reservation to exactly one settler.
func (c *call) takeReservation() (budget.Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reserved {
		return budget.Reservation{TenantID: c.req.TenantID}, false
	}
	c.reserved = false
	return c.reservation, true
}

func (c *call) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg     *config.Config
	fp      *fingerprint.Fingerprinter
	cache   *cache.Tiered
	limiter ratelimit.Limiter
	ledger  *budget.Ledger
	tracker tracker.Tracker
	router  *router.Router
	audit   *audit.Logger
	pricing *pricing.Calculator
	queue   *queue.Queue
	pool    *worker.Pool
	vectors *vector.Pipeline
	logger  *slog.Logger

	moderation atomic.Pointer[config.ModerationConfig]

	mu    sync.Mutex
	calls map[string]*call

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// New wires the orchestrator. Call Start to begin processing.
func New(ctx context.Context, d Deps) (*Orchestrator, error) {
	if d.Config == nil || d.Cache == nil || d.Limiter == nil || d.Ledger == nil || d.Router == nil {
		return nil, errors.New("orchestrator: config, cache, limiter, ledger and router are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config
	var rules []pricing.Rule
	if len(cfg.Pricing) > 0 {
		rules = cfg.Pricing
	}

	o := &Orchestrator{
		cfg:     cfg,
		fp:      fingerprint.New(cfg.Cache.Normalization),
		cache:   d.Cache,
		limiter: d.Limiter,
		ledger:  d.Ledger,
		tracker: d.Tracker,
		router:  d.Router,
		audit:   d.Audit,
		pricing: pricing.NewCalculator(rules),
		queue:   queue.New(cfg.Queue.StarvationInterval),
		logger:  logger,
		calls:   make(map[string]*call),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	mod := cfg.Moderation
	o.moderation.Store(&mod)

	o.pool = worker.New(worker.Config{
		Workers:           cfg.Queue.Workers,
		BackgroundWorkers: cfg.Queue.BackgroundWorkers,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BaseBackoff:       cfg.Queue.BaseBackoff,
		MaxBackoff:        cfg.Queue.MaxBackoff,
		Jitter:            cfg.Queue.Jitter,
	}, o.queue, o.handle, reporter{o}, logger)

	if cfg.Vector.Enabled && d.VectorStore != nil {
		p, err := vector.New(ctx, vector.Config{
			HNSW: vector.HNSWConfig{
				M:              cfg.Vector.M,
				EfConstruction: cfg.Vector.EfConstruction,
				EfSearch:       cfg.Vector.EfSearch,
				Seed:           cfg.Vector.Seed,
			},
			BatchSize:     cfg.Vector.BatchSize,
			FlushInterval: cfg.Vector.FlushInterval,
			QueryTimeout:  cfg.Vector.QueryTimeout,
		}, d.VectorStore, o, o.fp.ContentHash, logger.With("component", "vector"))
		if err != nil {
			return nil, fmt.Errorf("start vector pipeline: %w", err)
		}
		o.vectors = p
	}
	return o, nil
}

// Start launches the worker pool and the result janitor.
func (o *Orchestrator) Start(ctx context.Context) {
	o.pool.Start(ctx)
	o.wg.Add(1)
	go o.janitor()
}

// Stop drains workers, fails still-queued requests and flushes the vector
// pipeline.
func (o *Orchestrator) Stop() {
	select {
	case <-o.stop:
		return
	default:
		close(o.stop)
	}
	o.queue.Close()
	o.pool.Stop()
	o.wg.Wait()

	o.mu.Lock()
	var pending []*call
	for _, c := range o.calls {
		if !c.finished() {
			pending = append(pending, c)
		}
	}
	o.mu.Unlock()
	for _, c := range pending {
		o.release(c)
		o.complete(c, models.Result{}, aierr.New(aierr.KindCanceled, "shutting down"))
	}

	if o.vectors != nil {
		if err := o.vectors.Close(); err != nil {
			o.logger.Error("vector pipeline close failed", "error", err)
		}
	}
}

// Submit admits a request and returns its ID without waiting for the result.
// Cache hits complete before Submit returns.
func (o *Orchestrator) Submit(ctx context.Context, sr SubmitRequest) (string, error) {
	if err := validate(sr); err != nil {
		return "", err
	}

	fpParams := sr.Params
	var threshold float64
	if sr.Operation == models.OpModerate {
		// Verdicts depend on the threshold, so each policy caches apart.
		threshold = o.moderation.Load().Threshold
		fpParams = fpParams.With(moderationThresholdParam, threshold)
	}
	req := models.Request{
		ID:          uuid.NewString(),
		Operation:   sr.Operation,
		TenantID:    sr.TenantID,
		UserID:      sr.UserID,
		Priority:    sr.Priority,
		Payload:     sr.Payload,
		Params:      sr.Params,
		Fingerprint: o.fp.Fingerprint(sr.Operation, sr.Payload, fpParams),
		SubmittedAt: o.now().UTC(),
	}
	c := &call{req: req, done: make(chan struct{}), moderationThreshold: threshold}

	if o.cfg.Cache.Enabled {
		e, ok, err := o.cache.Get(ctx, req.Fingerprint)
		if err != nil {
			o.logger.Warn("cache lookup failed", "fingerprint", req.Fingerprint, "error", err)
		}
		if ok {
			res := e.Result
			res.Cached, res.CostCents = true, 0
			o.register(c)
			o.auditAttempt(c, 0, res.Provider, audit.OutcomeCacheHit, nil, 0)
			o.complete(c, res, nil)
			return req.ID, nil
		}
	}

	estimate, err := o.estimate(req)
	if err != nil {
		return "", err
	}
	res, err := o.ledger.Reserve(ctx, req.TenantID, req.Priority, estimate)
	if err != nil {
		if e, ok := aierr.As(err); ok {
			e.Fingerprint = req.Fingerprint
		}
		return "", err
	}
	c.reservation, c.reserved = res, true

	dec, err := o.limiter.TryAcquire(ctx, ratelimit.Key{TenantID: req.TenantID, Operation: req.Operation}, 1)
	if err != nil {
		o.release(c)
		return "", aierr.Wrap(aierr.KindInternal, err, "rate limiter")
	}
	if !dec.Allowed {
		o.release(c)
		return "", aierr.RateLimited(dec.RetryAfter, "tenant %s over %s rate", req.TenantID, req.Operation)
	}

	o.register(c)
	if err := o.queue.Push(&models.QueueItem{Request: req, Priority: req.Priority}); err != nil {
		o.unregister(req.ID)
		o.release(c)
		if errors.Is(err, queue.ErrClosed) {
			return "", aierr.Wrap(aierr.KindCanceled, err, "shutting down")
		}
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return req.ID, nil
}

// Await blocks until the request completes or ctx ends.
func (o *Orchestrator) Await(ctx context.Context, id string) (models.Result, error) {
	c := o.lookup(id)
	if c == nil {
		return models.Result{}, ErrNotFound
	}
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, c.err
	case <-ctx.Done():
		return models.Result{}, ctx.Err()
	}
}

// Poll returns the outcome if the request has finished. done is false while
// it is pending.
func (o *Orchestrator) Poll(id string) (res models.Result, done bool, err error) {
	c := o.lookup(id)
	if c == nil {
		return models.Result{}, false, ErrNotFound
	}
	if !c.finished() {
		return models.Result{}, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, true, c.err
}

// TenantOf returns the tenant that submitted id.
func (o *Orchestrator) TenantOf(id string) (string, bool) {
	c := o.lookup(id)
	if c == nil {
		return "", false
	}
	return c.req.TenantID, true
}

// Cancel stops a request. A queued request is removed with no side effects;
// an in-flight one runs to completion and its result is discarded. It
// reports false for unknown or already finished requests.
func (o *Orchestrator) Cancel(id string) bool {
	c := o.lookup(id)
	if c == nil || c.finished() {
		return false
	}
	if o.queue.Cancel(id) {
		o.pool.Forget(id)
		o.release(c)
		o.auditAttempt(c, 0, "", audit.OutcomeCanceled, nil, 0)
		o.complete(c, models.Result{}, aierr.New(aierr.KindCanceled, "canceled while queued"))
		return true
	}
	c.mu.Lock()
	c.canceled = true
	c.mu.Unlock()
	return true
}

func validate(sr SubmitRequest) error {
	if !sr.Operation.Valid() {
		return aierr.InvalidInput("unknown operation %q", sr.Operation)
	}
	if sr.TenantID == "" {
		return aierr.InvalidInput("tenant_id is required")
	}
	if !sr.Priority.Valid() {
		return aierr.InvalidInput("invalid priority %d", sr.Priority)
	}
	inputs := sr.Payload.Inputs()
	if len(inputs) == 0 {
		return aierr.InvalidInput("payload has no text")
	}
	for i, in := range inputs {
		if in == "" {
			return aierr.InvalidInput("payload text %d is empty", i)
		}
	}
	return nil
}

// estimate prices req on the most expensive provider in its chain.
func (o *Orchestrator) estimate(req models.Request) (int64, error) {
	routes, err := o.router.Resolve(req.Operation)
	if err != nil {
		return 0, err
	}
	names := make([]string, len(routes))
	for i, r := range routes {
		names[i] = r.Provider.Name()
	}
	return o.pricing.Estimate(names, req.Operation, pricing.Chars(req.Payload)), nil
}

func (o *Orchestrator) register(c *call) {
	o.mu.Lock()
	o.calls[c.req.ID] = c
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.calls, id)
	o.mu.Unlock()
}

func (o *Orchestrator) lookup(id string) *call {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[id]
}

// release returns c's reservation, if it still holds one.
func (o *Orchestrator) release(c *call) {
	if r, ok := c.takeReservation(); ok {
		o.ledger.Release(context.Background(), r)
	}
}

// complete resolves c's future once.
func (o *Orchestrator) complete(c *call, res models.Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished() {
		return
	}
	if err == nil {
		res.RequestID = c.req.ID
	}
	c.result, c.err = res, err
	c.completedAt = o.now()
	close(c.done)
}

// janitor evicts finished futures after the retention period.
func (o *Orchestrator) janitor() {
	defer o.wg.Done()
	retention := o.cfg.Queue.ResultRetention
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	interval := min(max(retention/4, 10*time.Millisecond), time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.evict(o.now().Add(-retention))
		}
	}
}

func (o *Orchestrator) evict(before time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, c := range o.calls {
		if !c.finished() {
			continue
		}
		c.mu.Lock()
		old := c.completedAt.Before(before)
		c.mu.Unlock()
		if old {
			delete(o.calls, id)
			n++
		}
	}
	return n
}
