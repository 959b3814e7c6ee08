package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/audit"
	"github.com/pario-ai/conduit/pkg/cache"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/pricing"
	"github.com/pario-ai/conduit/pkg/router"
	"github.com/pario-ai/conduit/pkg/vector"
)

// handle runs one attempt of a queued request.
func (o *Orchestrator) handle(ctx context.Context, item *models.QueueItem) error {
	req := item.Request
	c := o.lookup(req.ID)
	if c == nil {
		return aierr.New(aierr.KindCanceled, "request %s no longer tracked", req.ID)
	}
	c.mu.Lock()
	canceled := c.canceled
	c.started = o.now()
	c.mu.Unlock()
	if canceled {
		return aierr.New(aierr.KindCanceled, "canceled")
	}

	deadline := time.Time{}
	if t := o.cfg.Queue.RequestTimeout; t > 0 {
		deadline = req.SubmittedAt.Add(t)
		if !o.now().Before(deadline) {
			return deadlineExceeded(req, t)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	var (
		res     models.Result
		outcome = cache.Miss
		err     error
	)
	load := func(lctx context.Context) (models.Result, error) { return o.load(lctx, c) }
	if o.cfg.Cache.Enabled {
		res, outcome, err = o.cache.Do(ctx, req.Fingerprint, load)
	} else {
		res, err = load(ctx)
	}
	if err != nil {
		if !deadline.IsZero() && errors.Is(err, context.DeadlineExceeded) {
			return deadlineExceeded(req, o.cfg.Queue.RequestTimeout)
		}
		if e, ok := aierr.As(err); ok && e.Fingerprint == "" {
			e.Fingerprint = req.Fingerprint
		}
		return err
	}

	c.mu.Lock()
	c.pending, c.outcome = res, outcome
	c.mu.Unlock()
	return nil
}

func deadlineExceeded(req models.Request, timeout time.Duration) error {
	return &aierr.Error{
		Kind:        aierr.KindPermanentFailure,
		Message:     "request deadline exceeded after " + timeout.String(),
		Fingerprint: req.Fingerprint,
		Err:         aierr.New(aierr.KindTimeout, "request timeout"),
	}
}

// load is the cache-miss path: call a provider, account for the spend and
// apply result policy. The ledger is committed before the result is
// returned to anyone.
func (o *Orchestrator) load(ctx context.Context, c *call) (models.Result, error) {
	req := c.req
	out, err := o.router.Call(ctx, req)
	if err != nil {
		return models.Result{}, err
	}

	cost := o.costOf(out, req.Operation, req.Payload)
	r, _ := c.takeReservation()
	rec := models.SpendRecord{
		RequestID:   req.ID,
		UserID:      req.UserID,
		Operation:   req.Operation,
		Provider:    out.Provider,
		Fingerprint: req.Fingerprint,
		CreatedAt:   o.now().UTC(),
	}
	if err := o.ledger.Commit(ctx, r, cost, rec); err != nil {
		o.logger.Error("spend not recorded",
			"request_id", req.ID, "tenant_id", req.TenantID, "provider", out.Provider,
			"fingerprint", req.Fingerprint, "cost_cents", cost, "error", err)
		return models.Result{}, aierr.Wrap(aierr.KindInternal, err, "record spend")
	}

	res := models.Result{
		Operation:   req.Operation,
		Fingerprint: req.Fingerprint,
		Provider:    out.Provider,
		Text:        out.Text,
		Label:       out.Label,
		Score:       out.Score,
		Flagged:     out.Flagged,
		Categories:  out.Categories,
		Vectors:     out.Vectors,
		CostCents:   cost,
		CompletedAt: o.now().UTC(),
	}
	if req.Operation == models.OpModerate {
		applyModeration(&res, c.moderationThreshold)
	}
	if req.Operation == models.OpEmbed && o.vectors != nil && o.cfg.Vector.IngestEmbeddings {
		o.ingestEmbedded(ctx, req, res.Vectors)
	}
	return res, nil
}

// costOf prices a provider call. A cost the provider reported itself wins
// over the configured price.
func (o *Orchestrator) costOf(out router.Result, op models.Operation, p models.Payload) int64 {
	if out.CostReported {
		return out.CostCents
	}
	return o.pricing.Cost(out.Provider, op, pricing.Chars(p))
}

// applyModeration decides the verdict from the top category score. With a
// threshold set it overrides the provider's own flag in both directions.
func applyModeration(res *models.Result, threshold float64) {
	var top float64
	for _, s := range res.Categories {
		top = max(top, s)
	}
	res.Score = top
	if threshold > 0 {
		res.Flagged = top >= threshold
	}
}

func (o *Orchestrator) ingestEmbedded(ctx context.Context, req models.Request, vecs [][]float32) {
	texts := req.Payload.Inputs()
	if len(texts) != len(vecs) {
		o.logger.Warn("embed result not indexed", "request_id", req.ID, "texts", len(texts), "vectors", len(vecs))
		return
	}
	meta := vector.Meta{
		Author:    req.Payload.Metadata["author"],
		Channel:   req.Payload.Metadata["channel"],
		CreatedAt: req.SubmittedAt,
	}
	if meta.Author == "" {
		meta.Author = req.UserID
	}
	if _, err := o.vectors.AddEmbedded(ctx, req.ID, texts, vecs, meta); err != nil {
		o.logger.Warn("embed result not indexed", "request_id", req.ID, "error", err)
	}
}

// reporter adapts worker outcomes to futures and the audit log.
type reporter struct{ o *Orchestrator }

func (r reporter) Completed(item *models.QueueItem, err error) {
	o := r.o
	c := o.lookup(item.Request.ID)
	if c == nil {
		return
	}
	c.mu.Lock()
	res, outcome, canceled, started := c.pending, c.outcome, c.canceled, c.started
	c.mu.Unlock()
	latency := o.now().Sub(started)

	if err != nil {
		o.release(c)
		kind := audit.OutcomeFailed
		if aierr.KindOf(err) == aierr.KindCanceled {
			kind = audit.OutcomeCanceled
		}
		o.auditAttempt(c, item.Attempts, providerOf(err), kind, err, latency)
		o.complete(c, models.Result{}, err)
		return
	}

	if outcome != cache.Miss {
		// Another request paid for this result.
		o.release(c)
		res.Cached = true
		res.CostCents = 0
		o.auditAttempt(c, item.Attempts, res.Provider, audit.OutcomeCacheHit, nil, latency)
	} else {
		o.auditResult(c, item.Attempts, res, latency)
	}

	if canceled {
		o.auditAttempt(c, item.Attempts, res.Provider, audit.OutcomeCanceled, nil, 0)
		o.complete(c, models.Result{}, aierr.New(aierr.KindCanceled, "canceled while in flight"))
		return
	}
	o.complete(c, res, nil)
}

func (r reporter) Retrying(item *models.QueueItem, err error, delay time.Duration) {
	o := r.o
	c := o.lookup(item.Request.ID)
	if c == nil {
		return
	}
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	o.auditAttempt(c, item.Attempts, providerOf(err), audit.OutcomeRetry, err, o.now().Sub(started))
}

func providerOf(err error) string {
	if e, ok := aierr.As(err); ok {
		return e.Provider
	}
	return ""
}

func (o *Orchestrator) auditResult(c *call, attempt int, res models.Result, latency time.Duration) {
	if o.audit == nil {
		return
	}
	e := o.entry(c, attempt, res.Provider, audit.OutcomeSuccess, nil, latency)
	e.CostCents = res.CostCents
	o.writeAudit(e)
}

func (o *Orchestrator) auditAttempt(c *call, attempt int, provider, outcome string, err error, latency time.Duration) {
	if o.audit == nil {
		return
	}
	o.writeAudit(o.entry(c, attempt, provider, outcome, err, latency))
}

func (o *Orchestrator) entry(c *call, attempt int, provider, outcome string, err error, latency time.Duration) models.AuditEntry {
	e := models.AuditEntry{
		RequestID:   c.req.ID,
		Fingerprint: c.req.Fingerprint,
		TenantID:    c.req.TenantID,
		Operation:   c.req.Operation,
		Provider:    provider,
		Attempt:     attempt,
		Outcome:     outcome,
		LatencyMs:   latency.Milliseconds(),
		CreatedAt:   o.now().UTC(),
	}
	if err != nil {
		e.ErrorKind = string(aierr.KindOf(err))
		e.Error = err.Error()
	}
	return e
}

func (o *Orchestrator) writeAudit(e models.AuditEntry) {
	if err := o.audit.Log(context.Background(), e); err != nil {
		o.logger.Warn("audit write failed", "request_id", e.RequestID, "error", err)
	}
}
