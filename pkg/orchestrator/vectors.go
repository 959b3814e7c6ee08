package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/ratelimit"
	"github.com/pario-ai/conduit/pkg/vector"
)

// systemTenant is charged for embeddings made without a tenant in context.
const systemTenant = "system"

type tenantKey struct{}

// WithTenant attributes embedding spend made under ctx to tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

func tenantFrom(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey{}).(string); ok && t != "" {
		return t
	}
	return systemTenant
}

// Embed implements vector.Embedder over the provider router. The call is
// budgeted and recorded like any other provider call.
func (o *Orchestrator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	tenant := tenantFrom(ctx)
	payload := models.Payload{Texts: texts}
	req := models.Request{
		ID:          uuid.NewString(),
		Operation:   models.OpEmbed,
		TenantID:    tenant,
		Priority:    models.PriorityBackground,
		Payload:     payload,
		Fingerprint: o.fp.Fingerprint(models.OpEmbed, payload, nil),
		SubmittedAt: o.now().UTC(),
	}
	estimate, err := o.estimate(req)
	if err != nil {
		return nil, err
	}
	r, err := o.ledger.Reserve(ctx, tenant, req.Priority, estimate)
	if err != nil {
		return nil, err
	}

	out, err := o.router.Call(ctx, req)
	if err != nil {
		o.ledger.Release(context.WithoutCancel(ctx), r)
		return nil, err
	}
	if len(out.Vectors) != len(texts) {
		o.ledger.Release(context.WithoutCancel(ctx), r)
		return nil, aierr.New(aierr.KindProviderUnavailable, "got %d vectors for %d texts", len(out.Vectors), len(texts))
	}

	cost := o.costOf(out, models.OpEmbed, payload)
	if err := o.ledger.Commit(context.WithoutCancel(ctx), r, cost, models.SpendRecord{
		RequestID:   req.ID,
		Operation:   models.OpEmbed,
		Provider:    out.Provider,
		Fingerprint: req.Fingerprint,
		CreatedAt:   o.now().UTC(),
	}); err != nil {
		return nil, aierr.Wrap(aierr.KindInternal, err, "record spend")
	}
	return out.Vectors, nil
}

// Ingest embeds and indexes content for tenantID. Content already indexed
// is not embedded again.
func (o *Orchestrator) Ingest(ctx context.Context, tenantID string, items []vector.Item) ([]vector.IngestResult, error) {
	if o.vectors == nil {
		return nil, aierr.InvalidInput("vector search is disabled")
	}
	if len(items) == 0 {
		return nil, aierr.InvalidInput("no items to ingest")
	}
	if len(items) > vector.MaxBatchSize {
		return nil, aierr.InvalidInput("at most %d items per ingest", vector.MaxBatchSize)
	}
	dec, err := o.limiter.TryAcquire(ctx, ratelimit.Key{TenantID: tenantID, Operation: models.OpEmbed}, 1)
	if err != nil {
		return nil, aierr.Wrap(aierr.KindInternal, err, "rate limiter")
	}
	if !dec.Allowed {
		return nil, aierr.RateLimited(dec.RetryAfter, "tenant %s over %s rate", tenantID, models.OpEmbed)
	}
	return o.vectors.IngestBatch(WithTenant(ctx, tenantID), items)
}

// SearchRequest is a vector query. Exactly one of Text or Vector is set.
type SearchRequest struct {
	Text   string        `json:"text,omitempty"`
	Vector []float32     `json:"vector,omitempty"`
	K      int           `json:"k"`
	Filter vector.Filter `json:"filter"`
}

// Search runs an approximate nearest-neighbour query.
func (o *Orchestrator) Search(ctx context.Context, tenantID string, sr SearchRequest) ([]vector.Match, error) {
	if o.vectors == nil {
		return nil, aierr.InvalidInput("vector search is disabled")
	}
	if (sr.Text == "") == (len(sr.Vector) == 0) {
		return nil, aierr.InvalidInput("set exactly one of text or vector")
	}
	if sr.K <= 0 {
		sr.K = 10
	}
	if sr.Text != "" {
		return o.vectors.QueryText(WithTenant(ctx, tenantID), sr.Text, sr.K, sr.Filter)
	}
	return o.vectors.Query(ctx, sr.Vector, sr.K, sr.Filter)
}

// VectorStats reports indexed and pending vector counts.
func (o *Orchestrator) VectorStats() (indexed, pending int) {
	if o.vectors == nil {
		return 0, 0
	}
	return o.vectors.Stats()
}

// Flush waits for pending vectors to be committed.
func (o *Orchestrator) Flush(ctx context.Context) error {
	if o.vectors == nil {
		return nil
	}
	return o.vectors.Flush(ctx)
}
