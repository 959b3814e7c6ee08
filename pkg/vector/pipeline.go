// Package vector embeds content once, persists the vectors and serves
// approximate nearest-neighbour queries over them.
package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/metrics"
	"github.com/pario-ai/conduit/pkg/models"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("vector pipeline closed")

// MaxBatchSize caps how many records the indexer commits at once.
const MaxBatchSize = 2000

// Embedder turns texts into vectors, one per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Meta describes where content came from.
type Meta struct {
	Author    string    `json:"author,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Item is one unit of batch ingestion.
type Item struct {
	SourceID string `json:"source_id"`
	Text     string `json:"text"`
	Meta     Meta   `json:"meta"`
}

// IngestResult reports what happened to one item.
type IngestResult struct {
	ContentHash string `json:"content_hash"`
	Deduped     bool   `json:"deduped"`
}

// Config tunes the pipeline.
type Config struct {
	HNSW          HNSWConfig
	BatchSize     int
	FlushInterval time.Duration
	QueryTimeout  time.Duration
}

// Pipeline wires an embedder, the record store and the HNSW index together.
// Writes go through a single background indexer.
type Pipeline struct {
	cfg      Config
	store    *SQLiteStore
	index    *HNSW
	embedder Embedder
	hash     func(string) string
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}

	records chan models.EmbeddingRecord
	flushes chan chan error
	done    chan struct{}
	closed  bool
	wg      sync.WaitGroup
	now     func() time.Time
}

// New builds the pipeline, rebuilds the index from the store and starts the
// indexer. hash maps content to its dedup key.
func New(ctx context.Context, cfg Config, st *SQLiteStore, emb Embedder, hash func(string) string, logger *slog.Logger) (*Pipeline, error) {
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = min(max(cfg.BatchSize, 500), MaxBatchSize)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:      cfg,
		store:    st,
		index:    NewHNSW(cfg.HNSW),
		embedder: emb,
		hash:     hash,
		logger:   logger,
		inflight: make(map[string]struct{}),
		records:  make(chan models.EmbeddingRecord, cfg.BatchSize),
		flushes:  make(chan chan error),
		done:     make(chan struct{}),
		now:      time.Now,
	}

	recs, err := st.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	for _, r := range recs {
		if err := p.index.Insert(r); err != nil {
			logger.Warn("skipping stored embedding", "content_hash", r.ContentHash, "error", err)
		}
	}
	metrics.VectorIndexSize.Set(float64(p.index.Len()))
	if len(recs) > 0 {
		logger.Info("vector index rebuilt", "records", len(recs))
	}

	p.wg.Add(1)
	go p.run()
	return p, nil
}

// Index exposes the ANN index.
func (p *Pipeline) Index() *HNSW { return p.index }

// Ingest embeds text unless its content hash is already stored or pending.
func (p *Pipeline) Ingest(ctx context.Context, sourceID, text string, meta Meta) (IngestResult, error) {
	res, err := p.IngestBatch(ctx, []Item{{SourceID: sourceID, Text: text, Meta: meta}})
	if err != nil {
		return IngestResult{}, err
	}
	return res[0], nil
}

// IngestBatch ingests many items with one embedding call for the new ones.
func (p *Pipeline) IngestBatch(ctx context.Context, items []Item) ([]IngestResult, error) {
	results := make([]IngestResult, len(items))
	var (
		texts []string
		fresh []int
	)
	claimed := make(map[string]bool)
	for i, it := range items {
		if it.Text == "" {
			p.release(claimed)
			return nil, aierr.InvalidInput("item %d has no text", i)
		}
		h := p.hash(it.Text)
		results[i].ContentHash = h
		if claimed[h] {
			results[i].Deduped = true
			continue
		}
		known, err := p.claim(ctx, h)
		if err != nil {
			p.release(claimed)
			return nil, err
		}
		if known {
			results[i].Deduped = true
			metrics.VectorIngest.WithLabelValues("deduplicated").Inc()
			continue
		}
		claimed[h] = true
		texts = append(texts, it.Text)
		fresh = append(fresh, i)
	}
	if len(fresh) == 0 {
		return results, nil
	}

	vecs, err := p.embedder.Embed(ctx, texts)
	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	if err != nil {
		p.release(claimed)
		metrics.VectorIngest.WithLabelValues("error").Add(float64(len(fresh)))
		return nil, fmt.Errorf("embed batch: %w", err)
	}

	for j, i := range fresh {
		it := items[i]
		if err := p.enqueue(ctx, p.record(results[i].ContentHash, it.SourceID, it.Meta, vecs[j])); err != nil {
			// Anything not yet handed to the indexer is unclaimed again.
			rest := make(map[string]bool)
			for _, k := range fresh[j:] {
				rest[results[k].ContentHash] = true
			}
			p.release(rest)
			return nil, err
		}
		metrics.VectorIngest.WithLabelValues("embedded").Inc()
	}
	return results, nil
}

// AddEmbedded ingests texts whose vectors are already known, such as the
// output of an embed request. No embedding call is made.
func (p *Pipeline) AddEmbedded(ctx context.Context, sourceID string, texts []string, vecs [][]float32, meta Meta) ([]IngestResult, error) {
	if len(texts) != len(vecs) {
		return nil, aierr.InvalidInput("%d texts but %d vectors", len(texts), len(vecs))
	}
	results := make([]IngestResult, len(texts))
	for i, text := range texts {
		h := p.hash(text)
		results[i].ContentHash = h
		known, err := p.claim(ctx, h)
		if err != nil {
			return nil, err
		}
		if known {
			results[i].Deduped = true
			metrics.VectorIngest.WithLabelValues("deduplicated").Inc()
			continue
		}
		if err := p.enqueue(ctx, p.record(h, sourceID, meta, vecs[i])); err != nil {
			p.release(map[string]bool{h: true})
			return nil, err
		}
		metrics.VectorIngest.WithLabelValues("embedded").Inc()
	}
	return results, nil
}

// Query returns the k nearest records to vector that pass f.
func (p *Pipeline) Query(ctx context.Context, vector []float32, k int, f Filter) ([]Match, error) {
	if p.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.QueryTimeout)
		defer cancel()
	}
	matches, err := p.index.Search(ctx, vector, k, f)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, aierr.Wrap(aierr.KindTimeout, err, "vector query")
		}
		if errors.Is(err, ErrDimension) || errors.Is(err, ErrZeroVector) {
			return nil, aierr.Wrap(aierr.KindInvalidInput, err, "vector query")
		}
		return nil, err
	}
	return matches, nil
}

// QueryText embeds text and queries with the result.
func (p *Pipeline) QueryText(ctx context.Context, text string, k int, f Filter) ([]Match, error) {
	if text == "" {
		return nil, aierr.InvalidInput("query text is empty")
	}
	vecs, err := p.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	return p.Query(ctx, vecs[0], k, f)
}

// Flush commits everything enqueued so far.
func (p *Pipeline) Flush(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case p.flushes <- ack:
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending records and stops the indexer.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

// Stats reports the index size and records still waiting for the indexer.
func (p *Pipeline) Stats() (indexed, pending int) {
	p.mu.Lock()
	pending = len(p.inflight)
	p.mu.Unlock()
	return p.index.Len(), pending
}

// claim reports whether h is already known. If not, it marks h in flight so
// concurrent ingests of the same content dedup against this one.
func (p *Pipeline) claim(ctx context.Context, h string) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrClosed
	}
	if _, ok := p.inflight[h]; ok {
		p.mu.Unlock()
		return true, nil
	}
	p.inflight[h] = struct{}{}
	p.mu.Unlock()

	if p.index.Contains(h) {
		p.release(map[string]bool{h: true})
		return true, nil
	}
	_, found, err := p.store.Get(ctx, h)
	if err != nil || found {
		p.release(map[string]bool{h: true})
	}
	return found, err
}

func (p *Pipeline) release(hashes map[string]bool) {
	p.mu.Lock()
	for h := range hashes {
		delete(p.inflight, h)
	}
	p.mu.Unlock()
}

func (p *Pipeline) record(hash, sourceID string, meta Meta, vec []float32) models.EmbeddingRecord {
	created := meta.CreatedAt
	if created.IsZero() {
		created = p.now()
	}
	return models.EmbeddingRecord{
		ContentHash: hash,
		Vector:      vec,
		Dimension:   len(vec),
		SourceID:    sourceID,
		Author:      meta.Author,
		Channel:     meta.Channel,
		CreatedAt:   created.UTC(),
	}
}

func (p *Pipeline) enqueue(ctx context.Context, r models.EmbeddingRecord) error {
	select {
	case p.records <- r:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.EmbeddingRecord, 0, p.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := p.commit(batch)
		batch = batch[:0]
		return err
	}
	drain := func() {
		for {
			select {
			case r := <-p.records:
				batch = append(batch, r)
				if len(batch) >= p.cfg.BatchSize {
					_ = flush()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case r := <-p.records:
			batch = append(batch, r)
			if len(batch) >= p.cfg.BatchSize {
				_ = flush()
			}
		case <-ticker.C:
			_ = flush()
		case ack := <-p.flushes:
			drain()
			ack <- flush()
		case <-p.done:
			drain()
			_ = flush()
			return
		}
	}
}

// commit persists a batch in one transaction, then indexes it. Failed
// batches are unclaimed so the content can be ingested again.
func (p *Pipeline) commit(batch []models.EmbeddingRecord) error {
	hashes := make(map[string]bool, len(batch))
	for _, r := range batch {
		hashes[r.ContentHash] = true
	}
	defer p.release(hashes)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := p.store.InsertBatch(ctx, batch); err != nil {
		p.logger.Error("vector batch commit failed", "records", len(batch), "error", err)
		return err
	}
	for _, r := range batch {
		if err := p.index.Insert(r); err != nil {
			p.logger.Warn("vector not indexed", "content_hash", r.ContentHash, "error", err)
		}
	}
	metrics.VectorBatchSize.Observe(float64(len(batch)))
	metrics.VectorIndexSize.Set(float64(p.index.Len()))
	p.logger.Debug("vector batch committed", "records", len(batch))
	return nil
}
