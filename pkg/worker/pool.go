// Package worker runs queued requests on a fixed pool of goroutines.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/metrics"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/queue"
)

// Handler processes one item. A nil error means the item succeeded.
type Handler func(ctx context.Context, item *models.QueueItem) error

// Reporter is told how each attempt ended.
type Reporter interface {
	// Completed is called once per item with nil on success or the terminal error.
	Completed(item *models.QueueItem, err error)
	// Retrying is called when an attempt failed and the item was re-queued.
	Retrying(item *models.QueueItem, err error, delay time.Duration)
}

// Config sizes the pool and its retry policy.
type Config struct {
	Workers           int
	BackgroundWorkers int
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	Jitter            float64
}

// Pool pulls items from a queue and runs them through a Handler.
type Pool struct {
	cfg      Config
	q        *queue.Queue
	handle   Handler
	reporter Reporter
	logger   *slog.Logger

	mu       sync.Mutex
	history  map[string][]aierr.Attempt
	backoffs map[string]*backoff.ExponentialBackOff

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Pool. Call Start to begin processing.
func New(cfg Config, q *queue.Queue, h Handler, r Reporter, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		q:        q,
		handle:   h,
		reporter: r,
		logger:   logger,
		history:  make(map[string][]aierr.Attempt),
		backoffs: make(map[string]*backoff.ExponentialBackOff),
		stop:     make(chan struct{}),
	}
}

// Start launches the workers. Handlers run with ctx; Stop or ctx
// cancellation stops workers from taking new items.
func (p *Pool) Start(ctx context.Context) {
	popCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-p.stop:
		case <-ctx.Done():
		}
		cancel()
	}()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, popCtx, queue.AllLanes)
	}
	// Reserved workers only take low and background work so those lanes
	// always make progress.
	for i := 0; i < p.cfg.BackgroundWorkers; i++ {
		p.wg.Add(1)
		go p.run(ctx, popCtx, queue.LowLanes)
	}
}

// Stop stops taking new items and waits for in-flight handlers to return.
func (p *Pool) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx, popCtx context.Context, lanes queue.Lanes) {
	defer p.wg.Done()
	for {
		item, err := p.q.Pop(popCtx, lanes)
		if err != nil {
			return
		}
		p.process(ctx, item)
	}
}

func (p *Pool) process(ctx context.Context, item *models.QueueItem) {
	item.Attempts++
	err := p.handle(ctx, item)
	id := item.Request.ID

	if err == nil {
		p.forget(id)
		metrics.WorkItems.WithLabelValues("success").Inc()
		p.reporter.Completed(item, nil)
		return
	}

	attempts := p.record(id, item.Attempts, err)
	log := p.logger.With(
		"request_id", id,
		"tenant_id", item.Request.TenantID,
		"fingerprint", item.Request.Fingerprint,
		"attempt", item.Attempts,
		"error", err,
	)

	if !aierr.Retryable(err) {
		p.forget(id)
		metrics.WorkItems.WithLabelValues("failed").Inc()
		log.Info("request failed")
		p.reporter.Completed(item, err)
		return
	}

	if item.Attempts >= p.cfg.MaxAttempts {
		p.forget(id)
		metrics.WorkItems.WithLabelValues("failed").Inc()
		log.Warn("request exhausted retries")
		p.reporter.Completed(item, aierr.Permanent(err, attempts))
		return
	}

	delay := p.nextBackoff(id)
	if e, ok := aierr.As(err); ok && e.RetryAfter > delay {
		delay = e.RetryAfter
	}
	if pushErr := p.q.PushAfter(item, delay); pushErr != nil {
		p.forget(id)
		metrics.WorkItems.WithLabelValues("failed").Inc()
		if errors.Is(pushErr, queue.ErrClosed) {
			pushErr = aierr.Wrap(aierr.KindCanceled, err, "shutting down")
		}
		p.reporter.Completed(item, pushErr)
		return
	}
	metrics.WorkItems.WithLabelValues("retry").Inc()
	log.Debug("request retry scheduled", "delay", delay)
	p.reporter.Retrying(item, err, delay)
}

// nextBackoff returns the delay before id's next attempt. Each request
// keeps its own exponential schedule from BaseBackoff up to MaxBackoff,
// randomized by Jitter.
func (p *Pool) nextBackoff(id string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backoffs[id]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = p.cfg.BaseBackoff
		b.RandomizationFactor = p.cfg.Jitter
		b.Multiplier = 2
		if p.cfg.MaxBackoff > 0 {
			b.MaxInterval = p.cfg.MaxBackoff
		}
		b.MaxElapsedTime = 0
		b.Reset()
		p.backoffs[id] = b
	}
	return b.NextBackOff()
}

func (p *Pool) record(id string, n int, err error) []aierr.Attempt {
	a := aierr.Attempt{Number: n, Kind: aierr.KindOf(err), Message: err.Error(), At: time.Now().UTC()}
	if e, ok := aierr.As(err); ok {
		a.Provider = e.Provider
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[id] = append(p.history[id], a)
	return append([]aierr.Attempt(nil), p.history[id]...)
}

// Forget drops attempt history for id, e.g. after a canceled retry.
func (p *Pool) Forget(id string) { p.forget(id) }

func (p *Pool) forget(id string) {
	p.mu.Lock()
	delete(p.history, id)
	delete(p.backoffs, id)
	p.mu.Unlock()
}
