// Package cache fronts the durable response cache with an in-memory tier and
// collapses concurrent misses for the same fingerprint into one upstream call.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/conduit/pkg/metrics"
	"github.com/pario-ai/conduit/pkg/models"
)

// Store is one cache tier.
type Store interface {
	Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error)
	Put(ctx context.Context, e models.CacheEntry) error
	Invalidate(ctx context.Context, pattern string) (int64, error)
	Stats(ctx context.Context) (models.CacheStats, error)
	Clear(ctx context.Context, expiredOnly bool) error
	Close() error
}

// Loader produces a result on a cache miss.
type Loader func(ctx context.Context) (models.Result, error)

// Outcome describes how Do satisfied a lookup.
type Outcome int

const (
	// Miss means this caller ran the loader.
	Miss Outcome = iota
	// Hit means the result came from a cache tier.
	Hit
	// Shared means the result came from a concurrent caller's loader.
	Shared
)

// InvalidationLog is implemented by durable tiers that record invalidations
// so memory tiers in other processes can replay them.
type InvalidationLog interface {
	InvalidationsSince(ctx context.Context, seq int64) ([]string, int64, error)
}

// DefaultSyncInterval is how often the memory tier replays invalidations
// made by other processes.
const DefaultSyncInterval = time.Second

// Tiered is a two-level cache with per-fingerprint single-flight.
type Tiered struct {
	l1     Store
	l2     Store
	ttls   map[models.Operation]time.Duration
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time

	syncMu    sync.Mutex
	syncEvery time.Duration
	lastSync  time.Time
	seq       int64
}

// NewTiered creates a Tiered cache. l1 may be nil.
func NewTiered(l1, l2 Store, ttls map[models.Operation]time.Duration, logger *slog.Logger) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tiered{l1: l1, l2: l2, ttls: ttls, logger: logger, now: time.Now, syncEvery: DefaultSyncInterval}
	if log, ok := l2.(InvalidationLog); ok && l1 != nil {
		// Start from the current end of the log; L1 is empty.
		if _, seq, err := log.InvalidationsSince(context.Background(), 0); err == nil {
			t.seq = seq
		}
		t.lastSync = t.now()
	}
	return t
}

// SetSyncInterval changes how stale L1 may be relative to invalidations
// made through another process. 0 replays on every lookup.
func (t *Tiered) SetSyncInterval(d time.Duration) {
	t.syncMu.Lock()
	t.syncEvery = d
	t.syncMu.Unlock()
}

// syncL1 replays invalidations recorded by the durable tier since the last
// sync into L1.
func (t *Tiered) syncL1(ctx context.Context) {
	log, ok := t.l2.(InvalidationLog)
	if !ok || t.l1 == nil {
		return
	}
	t.syncMu.Lock()
	defer t.syncMu.Unlock()
	now := t.now()
	if t.syncEvery > 0 && now.Sub(t.lastSync) < t.syncEvery {
		return
	}
	patterns, seq, err := log.InvalidationsSince(ctx, t.seq)
	if err != nil {
		t.logger.Warn("cache invalidation sync failed", "error", err)
		return
	}
	for _, p := range patterns {
		if _, err := t.l1.Invalidate(ctx, p); err != nil {
			t.logger.Warn("l1 invalidate failed", "pattern", p, "error", err)
		}
	}
	t.seq, t.lastSync = seq, now
}

// TTL returns the configured lifetime for op's results.
func (t *Tiered) TTL(op models.Operation) time.Duration {
	if d, ok := t.ttls[op]; ok && d > 0 {
		return d
	}
	return time.Hour
}

// Get looks up L1 then L2, promoting L2 hits into L1.
func (t *Tiered) Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error) {
	t.syncL1(ctx)
	if t.l1 != nil {
		if e, ok, _ := t.l1.Get(ctx, fingerprint); ok {
			metrics.CacheLookups.WithLabelValues("l1", "hit").Inc()
			return e, true, nil
		}
		metrics.CacheLookups.WithLabelValues("l1", "miss").Inc()
	}
	e, ok, err := t.l2.Get(ctx, fingerprint)
	if err != nil {
		return models.CacheEntry{}, false, err
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("l2", "miss").Inc()
		return models.CacheEntry{}, false, nil
	}
	metrics.CacheLookups.WithLabelValues("l2", "hit").Inc()
	if t.l1 != nil {
		_ = t.l1.Put(ctx, e)
	}
	return e, true, nil
}

// Put writes the result through both tiers with op's TTL.
func (t *Tiered) Put(ctx context.Context, fingerprint string, res models.Result) error {
	now := t.now().UTC()
	e := models.CacheEntry{
		Fingerprint:  fingerprint,
		Operation:    res.Operation,
		Result:       res,
		ProviderUsed: res.Provider,
		CreatedAt:    now,
		ExpiresAt:    now.Add(t.TTL(res.Operation)),
	}
	if err := t.l2.Put(ctx, e); err != nil {
		return err
	}
	if t.l1 != nil {
		_ = t.l1.Put(ctx, e)
	}
	return nil
}

// Do returns the cached result for fingerprint or runs load exactly once
// across all concurrent callers with the same fingerprint. The loader runs
// detached from any single caller's cancellation so that one waiter giving
// up does not fail the others.
func (t *Tiered) Do(ctx context.Context, fingerprint string, load Loader) (models.Result, Outcome, error) {
	if e, ok, err := t.Get(ctx, fingerprint); err != nil {
		t.logger.Warn("cache lookup failed", "fingerprint", fingerprint, "error", err)
	} else if ok {
		return e.Result, Hit, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	leader, recheck := false, false
	ch := t.group.DoChan(fingerprint, func() (any, error) {
		leader = true
		// A caller that raced the previous flight's write-through may still
		// find the result here.
		if e, ok, _ := t.Get(loadCtx, fingerprint); ok {
			recheck = true
			return e.Result, nil
		}
		res, err := load(loadCtx)
		if err != nil {
			return models.Result{}, err
		}
		if err := t.Put(loadCtx, fingerprint, res); err != nil {
			t.logger.Error("cache write-through failed", "fingerprint", fingerprint, "error", err)
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return models.Result{}, Miss, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return models.Result{}, Miss, r.Err
		}
		res, ok := r.Val.(models.Result)
		if !ok {
			return models.Result{}, Miss, fmt.Errorf("cache: unexpected flight value %T", r.Val)
		}
		if leader {
			if recheck {
				return res, Hit, nil
			}
			return res, Miss, nil
		}
		metrics.CacheLookups.WithLabelValues("flight", "shared").Inc()
		return res, Shared, nil
	}
}

// Invalidate removes matching entries from both tiers.
func (t *Tiered) Invalidate(ctx context.Context, pattern string) (int64, error) {
	if t.l1 != nil {
		if _, err := t.l1.Invalidate(ctx, pattern); err != nil {
			return 0, err
		}
	}
	n, err := t.l2.Invalidate(ctx, pattern)
	if err != nil {
		return 0, err
	}
	metrics.CacheInvalidations.Add(float64(n))
	t.logger.Info("cache invalidated", "pattern", pattern, "entries", n)
	return n, nil
}

// Stats reports the durable tier's entry count with lookups from both
// tiers. An L2 lookup only happens after an L1 miss, so Hits counts each
// served lookup once and Misses counts lookups neither tier could serve.
func (t *Tiered) Stats(ctx context.Context) (models.CacheStats, error) {
	st, err := t.l2.Stats(ctx)
	if err != nil || t.l1 == nil {
		return st, err
	}
	l1, err := t.l1.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Hits += l1.Hits
	st.L1Hits = l1.Hits
	return st, nil
}

// Close closes both tiers.
func (t *Tiered) Close() error {
	if t.l1 != nil {
		_ = t.l1.Close()
	}
	return t.l2.Close()
}
