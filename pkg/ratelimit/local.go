package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/conduit/pkg/metrics"
	"github.com/pario-ai/conduit/pkg/models"
)

const numShards = 64

// bucket is a lazily refilled token bucket. Tokens are topped up on access,
// so no goroutine ticks.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	refill     float64
	tokens     float64
	lastRefill time.Time
	reclaimed  bool
}

func (b *bucket) refillAt(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refill
		b.lastRefill = now
	}
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// take reports false if the bucket was reclaimed and must be looked up again.
func (b *bucket) take(now time.Time, p Plan, cost float64) (Decision, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reclaimed {
		return Decision{}, false
	}
	b.capacity, b.refill = p.Capacity, p.RefillPerSec
	b.refillAt(now)
	if b.tokens >= cost {
		b.tokens -= cost
		return Decision{Allowed: true, Remaining: b.tokens}, true
	}
	return Decision{Remaining: b.tokens, RetryAfter: retryAfter(cost-b.tokens, b.refill)}, true
}

// reclaim marks a full bucket as dropped. A full bucket carries no state
// that a fresh one would not.
func (b *bucket) reclaim(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillAt(now)
	if b.tokens < b.capacity {
		return false
	}
	b.reclaimed = true
	return true
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Local is an in-process Limiter. The shard lock only guards bucket lookup;
// token arithmetic happens under the bucket's own lock so unrelated keys
// never contend.
type Local struct {
	shards  [numShards]shard
	plans   atomic.Pointer[PlanFunc]
	maxIdle int
	now     func() time.Time
}

// NewLocal creates a Local limiter. maxPerShard bounds how many buckets a
// shard holds before idle buckets are reclaimed; 0 uses a default.
func NewLocal(plans PlanFunc, maxPerShard int) *Local {
	if maxPerShard <= 0 {
		maxPerShard = 4096
	}
	l := &Local{maxIdle: maxPerShard, now: time.Now}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	l.SetPlans(plans)
	return l
}

// SetPlans swaps the plan resolver. Existing buckets adopt the new plan on
// their next acquire.
func (l *Local) SetPlans(plans PlanFunc) {
	l.plans.Store(&plans)
}

func (l *Local) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%numShards]
}

func (l *Local) bucketFor(key string, p Plan, now time.Time) *bucket {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[key]; ok {
		return b
	}
	if len(s.buckets) >= l.maxIdle {
		for k, b := range s.buckets {
			if b.reclaim(now) {
				delete(s.buckets, k)
			}
		}
	}
	b := &bucket{capacity: p.Capacity, refill: p.RefillPerSec, tokens: p.Capacity, lastRefill: now}
	s.buckets[key] = b
	return b
}

// TryAcquire takes cost tokens from key's bucket if available.
func (l *Local) TryAcquire(_ context.Context, key Key, cost int) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	p := (*l.plans.Load())(key)
	k := key.String()
	for {
		now := l.now()
		d, ok := l.bucketFor(k, p, now).take(now, p, float64(cost))
		if !ok {
			continue
		}
		metrics.RateLimitDecisions.WithLabelValues(string(key.Operation), boolLabel(d.Allowed)).Inc()
		return d, nil
	}
}

// Snapshot returns the state of every bucket.
func (l *Local) Snapshot() []models.RateBucket {
	var out []models.RateBucket
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, b := range s.buckets {
			b.mu.Lock()
			out = append(out, models.RateBucket{
				Key:          k,
				Capacity:     b.capacity,
				Tokens:       b.tokens,
				RefillPerSec: b.refill,
				LastRefillAt: b.lastRefill,
			})
			b.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return out
}

// Restore loads buckets saved by Snapshot, replacing any with the same key.
func (l *Local) Restore(buckets []models.RateBucket) {
	for _, rb := range buckets {
		s := l.shardFor(rb.Key)
		s.mu.Lock()
		s.buckets[rb.Key] = &bucket{
			capacity:   rb.Capacity,
			refill:     rb.RefillPerSec,
			tokens:     rb.Tokens,
			lastRefill: rb.LastRefillAt,
		}
		s.mu.Unlock()
	}
}

// Len returns the number of live buckets.
func (l *Local) Len() int {
	n := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		n += len(l.shards[i].buckets)
		l.shards[i].mu.Unlock()
	}
	return n
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
