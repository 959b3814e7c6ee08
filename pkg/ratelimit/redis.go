package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pario-ai/conduit/pkg/metrics"
)

// tokenBucketScript refills and takes from one bucket atomically.
// KEYS[1] bucket hash; ARGV capacity, refill/sec, now (ms), cost.
// Returns {allowed, tokens, retry_after_ms}.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now
end

if now > ts then
    tokens = tokens + (now - ts) / 1000 * refill
    ts = now
end
if tokens > capacity then
    tokens = capacity
end

local allowed = 0
local retry = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
elseif refill > 0 then
    retry = math.ceil((cost - tokens) / refill * 1000)
else
    retry = -1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(ts))
local ttl = 60000
if refill > 0 then
    ttl = math.ceil((capacity - tokens) / refill * 1000) + 1000
end
redis.call('PEXPIRE', key, ttl)

return {allowed, tostring(tokens), retry}
`

// Redis is a Limiter shared by every process pointing at the same Redis.
type Redis struct {
	client redis.UniversalClient
	script *redis.Script
	plans  PlanFunc
	prefix string
	now    func() time.Time
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client redis.UniversalClient, plans PlanFunc) *Redis {
	return &Redis{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		plans:  plans,
		prefix: "conduit:rl:",
		now:    time.Now,
	}
}

// TryAcquire runs the token bucket script for key.
func (r *Redis) TryAcquire(ctx context.Context, key Key, cost int) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	p := r.plans(key)
	// Hash tag keeps a tenant's buckets on one cluster slot.
	redisKey := fmt.Sprintf("%s{%s}:%s", r.prefix, key.TenantID, key.Operation)

	val, err := r.script.Run(ctx, r.client, []string{redisKey},
		p.Capacity, p.RefillPerSec, r.now().UnixMilli(), cost,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run rate limit script: %w", err)
	}

	parts, ok := val.([]interface{})
	if !ok || len(parts) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", val)
	}

	allowed := toInt64(parts[0]) == 1
	remaining, _ := strconv.ParseFloat(fmt.Sprint(parts[1]), 64)
	d := Decision{Allowed: allowed, Remaining: remaining}
	if !allowed {
		if ms := toInt64(parts[2]); ms < 0 {
			d.RetryAfter = retryAfter(1, 0)
		} else {
			d.RetryAfter = time.Duration(ms) * time.Millisecond
		}
	}
	metrics.RateLimitDecisions.WithLabelValues(string(key.Operation), boolLabel(allowed)).Inc()
	return d, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	case float64:
		return int64(n)
	default:
		i, _ := strconv.ParseInt(fmt.Sprintf("%v", v), 10, 64)
		return i
	}
}
