// Package ratelimit implements per-tenant, per-operation token bucket admission.
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/pario-ai/conduit/pkg/models"
)

// Key identifies one bucket.
type Key struct {
	TenantID  string
	Operation models.Operation
}

func (k Key) String() string {
	return k.TenantID + ":" + string(k.Operation)
}

// Decision is the outcome of an admission attempt.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Plan sets a bucket's capacity and refill rate.
type Plan struct {
	Capacity     float64
	RefillPerSec float64
}

// PlanFunc resolves the plan for a key.
type PlanFunc func(Key) Plan

// Limiter admits or denies work for a key.
type Limiter interface {
	TryAcquire(ctx context.Context, key Key, cost int) (Decision, error)
}

// retryAfter is how long until need tokens are available at refill per second.
func retryAfter(need, refill float64) time.Duration {
	if need <= 0 {
		return 0
	}
	if refill <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(need / refill * float64(time.Second))
}
