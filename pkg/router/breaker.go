package router

import (
	"sync"
	"time"

	"github.com/pario-ai/conduit/pkg/metrics"
	"github.com/pario-ai/conduit/pkg/models"
)

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures inside FailureWindow open the circuit.
	FailureThreshold int
	FailureWindow    time.Duration
	// Cooldown is how long the circuit stays open before a trial call.
	Cooldown time.Duration
	// SuccessThreshold consecutive trial successes close the circuit.
	SuccessThreshold int
}

// CircuitBreaker tracks one provider's health. In half-open state exactly one
// trial call is admitted at a time.
type CircuitBreaker struct {
	mu        sync.Mutex
	name      string
	cfg       BreakerConfig
	state     models.BreakerState
	failures  int
	successes int
	lastFail  time.Time
	openedAt  time.Time
	updatedAt time.Time
	trial     bool

	onStateChange func(models.ProviderHealth)
	now           func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	cb := &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: models.BreakerClosed,
		now:   time.Now,
	}
	cb.updatedAt = cb.now()
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return cb
}

// OnStateChange sets a callback invoked after every transition with the new
// health snapshot.
func (cb *CircuitBreaker) OnStateChange(fn func(models.ProviderHealth)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a call may proceed. A true result in half-open state
// claims the trial slot; the caller must follow up with RecordSuccess,
// RecordFailure or Abort.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var changed *models.ProviderHealth
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	now := cb.now()
	switch cb.state {
	case models.BreakerClosed:
		return true
	case models.BreakerOpen:
		if now.Sub(cb.openedAt) < cb.cfg.Cooldown {
			return false
		}
		changed = cb.transitionTo(models.BreakerHalfOpen, now)
		cb.trial = true
		return true
	case models.BreakerHalfOpen:
		if cb.trial {
			return false
		}
		cb.trial = true
		return true
	}
	return false
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var changed *models.ProviderHealth
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	now := cb.now()
	cb.failures = 0
	switch cb.state {
	case models.BreakerHalfOpen:
		cb.trial = false
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			changed = cb.transitionTo(models.BreakerClosed, now)
		}
	case models.BreakerClosed:
		cb.updatedAt = now
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var changed *models.ProviderHealth
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	now := cb.now()
	switch cb.state {
	case models.BreakerClosed:
		if cb.cfg.FailureWindow > 0 && !cb.lastFail.IsZero() && now.Sub(cb.lastFail) > cb.cfg.FailureWindow {
			cb.failures = 0
		}
		cb.failures++
		cb.lastFail = now
		cb.updatedAt = now
		if cb.failures >= cb.cfg.FailureThreshold {
			changed = cb.transitionTo(models.BreakerOpen, now)
		}
	case models.BreakerHalfOpen:
		cb.trial = false
		cb.lastFail = now
		changed = cb.transitionTo(models.BreakerOpen, now)
	}
}

// Abort releases a half-open trial slot without judging the provider, e.g.
// when the caller gave up or the request itself was invalid.
func (cb *CircuitBreaker) Abort() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == models.BreakerHalfOpen {
		cb.trial = false
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() models.BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryIn is how long until an open circuit admits a trial. Zero otherwise.
func (cb *CircuitBreaker) RetryIn() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != models.BreakerOpen {
		return 0
	}
	d := cb.cfg.Cooldown - cb.now().Sub(cb.openedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Health returns a snapshot of the breaker.
func (cb *CircuitBreaker) Health() models.ProviderHealth {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshot()
}

// Restore loads persisted state. Persisted half-open becomes open so the
// next trial waits for a fresh cooldown decision.
func (cb *CircuitBreaker) Restore(h models.ProviderHealth) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = h.State
	if cb.state == models.BreakerHalfOpen {
		cb.state = models.BreakerOpen
	}
	cb.failures = h.ConsecutiveFailures
	cb.successes = h.ConsecutiveSuccesses
	cb.openedAt = h.OpenedAt
	cb.updatedAt = h.UpdatedAt
	cb.trial = false
	metrics.BreakerState.WithLabelValues(cb.name).Set(stateValue(cb.state))
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.transitionTo(models.BreakerClosed, cb.now())
	cb.mu.Unlock()
	cb.notify(changed)
}

// transitionTo changes state and returns the snapshot to publish, or nil if
// the state did not change. Callers hold cb.mu.
func (cb *CircuitBreaker) transitionTo(to models.BreakerState, now time.Time) *models.ProviderHealth {
	if cb.state == to {
		return nil
	}
	cb.state = to
	cb.updatedAt = now
	cb.trial = false
	switch to {
	case models.BreakerOpen:
		cb.openedAt = now
		cb.successes = 0
	case models.BreakerHalfOpen:
		cb.successes = 0
	case models.BreakerClosed:
		cb.failures = 0
		cb.successes = 0
		cb.openedAt = time.Time{}
	}
	metrics.BreakerState.WithLabelValues(cb.name).Set(stateValue(to))
	h := cb.snapshot()
	return &h
}

func (cb *CircuitBreaker) snapshot() models.ProviderHealth {
	return models.ProviderHealth{
		ProviderID:           cb.name,
		State:                cb.state,
		ConsecutiveFailures:  cb.failures,
		ConsecutiveSuccesses: cb.successes,
		OpenedAt:             cb.openedAt,
		UpdatedAt:            cb.updatedAt,
	}
}

func (cb *CircuitBreaker) notify(h *models.ProviderHealth) {
	if h == nil {
		return
	}
	cb.mu.Lock()
	fn := cb.onStateChange
	cb.mu.Unlock()
	if fn != nil {
		fn(*h)
	}
}

func stateValue(s models.BreakerState) float64 {
	switch s {
	case models.BreakerHalfOpen:
		return 1
	case models.BreakerOpen:
		return 2
	}
	return 0
}
