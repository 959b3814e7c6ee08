package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/queue"
)

type outcome struct {
	id  string
	err error
}

type chanReporter struct {
	done    chan outcome
	retries atomic.Int32
}

func newReporter() *chanReporter {
	return &chanReporter{done: make(chan outcome, 100)}
}

func (r *chanReporter) Completed(item *models.QueueItem, err error) {
	r.done <- outcome{item.Request.ID, err}
}

func (r *chanReporter) Retrying(*models.QueueItem, error, time.Duration) {
	r.retries.Add(1)
}

func (r *chanReporter) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.done:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return outcome{}
	}
}

func push(t *testing.T, q *queue.Queue, id string, p models.Priority) {
	t.Helper()
	if err := q.Push(&models.QueueItem{Request: models.Request{ID: id}, Priority: p}); err != nil {
		t.Fatal(err)
	}
}

func TestSuccess(t *testing.T) {
	q := queue.New(0)
	r := newReporter()
	p := New(Config{Workers: 2, MaxAttempts: 3}, q, func(context.Context, *models.QueueItem) error { return nil }, r, nil)
	p.Start(context.Background())
	defer p.Stop()

	push(t, q, "a", models.PriorityNormal)
	if o := r.wait(t); o.id != "a" || o.err != nil {
		t.Errorf("outcome = %+v", o)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	q := queue.New(0)
	r := newReporter()
	var calls atomic.Int32
	h := func(context.Context, *models.QueueItem) error {
		if calls.Add(1) < 3 {
			return aierr.New(aierr.KindProviderUnavailable, "flaky")
		}
		return nil
	}
	p := New(Config{Workers: 1, MaxAttempts: 5, BaseBackoff: time.Millisecond}, q, h, r, nil)
	p.Start(context.Background())
	defer p.Stop()

	push(t, q, "a", models.PriorityHigh)
	if o := r.wait(t); o.err != nil {
		t.Fatalf("err = %v", o.err)
	}
	if calls.Load() != 3 || r.retries.Load() != 2 {
		t.Errorf("calls=%d retries=%d", calls.Load(), r.retries.Load())
	}
}

func TestRetryCapGivesPermanentFailure(t *testing.T) {
	q := queue.New(0)
	r := newReporter()
	h := func(context.Context, *models.QueueItem) error {
		return aierr.New(aierr.KindProviderUnavailable, "down")
	}
	p := New(Config{Workers: 1, MaxAttempts: 3, BaseBackoff: time.Millisecond}, q, h, r, nil)
	p.Start(context.Background())
	defer p.Stop()

	push(t, q, "a", models.PriorityNormal)
	o := r.wait(t)
	if !errors.Is(o.err, aierr.ErrPermanentFailure) {
		t.Fatalf("err = %v, want PermanentFailure", o.err)
	}
	e, _ := aierr.As(o.err)
	if len(e.Attempts) != 3 {
		t.Errorf("attempt history = %d entries, want 3", len(e.Attempts))
	}
	if !errors.Is(o.err, aierr.ErrProviderUnavailable) {
		t.Error("permanent failure should wrap the last cause")
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	q := queue.New(0)
	r := newReporter()
	var calls atomic.Int32
	h := func(context.Context, *models.QueueItem) error {
		calls.Add(1)
		return aierr.InvalidInput("bad")
	}
	p := New(Config{Workers: 1, MaxAttempts: 5, BaseBackoff: time.Millisecond}, q, h, r, nil)
	p.Start(context.Background())
	defer p.Stop()

	push(t, q, "a", models.PriorityNormal)
	o := r.wait(t)
	if !errors.Is(o.err, aierr.ErrInvalidInput) {
		t.Errorf("err = %v", o.err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestAllProvidersUnavailableIsTerminal(t *testing.T) {
	q := queue.New(0)
	r := newReporter()
	var calls atomic.Int32
	h := func(context.Context, *models.QueueItem) error {
		calls.Add(1)
		return &aierr.Error{Kind: aierr.KindAllProvidersUnavailable, Message: "all open", RetryAfter: time.Second}
	}
	p := New(Config{Workers: 1, MaxAttempts: 5, BaseBackoff: time.Millisecond}, q, h, r, nil)
	p.Start(context.Background())
	defer p.Stop()

	push(t, q, "a", models.PriorityNormal)
	o := r.wait(t)
	if !errors.Is(o.err, aierr.ErrAllProvidersUnavailable) {
		t.Errorf("err = %v", o.err)
	}
	if calls.Load() != 1 || r.retries.Load() != 0 {
		t.Errorf("calls=%d retries=%d, want one attempt", calls.Load(), r.retries.Load())
	}
}

func TestBackgroundWorkersServeLowLanes(t *testing.T) {
	q := queue.New(0)
	r := newReporter()
	block := make(chan struct{})
	h := func(_ context.Context, it *models.QueueItem) error {
		if it.Priority == models.PriorityCritical {
			<-block
		}
		return nil
	}
	// One general worker gets stuck on critical work; the reserved worker
	// still drains background.
	p := New(Config{Workers: 1, BackgroundWorkers: 1, MaxAttempts: 1}, q, h, r, nil)
	push(t, q, "crit", models.PriorityCritical)
	p.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	push(t, q, "bg", models.PriorityBackground)

	if o := r.wait(t); o.id != "bg" {
		t.Errorf("first completion = %s, want bg", o.id)
	}
	close(block)
	if o := r.wait(t); o.id != "crit" {
		t.Errorf("second completion = %s", o.id)
	}
	p.Stop()
}

func TestStopDrainsInFlight(t *testing.T) {
	q := queue.New(0)
	r := newReporter()
	var (
		mu       sync.Mutex
		finished bool
	)
	started := make(chan struct{})
	h := func(context.Context, *models.QueueItem) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil
	}
	p := New(Config{Workers: 1, MaxAttempts: 1}, q, h, r, nil)
	p.Start(context.Background())
	push(t, q, "a", models.PriorityNormal)
	<-started
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Error("Stop returned before in-flight handler finished")
	}
}

func TestBackoffSchedulePerRequest(t *testing.T) {
	p := New(Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: 350 * time.Millisecond}, queue.New(0), nil, nil, nil)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := p.nextBackoff("a"); got != w {
			t.Errorf("attempt %d backoff = %v, want %v", i+1, got, w)
		}
	}
	if got := p.nextBackoff("b"); got != 100*time.Millisecond {
		t.Errorf("second request starts at %v, want base", got)
	}
	p.Forget("a")
	if got := p.nextBackoff("a"); got != 100*time.Millisecond {
		t.Errorf("schedule after forget = %v, want base", got)
	}

	p = New(Config{BaseBackoff: time.Second, Jitter: 0.2}, queue.New(0), nil, nil, nil)
	p.nextBackoff("c")
	got := p.nextBackoff("c")
	if got < 1600*time.Millisecond || got > 2400*time.Millisecond {
		t.Errorf("jittered backoff = %v, want within 20%% of 2s", got)
	}
}
