// Package queue holds admitted requests in five priority lanes.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pario-ai/conduit/pkg/metrics"
	"github.com/pario-ai/conduit/pkg/models"
)

// ErrClosed is returned by Push and Pop after Close.
var ErrClosed = errors.New("queue closed")

// ErrDuplicate is returned when an item with the same request ID is already queued.
var ErrDuplicate = errors.New("request already queued")

// Lanes selects which priorities a Pop may serve.
type Lanes uint8

const (
	// AllLanes serves every priority.
	AllLanes Lanes = 1<<models.NumPriorities - 1
	// LowLanes serves only low and background work.
	LowLanes Lanes = 1<<models.PriorityLow | 1<<models.PriorityBackground
)

func (l Lanes) has(p models.Priority) bool {
	return l&(1<<p) != 0
}

// Queue is a strict-priority FIFO queue with an anti-starvation rule for the
// background lane. All operations run in O(1) under a single mutex.
type Queue struct {
	mu      sync.Mutex
	lanes   [models.NumPriorities]*list.List
	index   map[string]*list.Element
	delayed map[string]*time.Timer
	notify  chan struct{}
	closed  bool
	seq     uint64

	starvation     time.Duration
	lastBackground time.Time
	now            func() time.Time
}

// New creates a Queue. If the background lane has waited longer than
// starvation without being served, the next eligible Pop serves it first.
// A zero starvation disables the rule.
func New(starvation time.Duration) *Queue {
	q := &Queue{
		index:      make(map[string]*list.Element),
		delayed:    make(map[string]*time.Timer),
		notify:     make(chan struct{}),
		starvation: starvation,
		now:        time.Now,
	}
	for i := range q.lanes {
		q.lanes[i] = list.New()
	}
	q.lastBackground = q.now()
	return q
}

// Push enqueues item at the tail of its priority lane.
func (q *Queue) Push(item *models.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(item)
}

func (q *Queue) pushLocked(item *models.QueueItem) error {
	if q.closed {
		return ErrClosed
	}
	if !item.Priority.Valid() {
		item.Priority = models.PriorityNormal
	}
	id := item.Request.ID
	if _, ok := q.index[id]; ok {
		return ErrDuplicate
	}
	q.seq++
	item.Seq = q.seq
	item.EnqueuedAt = q.now()
	lane := q.lanes[item.Priority]
	if lane.Len() == 0 && item.Priority == models.PriorityBackground {
		// An empty lane has not been starving.
		q.lastBackground = item.EnqueuedAt
	}
	q.index[id] = lane.PushBack(item)
	metrics.QueueDepth.WithLabelValues(item.Priority.String()).Inc()
	q.broadcast()
	return nil
}

// PushAfter enqueues item once delay has elapsed. Until then the item can
// still be canceled by ID.
func (q *Queue) PushAfter(item *models.QueueItem, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if delay <= 0 {
		return q.pushLocked(item)
	}
	id := item.Request.ID
	if _, ok := q.delayed[id]; ok {
		return ErrDuplicate
	}
	q.delayed[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.delayed[id]; !ok {
			return
		}
		delete(q.delayed, id)
		_ = q.pushLocked(item)
	})
	return nil
}

// broadcast wakes every blocked Pop. Callers hold q.mu.
func (q *Queue) broadcast() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Pop removes and returns the next item from the selected lanes, blocking
// until one is available, ctx is done, or the queue is closed.
func (q *Queue) Pop(ctx context.Context, lanes Lanes) (*models.QueueItem, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if item := q.popLocked(lanes); item != nil {
			q.mu.Unlock()
			metrics.QueueWait.WithLabelValues(item.Priority.String()).Observe(q.now().Sub(item.EnqueuedAt).Seconds())
			return item, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// TryPop is a non-blocking Pop.
func (q *Queue) TryPop(lanes Lanes) *models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	return q.popLocked(lanes)
}

func (q *Queue) popLocked(lanes Lanes) *models.QueueItem {
	now := q.now()
	bg := q.lanes[models.PriorityBackground]
	if q.starvation > 0 && lanes.has(models.PriorityBackground) && bg.Len() > 0 &&
		now.Sub(q.lastBackground) >= q.starvation {
		return q.take(bg.Front(), now)
	}
	for p := models.PriorityCritical; p <= models.PriorityBackground; p++ {
		if !lanes.has(p) {
			continue
		}
		if front := q.lanes[p].Front(); front != nil {
			return q.take(front, now)
		}
	}
	return nil
}

func (q *Queue) take(e *list.Element, now time.Time) *models.QueueItem {
	item := e.Value.(*models.QueueItem)
	q.lanes[item.Priority].Remove(e)
	delete(q.index, item.Request.ID)
	if item.Priority == models.PriorityBackground {
		q.lastBackground = now
	}
	metrics.QueueDepth.WithLabelValues(item.Priority.String()).Dec()
	return item
}

// Cancel removes a queued or backoff-delayed item. It reports whether the
// item was found; items already handed to a worker are not affected.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.delayed[id]; ok {
		t.Stop()
		delete(q.delayed, id)
		return true
	}
	e, ok := q.index[id]
	if !ok {
		return false
	}
	item := e.Value.(*models.QueueItem)
	q.lanes[item.Priority].Remove(e)
	delete(q.index, id)
	metrics.QueueDepth.WithLabelValues(item.Priority.String()).Dec()
	return true
}

// Len returns the number of queued items, excluding delayed ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Queued     int                     `json:"queued"`
	Delayed    int                     `json:"delayed"`
	ByPriority map[models.Priority]int `json:"by_priority"`
}

// Stats returns queue depth per priority.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Queued: len(q.index), Delayed: len(q.delayed), ByPriority: make(map[models.Priority]int, models.NumPriorities)}
	for p, l := range q.lanes {
		s.ByPriority[models.Priority(p)] = l.Len()
	}
	return s
}

// Close wakes all waiters and rejects further pushes. Delayed items are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, t := range q.delayed {
		t.Stop()
		delete(q.delayed, id)
	}
	q.broadcast()
}
