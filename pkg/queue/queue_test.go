package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/conduit/pkg/models"
)

func item(id string, p models.Priority) *models.QueueItem {
	return &models.QueueItem{Request: models.Request{ID: id, Priority: p}, Priority: p}
}

func mustPush(t *testing.T, q *Queue, it *models.QueueItem) {
	t.Helper()
	if err := q.Push(it); err != nil {
		t.Fatal(err)
	}
}

func popID(t *testing.T, q *Queue, lanes Lanes) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it, err := q.Pop(ctx, lanes)
	if err != nil {
		t.Fatal(err)
	}
	return it.Request.ID
}

func TestStrictPriorityAndFIFO(t *testing.T) {
	q := New(0)
	mustPush(t, q, item("bg", models.PriorityBackground))
	mustPush(t, q, item("n1", models.PriorityNormal))
	mustPush(t, q, item("c1", models.PriorityCritical))
	mustPush(t, q, item("n2", models.PriorityNormal))
	mustPush(t, q, item("h1", models.PriorityHigh))

	want := []string{"c1", "h1", "n1", "n2", "bg"}
	for _, w := range want {
		if got := popID(t, q, AllLanes); got != w {
			t.Errorf("pop = %s, want %s", got, w)
		}
	}
}

func TestSeqIsMonotonic(t *testing.T) {
	q := New(0)
	a, b := item("a", models.PriorityLow), item("b", models.PriorityLow)
	mustPush(t, q, a)
	mustPush(t, q, b)
	if a.Seq >= b.Seq {
		t.Errorf("seq a=%d b=%d", a.Seq, b.Seq)
	}
}

func TestDuplicateRejected(t *testing.T) {
	q := New(0)
	mustPush(t, q, item("a", models.PriorityLow))
	if err := q.Push(item("a", models.PriorityHigh)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestAntiStarvation(t *testing.T) {
	q := New(time.Second)
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }
	q.lastBackground = now

	mustPush(t, q, item("bg", models.PriorityBackground))
	for i := 0; i < 3; i++ {
		mustPush(t, q, item(string(rune('a'+i)), models.PriorityCritical))
	}

	if got := popID(t, q, AllLanes); got != "a" {
		t.Fatalf("pop = %s, want critical first", got)
	}
	now = now.Add(2 * time.Second)
	if got := popID(t, q, AllLanes); got != "bg" {
		t.Fatalf("pop = %s, want starving background item", got)
	}
	if got := popID(t, q, AllLanes); got != "b" {
		t.Fatalf("pop = %s, want critical after background served", got)
	}
}

func TestLowLanesOnly(t *testing.T) {
	q := New(0)
	mustPush(t, q, item("c", models.PriorityCritical))
	mustPush(t, q, item("l", models.PriorityLow))

	if got := popID(t, q, LowLanes); got != "l" {
		t.Errorf("pop = %s, want low item", got)
	}
	if it := q.TryPop(LowLanes); it != nil {
		t.Errorf("low lanes should be empty, got %s", it.Request.ID)
	}
	if q.Len() != 1 {
		t.Errorf("len = %d", q.Len())
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New(0)
	got := make(chan string, 1)
	go func() {
		it, err := q.Pop(context.Background(), AllLanes)
		if err == nil {
			got <- it.Request.ID
		}
	}()

	time.Sleep(20 * time.Millisecond)
	mustPush(t, q, item("late", models.PriorityNormal))

	select {
	case id := <-got:
		if id != "late" {
			t.Errorf("got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestPopContextCancel(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx, AllLanes); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestCancel(t *testing.T) {
	q := New(0)
	mustPush(t, q, item("a", models.PriorityNormal))
	mustPush(t, q, item("b", models.PriorityNormal))

	if !q.Cancel("a") {
		t.Fatal("cancel of queued item should succeed")
	}
	if q.Cancel("a") {
		t.Error("second cancel should report false")
	}
	if got := popID(t, q, AllLanes); got != "b" {
		t.Errorf("pop = %s, want b", got)
	}
}

func TestPushAfter(t *testing.T) {
	q := New(0)
	if err := q.PushAfter(item("r", models.PriorityHigh), 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if q.TryPop(AllLanes) != nil {
		t.Fatal("delayed item should not be visible yet")
	}
	if s := q.Stats(); s.Delayed != 1 {
		t.Errorf("delayed = %d", s.Delayed)
	}
	if got := popID(t, q, AllLanes); got != "r" {
		t.Errorf("pop = %s", got)
	}
}

func TestCancelDelayed(t *testing.T) {
	q := New(0)
	_ = q.PushAfter(item("r", models.PriorityHigh), 20*time.Millisecond)
	if !q.Cancel("r") {
		t.Fatal("cancel of delayed item should succeed")
	}
	time.Sleep(50 * time.Millisecond)
	if q.TryPop(AllLanes) != nil {
		t.Error("canceled delayed item must not be enqueued")
	}
}

func TestClose(t *testing.T) {
	q := New(0)
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop(context.Background(), AllLanes)
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	}
	if err := q.Push(item("x", models.PriorityLow)); !errors.Is(err, ErrClosed) {
		t.Errorf("push after close err = %v", err)
	}
}

func TestStats(t *testing.T) {
	q := New(0)
	mustPush(t, q, item("a", models.PriorityHigh))
	mustPush(t, q, item("b", models.PriorityHigh))
	mustPush(t, q, item("c", models.PriorityBackground))

	s := q.Stats()
	if s.Queued != 3 || s.ByPriority[models.PriorityHigh] != 2 || s.ByPriority[models.PriorityBackground] != 1 {
		t.Errorf("stats = %+v", s)
	}
}
