package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func mustLease(t *testing.T, q Queue) *Leased {
	t.Helper()
	l, err := q.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if l == nil {
		t.Fatal("expected a job, got none")
	}
	return l
}

func TestMemory_LeaseOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	for i, p := range []int{5, 1, 5, 3} {
		j := &Job{ID: string(rune('a' + i)), Priority: p}
		if err := q.Enqueue(ctx, j, DefaultOptions()); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	want := []string{"b", "d", "a", "c"}
	for _, id := range want {
		l := mustLease(t, q)
		if l.ID != id {
			t.Fatalf("expected %s, got %s (priority %d)", id, l.ID, l.Priority)
		}
	}
	if l, _ := q.Lease(ctx); l != nil {
		t.Fatalf("expected empty queue, got %s", l.ID)
	}
}

func TestMemory_JobStateLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	if err := q.Enqueue(ctx, &Job{ID: "s"}, DefaultOptions()); err != nil {
		t.Fatal(err)
	}

	state := func() State {
		t.Helper()
		j, err := q.Get(ctx, "s")
		if err != nil {
			t.Fatal(err)
		}
		return j.State
	}
	if got := state(); got != StateEnqueued {
		t.Fatalf("after enqueue: %s", got)
	}
	l := mustLease(t, q)
	if got := state(); got != StateLeased {
		t.Fatalf("after lease: %s", got)
	}
	if err := q.Ack(ctx, l.ID, l.Token); err != nil {
		t.Fatal(err)
	}
	if got := state(); got != StateAcked {
		t.Fatalf("after ack: %s", got)
	}
}

func TestMemory_EnqueueDuplicate(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	if err := q.Enqueue(ctx, &Job{ID: "x"}, Options{}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, &Job{ID: "x"}, Options{}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemory_DelayedJobBecomesReady(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	q := NewMemory(WithClock(clk.Now))

	opts := DefaultOptions()
	opts.Delay = 10 * time.Second
	if err := q.Enqueue(ctx, &Job{ID: "later"}, opts); err != nil {
		t.Fatal(err)
	}
	if l, _ := q.Lease(ctx); l != nil {
		t.Fatal("delayed job leased early")
	}
	st, _ := q.Stats(ctx)
	if st.Delayed != 1 || st.Waiting != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}

	clk.Advance(10 * time.Second)
	if l := mustLease(t, q); l.ID != "later" {
		t.Fatalf("got %s", l.ID)
	}
}

func TestMemory_AckRequiresCurrentToken(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	_ = q.Enqueue(ctx, &Job{ID: "j"}, DefaultOptions())
	l := mustLease(t, q)

	if err := q.Ack(ctx, l.ID, "stale"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := q.Ack(ctx, l.ID, l.Token); err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(ctx, l.ID, l.Token); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("double ack: expected ErrLeaseLost, got %v", err)
	}
	if err := q.Ack(ctx, "missing", "t"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_NackRetriesThenDies(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	q := NewMemory(WithClock(clk.Now))

	opts := Options{MaxAttempts: 3, Backoff: Backoff{Type: BackoffExponential, Delay: time.Second}}
	_ = q.Enqueue(ctx, &Job{ID: "j"}, opts)

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		l := mustLease(t, q)
		if l.Attempts != attempt {
			t.Fatalf("attempt %d: job reports %d", attempt, l.Attempts)
		}
		res, err := q.Nack(ctx, l.ID, l.Token, errors.New("boom"))
		if err != nil {
			t.Fatal(err)
		}
		if attempt < 3 {
			if !res.Retry || res.Dead {
				t.Fatalf("attempt %d: expected retry, got %+v", attempt, res)
			}
			d := res.RetryAt.Sub(clk.Now())
			delays = append(delays, d)
			clk.Advance(d)
			continue
		}
		if !res.Dead {
			t.Fatalf("expected dead after last attempt, got %+v", res)
		}
	}
	if delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected backoff %v", delays)
	}

	j, err := q.Get(ctx, "j")
	if err != nil {
		t.Fatal(err)
	}
	if j.State != StateDead || j.LastError != "boom" {
		t.Fatalf("unexpected job %+v", j)
	}
}

func TestMemory_ReleaseKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	_ = q.Enqueue(ctx, &Job{ID: "j"}, DefaultOptions())

	l := mustLease(t, q)
	if err := q.Release(ctx, l.ID, l.Token); err != nil {
		t.Fatal(err)
	}
	l = mustLease(t, q)
	if l.Attempts != 1 {
		t.Fatalf("expected attempts 1 after release, got %d", l.Attempts)
	}
}

func TestMemory_StalledRecoveredOnceThenDead(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	q := NewMemory(WithClock(clk.Now))

	opts := DefaultOptions()
	opts.MaxStalledCount = 1
	_ = q.Enqueue(ctx, &Job{ID: "j"}, opts)

	l := mustLease(t, q)
	clk.Advance(l.ExpiresAt.Sub(clk.Now()) + time.Millisecond)

	rep, err := q.RecoverStalled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Requeued) != 1 || len(rep.Dead) != 0 {
		t.Fatalf("first sweep: %+v", rep)
	}

	l2 := mustLease(t, q)
	if l2.Attempts != 1 {
		t.Fatalf("stall consumed an attempt: %d", l2.Attempts)
	}
	if err := q.Ack(ctx, l.ID, l.Token); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("old token should be dead, got %v", err)
	}

	clk.Advance(l2.ExpiresAt.Sub(clk.Now()) + time.Millisecond)
	rep, err = q.RecoverStalled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Dead) != 1 || rep.Dead[0].LastError != StalledError {
		t.Fatalf("second sweep: %+v", rep)
	}
	if l, _ := q.Lease(ctx); l != nil {
		t.Fatal("dead job leased again")
	}
}

func TestMemory_ExtendPostponesStall(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	q := NewMemory(WithClock(clk.Now))
	_ = q.Enqueue(ctx, &Job{ID: "j"}, DefaultOptions())

	l := mustLease(t, q)
	clk.Advance(l.ExpiresAt.Sub(clk.Now()) - time.Second)
	if err := q.Extend(ctx, l.ID, l.Token, time.Minute); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)

	rep, _ := q.RecoverStalled(ctx)
	if len(rep.Requeued)+len(rep.Dead) != 0 {
		t.Fatalf("extended lease recovered: %+v", rep)
	}
}

func TestMemory_RemoveAndPosition(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	for _, id := range []string{"a", "b", "c"} {
		_ = q.Enqueue(ctx, &Job{ID: id, Priority: 2}, DefaultOptions())
	}

	if pos, _ := q.Position(ctx, "c"); pos != 3 {
		t.Fatalf("expected position 3, got %d", pos)
	}
	ok, err := q.Remove(ctx, "b")
	if err != nil || !ok {
		t.Fatalf("remove b: %v %v", ok, err)
	}
	if pos, _ := q.Position(ctx, "c"); pos != 2 {
		t.Fatalf("expected position 2, got %d", pos)
	}

	l := mustLease(t, q)
	if ok, _ := q.Remove(ctx, l.ID); ok {
		t.Fatal("removed a leased job")
	}
	if pos, _ := q.Position(ctx, l.ID); pos != 0 {
		t.Fatalf("leased job has position %d", pos)
	}
	if ok, _ := q.Remove(ctx, "missing"); ok {
		t.Fatal("removed a missing job")
	}
}

func TestMemory_PurgeSkipsActiveJobs(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	q := NewMemory(WithClock(clk.Now))
	for _, id := range []string{"done", "busy", "waiting"} {
		_ = q.Enqueue(ctx, &Job{ID: id}, DefaultOptions())
	}
	done := mustLease(t, q)
	_ = q.Ack(ctx, done.ID, done.Token)
	mustLease(t, q)

	clk.Advance(2 * time.Hour)
	n, err := q.Purge(ctx, clk.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if _, err := q.Get(ctx, "busy"); err != nil {
		t.Fatalf("leased job purged: %v", err)
	}
	st, _ := q.Stats(ctx)
	if st.Active != 1 || st.Waiting != 1 || st.Completed != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestMemory_ConcurrentLeaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	const n = 50
	for i := 0; i < n; i++ {
		_ = q.Enqueue(ctx, &Job{}, DefaultOptions())
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				l, err := q.Lease(ctx)
				if err != nil || l == nil {
					return
				}
				mu.Lock()
				seen[l.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct jobs, got %d", n, len(seen))
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("job %s leased %d times", id, c)
		}
	}
}
