package queue

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Queue = (*Memory)(nil)

type memJob struct {
	job       Job
	token     string
	expiresAt time.Time
	runAt     time.Time
}

// Memory is an in-process Queue. Safe for concurrent use; intended for
// tests and single-process deployments.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	seq   int64
	jobs  map[string]*memJob
	ready []*memJob // ordered by (priority, seq)
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now, for deterministic lease expiry in tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:  time.Now,
		jobs: make(map[string]*memJob),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func byUrgency(a, b *memJob) int {
	if c := cmp.Compare(a.job.Priority, b.job.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.job.Seq, b.job.Seq)
}

func (m *Memory) pushReady(mj *memJob) {
	i, _ := slices.BinarySearchFunc(m.ready, mj, byUrgency)
	m.ready = slices.Insert(m.ready, i, mj)
}

func (m *Memory) dropReady(id string) bool {
	for i, mj := range m.ready {
		if mj.job.ID == id {
			m.ready = slices.Delete(m.ready, i, i+1)
			return true
		}
	}
	return false
}

// promoteDue moves delayed jobs whose run time has passed into the ready set.
func (m *Memory) promoteDue(now time.Time) {
	for _, mj := range m.jobs {
		if mj.job.State != StateEnqueued || mj.runAt.IsZero() || mj.runAt.After(now) {
			continue
		}
		mj.runAt = time.Time{}
		m.pushReady(mj)
	}
}

func (m *Memory) leased(id, token string) (*memJob, error) {
	mj, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if mj.job.State != StateLeased || mj.token != token {
		return nil, ErrLeaseLost
	}
	return mj, nil
}

func (m *Memory) Enqueue(_ context.Context, j *Job, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, ok := m.jobs[j.ID]; ok {
		return ErrDuplicate
	}
	now := m.now()
	m.seq++
	j.Seq = m.seq
	j.EnqueuedAt = now
	j.State = StateEnqueued
	j.Attempts = 0
	j.StalledCount = 0
	j.Options = opts.withDefaults()

	mj := &memJob{job: *j}
	m.jobs[j.ID] = mj
	if opts.Delay > 0 {
		mj.runAt = now.Add(opts.Delay)
		return nil
	}
	m.pushReady(mj)
	return nil
}

func (m *Memory) Lease(_ context.Context) (*Leased, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.promoteDue(now)
	if len(m.ready) == 0 {
		return nil, nil
	}
	mj := m.ready[0]
	m.ready = m.ready[1:]

	mj.job.State = StateLeased
	mj.job.Attempts++
	mj.token = uuid.NewString()
	mj.expiresAt = now.Add(mj.job.Options.LeaseDuration)

	cp := mj.job
	return &Leased{Job: &cp, Token: mj.token, ExpiresAt: mj.expiresAt}, nil
}

func (m *Memory) Ack(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, err := m.leased(id, token)
	if err != nil {
		return err
	}
	mj.job.State = StateAcked
	mj.job.FinishedAt = m.now()
	mj.token = ""
	return nil
}

func (m *Memory) Nack(_ context.Context, id, token string, cause error) (NackResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, err := m.leased(id, token)
	if err != nil {
		return NackResult{}, err
	}
	now := m.now()
	mj.token = ""
	if cause != nil {
		mj.job.LastError = cause.Error()
	}

	if mj.job.Attempts >= mj.job.Options.MaxAttempts {
		mj.job.State = StateDead
		mj.job.FinishedAt = now
		return NackResult{Dead: true}, nil
	}

	delay := mj.job.Options.Backoff.NextDelay(mj.job.Attempts)
	mj.job.State = StateEnqueued
	retryAt := now.Add(delay)
	if delay > 0 {
		mj.runAt = retryAt
	} else {
		m.pushReady(mj)
	}
	return NackResult{Retry: true, RetryAt: retryAt}, nil
}

func (m *Memory) Release(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, err := m.leased(id, token)
	if err != nil {
		return err
	}
	mj.token = ""
	mj.job.State = StateEnqueued
	mj.job.Attempts--
	m.pushReady(mj)
	return nil
}

func (m *Memory) Extend(_ context.Context, id, token string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, err := m.leased(id, token)
	if err != nil {
		return err
	}
	mj.expiresAt = m.now().Add(d)
	return nil
}

func (m *Memory) Progress(_ context.Context, id string, pct int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	mj.job.Progress = pct
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, ok := m.jobs[id]
	if !ok || mj.job.State == StateLeased {
		return false, nil
	}
	m.dropReady(id)
	delete(m.jobs, id)
	return true, nil
}

func (m *Memory) Position(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.promoteDue(m.now())
	for i, mj := range m.ready {
		if mj.job.ID == id {
			return i + 1, nil
		}
	}
	return 0, nil
}

func (m *Memory) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := mj.job
	return &cp, nil
}

func (m *Memory) RecoverStalled(_ context.Context) (StallReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var rep StallReport
	for _, mj := range m.jobs {
		if mj.job.State != StateLeased || now.Before(mj.expiresAt) {
			continue
		}
		mj.token = ""
		mj.job.StalledCount++
		if mj.job.StalledCount > mj.job.Options.MaxStalledCount {
			mj.job.State = StateDead
			mj.job.LastError = StalledError
			mj.job.FinishedAt = now
			cp := mj.job
			rep.Dead = append(rep.Dead, &cp)
			continue
		}
		mj.job.State = StateEnqueued
		mj.job.Attempts--
		m.pushReady(mj)
		rep.Requeued = append(rep.Requeued, mj.job.ID)
	}
	return rep, nil
}

func (m *Memory) Purge(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, mj := range m.jobs {
		if mj.job.State != StateAcked && mj.job.State != StateDead {
			continue
		}
		if mj.job.FinishedAt.Before(olderThan) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.promoteDue(m.now())
	var s Stats
	for _, mj := range m.jobs {
		switch mj.job.State {
		case StateEnqueued:
			if mj.runAt.IsZero() {
				s.Waiting++
			} else {
				s.Delayed++
			}
		case StateLeased:
			s.Active++
		case StateAcked:
			s.Completed++
		case StateDead:
			s.Failed++
		}
	}
	return s, nil
}
