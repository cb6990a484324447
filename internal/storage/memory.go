package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/textlens/internal/domain"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store for tests and single-binary runs.
type Memory struct {
	mu      sync.RWMutex
	now     func() time.Time
	records map[string]*domain.JobRecord
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, records: make(map[string]*domain.JobRecord)}
}

func clone(rec *domain.JobRecord) *domain.JobRecord {
	cp := *rec
	if rec.Error != nil {
		e := *rec.Error
		cp.Error = &e
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		cp.CompletedAt = &t
	}
	if rec.ProcessingTimeMs != nil {
		ms := *rec.ProcessingTimeMs
		cp.ProcessingTimeMs = &ms
	}
	if rec.QueueJobID != nil {
		q := *rec.QueueJobID
		cp.QueueJobID = &q
	}
	cp.Payload = append(json.RawMessage(nil), rec.Payload...)
	cp.Result = append(json.RawMessage(nil), rec.Result...)
	if rec.Result == nil {
		cp.Result = nil
	}
	return &cp
}

func (m *Memory) Insert(_ context.Context, rec *domain.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	if rec.Status == "" {
		rec.Status = domain.Pending
	}
	m.records[rec.ID] = clone(rec)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(rec), nil
}

func (m *Memory) Find(ctx context.Context, id, owner string) (*domain.JobRecord, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != owner {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) List(_ context.Context, owner string, page, limit int) ([]*domain.JobRecord, int, error) {
	page, limit = NormalizePage(page, limit)

	m.mu.RLock()
	var all []*domain.JobRecord
	for _, rec := range m.records {
		if rec.OwnerID == owner {
			all = append(all, clone(rec))
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	start := (page - 1) * limit
	if start >= len(all) {
		return nil, len(all), nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

// transition applies fn to the record if its status may move to next.
func (m *Memory) transition(id string, next domain.Status, fn func(*domain.JobRecord)) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !rec.Status.CanTransition(next) {
		return nil, domain.ErrInvalidTransition
	}
	rec.Status = next
	if fn != nil {
		fn(rec)
	}
	return clone(rec), nil
}

func (m *Memory) MarkProcessing(_ context.Context, id string) (*domain.JobRecord, error) {
	return m.transition(id, domain.Processing, nil)
}

func (m *Memory) finish(rec *domain.JobRecord, took time.Duration) {
	at := m.now().UTC()
	ms := took.Milliseconds()
	rec.CompletedAt = &at
	rec.ProcessingTimeMs = &ms
}

func (m *Memory) Complete(_ context.Context, id string, result json.RawMessage, took time.Duration) error {
	_, err := m.transition(id, domain.Completed, func(rec *domain.JobRecord) {
		rec.Result = append(json.RawMessage(nil), result...)
		rec.Error = nil
		m.finish(rec, took)
	})
	return err
}

func (m *Memory) Fail(_ context.Context, id, msg string, took time.Duration) error {
	_, err := m.transition(id, domain.Failed, func(rec *domain.JobRecord) {
		rec.Result = nil
		rec.Error = &msg
		m.finish(rec, took)
	})
	return err
}

func (m *Memory) Delete(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.OwnerID != owner {
		return domain.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) OwnerStats(_ context.Context, owner string) (domain.OwnerStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		st  domain.OwnerStats
		sum int64
	)
	for _, rec := range m.records {
		if rec.OwnerID != owner {
			continue
		}
		st.Total++
		switch rec.Status {
		case domain.Completed:
			st.Completed++
			if rec.ProcessingTimeMs != nil {
				sum += *rec.ProcessingTimeMs
			}
		case domain.Failed:
			st.Failed++
		default:
			st.Pending++
		}
	}
	if st.Completed > 0 {
		st.AverageProcessingTimeMs = sum / int64(st.Completed)
	}
	st.SetSuccessRate()
	return st, nil
}
