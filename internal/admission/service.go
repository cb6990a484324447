package admission

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/textlens/internal/cache"
	"github.com/SirClappington/textlens/internal/domain"
	"github.com/SirClappington/textlens/internal/queue"
	"github.com/SirClappington/textlens/internal/storage"
)

// Status is a record plus live queue details while it is still running.
type Status struct {
	*domain.JobRecord
	Progress      int           `json:"progress,omitempty"`
	QueuePosition int           `json:"queue_position,omitempty"`
	ETA           time.Duration `json:"-"`
}

func (s *Service) GetStatus(ctx context.Context, id, owner string) (*Status, error) {
	rec, err := s.store.Find(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	st := &Status{JobRecord: rec}
	if rec.Status.Terminal() || rec.QueueJobID == nil {
		return st, nil
	}

	j, err := s.q.Get(ctx, *rec.QueueJobID)
	if err != nil {
		if !errors.Is(err, queue.ErrNotFound) {
			s.log.Warn("queue lookup failed", zap.String("job_id", *rec.QueueJobID), zap.Error(err))
		}
		return st, nil
	}
	st.Progress = j.Progress
	if pos, err := s.q.Position(ctx, j.ID); err == nil {
		st.QueuePosition = pos
	}
	if p, err := domain.DecodePayload(rec.Kind, rec.Payload); err == nil {
		st.ETA = ETA(p.Size())
	}
	return st, nil
}

const previewRunes = 100

// ListItem is a record summary for list pages.
type ListItem struct {
	ID               string        `json:"id"`
	Kind             domain.Kind   `json:"kind"`
	Status           domain.Status `json:"status"`
	Preview          string        `json:"preview"`
	Error            *string       `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	ProcessingTimeMs *int64        `json:"processing_time_ms,omitempty"`
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type Page struct {
	Items      []ListItem `json:"items"`
	Pagination Pagination `json:"pagination"`
	FromCache  bool       `json:"from_cache"`
}

// Preview is the first 100 runes of a text payload, or a document's file name.
func Preview(rec *domain.JobRecord) string {
	p, err := domain.DecodePayload(rec.Kind, rec.Payload)
	if err != nil {
		return ""
	}
	switch v := p.(type) {
	case domain.TextJob:
		if utf8.RuneCountInString(v.Text) <= previewRunes {
			return v.Text
		}
		return string([]rune(v.Text)[:previewRunes]) + "..."
	case domain.DocumentJob:
		return v.Filename
	}
	return ""
}

func (s *Service) ListForOwner(ctx context.Context, owner string, page, limit int) (*Page, error) {
	page, limit = storage.NormalizePage(page, limit)
	scope, name := cache.Aggregates(owner), cache.ListName(page, limit)

	var cached Page
	if s.cache.GetJSON(ctx, scope, name, &cached) {
		cached.FromCache = true
		return &cached, nil
	}

	recs, total, err := s.store.List(ctx, owner, page, limit)
	if err != nil {
		return nil, domain.Infrastructure(err, "list records")
	}
	out := &Page{
		Items:      make([]ListItem, 0, len(recs)),
		Pagination: Pagination{Page: page, Limit: limit, Total: total, Pages: (total + limit - 1) / limit},
	}
	for _, rec := range recs {
		out.Items = append(out.Items, ListItem{
			ID:               rec.ID,
			Kind:             rec.Kind,
			Status:           rec.Status,
			Preview:          Preview(rec),
			Error:            rec.Error,
			CreatedAt:        rec.CreatedAt,
			CompletedAt:      rec.CompletedAt,
			ProcessingTimeMs: rec.ProcessingTimeMs,
		})
	}
	s.cache.SetJSON(ctx, scope, name, out, s.opts.ListTTL)
	return out, nil
}

// DeleteRecord cancels the record's queued job when it has not started
// and removes the record. A job already running finishes but its result
// is discarded.
func (s *Service) DeleteRecord(ctx context.Context, id, owner string) error {
	rec, err := s.store.Find(ctx, id, owner)
	if err != nil {
		return err
	}
	log := s.log.With(zap.String("record_id", id))

	if !rec.Status.Terminal() && rec.QueueJobID != nil {
		removed, err := s.q.Remove(ctx, *rec.QueueJobID)
		switch {
		case err != nil:
			log.Warn("cancel queued job failed", zap.Error(err))
		case !removed:
			log.Info("job already running, its result will be discarded")
		}
	}

	if err := s.store.Delete(ctx, id, owner); err != nil {
		return err
	}
	s.cache.InvalidateOwner(ctx, cache.Aggregates(owner))
	return nil
}

type QueueStats struct {
	queue.Stats
	Total     int64     `json:"total"`
	Timestamp time.Time `json:"timestamp"`
	FromCache bool      `json:"from_cache"`
}

// QueueStats is cached briefly; concurrent misses share one queue query.
func (s *Service) QueueStats(ctx context.Context) (*QueueStats, error) {
	var cached QueueStats
	if s.cache.GetJSON(ctx, cache.SystemOwner, cache.QueueStatsName, &cached) {
		cached.FromCache = true
		return &cached, nil
	}

	v, err, _ := s.sf.Do(cache.QueueStatsName, func() (interface{}, error) {
		st, err := s.q.Stats(ctx)
		if err != nil {
			return nil, domain.Infrastructure(err, "queue stats")
		}
		out := QueueStats{Stats: st, Total: st.Total(), Timestamp: s.now().UTC()}
		s.cache.SetJSON(ctx, cache.SystemOwner, cache.QueueStatsName, out, s.opts.QueueStatsTTL)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	out := v.(QueueStats)
	return &out, nil
}

type OwnerStats struct {
	domain.OwnerStats
	Timestamp time.Time `json:"timestamp"`
	FromCache bool      `json:"from_cache"`
}

func (s *Service) OwnerStats(ctx context.Context, owner string) (*OwnerStats, error) {
	scope := cache.Aggregates(owner)
	var cached OwnerStats
	if s.cache.GetJSON(ctx, scope, cache.StatsName, &cached) {
		cached.FromCache = true
		return &cached, nil
	}

	st, err := s.store.OwnerStats(ctx, owner)
	if err != nil {
		return nil, domain.Infrastructure(err, "owner stats")
	}
	out := &OwnerStats{OwnerStats: st, Timestamp: s.now().UTC()}
	s.cache.SetJSON(ctx, scope, cache.StatsName, out, s.opts.StatsTTL)
	return out, nil
}
