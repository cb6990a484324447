// Package admission decides how each submission is served: from cache,
// inline on the caller's goroutine, or through the queue.
package admission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SirClappington/textlens/internal/cache"
	"github.com/SirClappington/textlens/internal/domain"
	"github.com/SirClappington/textlens/internal/fingerprint"
	"github.com/SirClappington/textlens/internal/handler"
	"github.com/SirClappington/textlens/internal/queue"
	"github.com/SirClappington/textlens/internal/storage"
)

// Limits bands a payload kind by size. Payloads up to InlineMax bytes are
// computed inline; above MaxBytes they are rejected.
type Limits struct {
	InlineMax int
	MaxBytes  int
}

type Options struct {
	Text     Limits
	Document Limits
	Job      queue.Options

	ResultTTL     time.Duration
	StatsTTL      time.Duration
	ListTTL       time.Duration
	QueueStatsTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		Text:          Limits{InlineMax: 500, MaxBytes: 100000},
		Document:      Limits{InlineMax: 0, MaxBytes: 3 << 20},
		Job:           queue.DefaultOptions(),
		ResultTTL:     time.Hour,
		StatsTTL:      10 * time.Minute,
		ListTTL:       5 * time.Minute,
		QueueStatsTTL: 30 * time.Second,
	}
}

func (o Options) limits(k domain.Kind) Limits {
	if k == domain.KindDocument {
		return o.Document
	}
	return o.Text
}

// Priority maps a payload size to a queue priority; smaller payloads are
// more urgent (lower number).
func Priority(size int) int {
	switch {
	case size < 1000:
		return 1
	case size < 5000:
		return 2
	case size < 10000:
		return 3
	case size < 50000:
		return 4
	}
	return 5
}

// ETA estimates processing time at two seconds per started kilobyte.
func ETA(size int) time.Duration {
	return time.Duration((size+999)/1000) * 2 * time.Second
}

// Submission is either synchronous (Result set) or asynchronous
// (QueueJobID set).
type Submission struct {
	RecordID  string          `json:"id,omitempty"`
	Status    domain.Status   `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	FromCache bool            `json:"from_cache"`

	Record *domain.JobRecord `json:"-"`

	QueueJobID    string        `json:"job_id,omitempty"`
	ETA           time.Duration `json:"-"`
	QueuePosition int           `json:"queue_position,omitempty"`
}

func (s *Submission) Async() bool { return s.QueueJobID != "" }

type Service struct {
	store    storage.Store
	q        queue.Queue
	handlers *handler.Registry
	cache    *cache.Cache
	log      *zap.Logger
	opts     Options
	sf       singleflight.Group
	now      func() time.Time
}

func New(store storage.Store, q queue.Queue, handlers *handler.Registry, c *cache.Cache, log *zap.Logger, opts Options) *Service {
	return &Service{
		store:    store,
		q:        q,
		handlers: handlers,
		cache:    c,
		log:      log.Named("admission"),
		opts:     opts,
		now:      time.Now,
	}
}

// Submit admits one payload for owner.
func (s *Service) Submit(ctx context.Context, owner string, p domain.Payload) (*Submission, error) {
	if owner == "" {
		return nil, domain.Validation("owner is required")
	}
	if p == nil {
		return nil, domain.Validation("payload is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	lim := s.opts.limits(p.Kind())
	size := p.Size()
	if size > lim.MaxBytes {
		return nil, errors.Wrapf(domain.ErrPayloadTooLarge, "%s of %d bytes exceeds %d", p.Kind(), size, lim.MaxBytes)
	}

	fp := fingerprint.Of(p.Content())
	if res, ok := s.cache.Get(ctx, owner, cache.ResultName(fp)); ok {
		return &Submission{Status: domain.Completed, Result: res, FromCache: true}, nil
	}

	raw, err := domain.EncodePayload(p)
	if err != nil {
		return nil, domain.Validation(err.Error())
	}
	rec := &domain.JobRecord{OwnerID: owner, Kind: p.Kind(), Payload: raw, Fingerprint: fp}

	if size <= lim.InlineMax {
		return s.inline(ctx, rec, p)
	}
	return s.enqueue(ctx, rec, size)
}

func (s *Service) inline(ctx context.Context, rec *domain.JobRecord, p domain.Payload) (*Submission, error) {
	rec.Status = domain.Processing
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, domain.Infrastructure(err, "insert record")
	}
	defer s.cache.InvalidateOwner(context.WithoutCancel(ctx), cache.Aggregates(rec.OwnerID))

	start := s.now()
	res, err := s.handlers.Run(ctx, p, s.opts.Job.Timeout, nil)
	took := s.now().Sub(start)
	if err != nil {
		if ferr := s.store.Fail(context.WithoutCancel(ctx), rec.ID, err.Error(), took); ferr != nil {
			s.log.Error("mark inline record failed", zap.String("record_id", rec.ID), zap.Error(ferr))
		}
		return nil, err
	}
	if err := s.store.Complete(ctx, rec.ID, res, took); err != nil {
		return nil, domain.Infrastructure(err, "complete record")
	}
	s.cache.Set(ctx, rec.OwnerID, cache.ResultName(rec.Fingerprint), res, s.opts.ResultTTL)

	done, err := s.store.Get(ctx, rec.ID)
	if err != nil {
		return nil, domain.Infrastructure(err, "reload record")
	}
	return &Submission{RecordID: done.ID, Status: done.Status, Result: res, Record: done}, nil
}

func (s *Service) enqueue(ctx context.Context, rec *domain.JobRecord, size int) (*Submission, error) {
	jobID := uuid.NewString()
	rec.Status = domain.Pending
	rec.QueueJobID = &jobID
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, domain.Infrastructure(err, "insert record")
	}
	defer s.cache.InvalidateOwner(context.WithoutCancel(ctx), cache.Aggregates(rec.OwnerID))

	j := &queue.Job{
		ID:          jobID,
		EntityID:    rec.ID,
		OwnerID:     rec.OwnerID,
		Kind:        rec.Kind,
		Payload:     rec.Payload,
		Fingerprint: rec.Fingerprint,
		Priority:    Priority(size),
	}
	if err := s.q.Enqueue(ctx, j, s.opts.Job); err != nil {
		if ferr := s.store.Fail(context.WithoutCancel(ctx), rec.ID, "enqueue failed: "+err.Error(), 0); ferr != nil {
			s.log.Error("mark unqueued record failed", zap.String("record_id", rec.ID), zap.Error(ferr))
		}
		return nil, domain.Infrastructure(err, "enqueue job")
	}

	pos, err := s.q.Position(ctx, jobID)
	if err != nil {
		s.log.Warn("queue position unavailable", zap.String("job_id", jobID), zap.Error(err))
	}
	return &Submission{
		RecordID:      rec.ID,
		Status:        domain.Pending,
		QueueJobID:    jobID,
		ETA:           ETA(size),
		QueuePosition: pos,
	}, nil
}

// Retry resubmits the payload of a FAILED record as a new submission.
func (s *Service) Retry(ctx context.Context, id, owner string) (*Submission, error) {
	rec, err := s.store.Find(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.Failed {
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "record is %s, only FAILED records can be retried", rec.Status)
	}
	p, err := domain.DecodePayload(rec.Kind, rec.Payload)
	if err != nil {
		return nil, domain.Mark(domain.ErrValidation, err, "stored payload")
	}
	return s.Submit(ctx, owner, p)
}
