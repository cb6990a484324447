// Package storage persists JobRecords and enforces their status machine.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/textlens/internal/domain"
)

// Store is the JobRecord source of truth. Every transition is checked
// atomically against the current status.
type Store interface {
	Insert(ctx context.Context, rec *domain.JobRecord) error
	Get(ctx context.Context, id string) (*domain.JobRecord, error)
	// Find is Get restricted to records of owner.
	Find(ctx context.Context, id, owner string) (*domain.JobRecord, error)
	// List returns one page (1-based) of owner's records, newest first,
	// plus the owner's total record count.
	List(ctx context.Context, owner string, page, limit int) ([]*domain.JobRecord, int, error)
	MarkProcessing(ctx context.Context, id string) (*domain.JobRecord, error)
	Complete(ctx context.Context, id string, result json.RawMessage, took time.Duration) error
	Fail(ctx context.Context, id, msg string, took time.Duration) error
	Delete(ctx context.Context, id, owner string) error
	OwnerStats(ctx context.Context, owner string) (domain.OwnerStats, error)
}

var _ Store = (*Postgres)(nil)

type Postgres struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Postgres { return &Postgres{db} }

const recordColumns = `id, owner_id, kind, payload, fingerprint, status, result, error,
created_at, completed_at, processing_time_ms, queue_job_id`

func scanRecord(row pgx.Row) (*domain.JobRecord, error) {
	var rec domain.JobRecord
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Kind, &rec.Payload, &rec.Fingerprint,
		&rec.Status, &rec.Result, &rec.Error, &rec.CreatedAt, &rec.CompletedAt,
		&rec.ProcessingTimeMs, &rec.QueueJobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan job record")
	}
	return &rec, nil
}

// Insert persists a new record. ID and CreatedAt are filled when empty.
func (s *Postgres) Insert(ctx context.Context, rec *domain.JobRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = domain.Pending
	}
	_, err := s.db.Exec(ctx, `insert into job_records(
id, owner_id, kind, payload, fingerprint, status, result, error,
created_at, completed_at, processing_time_ms, queue_job_id
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.OwnerID, rec.Kind, rec.Payload, rec.Fingerprint, rec.Status,
		rec.Result, rec.Error, rec.CreatedAt, rec.CompletedAt, rec.ProcessingTimeMs, rec.QueueJobID,
	)
	return errors.Wrap(err, "insert job record")
}

func (s *Postgres) Get(ctx context.Context, id string) (*domain.JobRecord, error) {
	return scanRecord(s.db.QueryRow(ctx,
		`select `+recordColumns+` from job_records where id = $1`, id))
}

func (s *Postgres) Find(ctx context.Context, id, owner string) (*domain.JobRecord, error) {
	return scanRecord(s.db.QueryRow(ctx,
		`select `+recordColumns+` from job_records where id = $1 and owner_id = $2`, id, owner))
}

func (s *Postgres) List(ctx context.Context, owner string, page, limit int) ([]*domain.JobRecord, int, error) {
	page, limit = NormalizePage(page, limit)
	rows, err := s.db.Query(ctx, `select `+recordColumns+`, count(*) over ()
from job_records
where owner_id = $1
order by created_at desc, id
limit $2 offset $3`, owner, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list job records")
	}
	defer rows.Close()

	var (
		out   []*domain.JobRecord
		total int
	)
	for rows.Next() {
		var rec domain.JobRecord
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Kind, &rec.Payload, &rec.Fingerprint,
			&rec.Status, &rec.Result, &rec.Error, &rec.CreatedAt, &rec.CompletedAt,
			&rec.ProcessingTimeMs, &rec.QueueJobID, &total); err != nil {
			return nil, 0, errors.Wrap(err, "scan job record")
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "list job records")
	}
	if len(out) == 0 && page > 1 {
		// an empty page past the end still reports the owner's total
		if err := s.db.QueryRow(ctx,
			`select count(*) from job_records where owner_id = $1`, owner).Scan(&total); err != nil {
			return nil, 0, errors.Wrap(err, "count job records")
		}
	}
	return out, total, nil
}

// transitionErr tells a missing record apart from one in the wrong state
// after a conditional update matched nothing.
func (s *Postgres) transitionErr(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRow(ctx,
		`select exists(select 1 from job_records where id = $1)`, id).Scan(&exists); err != nil {
		return errors.Wrap(err, "check job record")
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidTransition
}

func (s *Postgres) MarkProcessing(ctx context.Context, id string) (*domain.JobRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `update job_records
   set status = 'PROCESSING'
 where id = $1 and status in ('PENDING', 'PROCESSING')
returning `+recordColumns, id))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, s.transitionErr(ctx, id)
	}
	return rec, err
}

func (s *Postgres) Complete(ctx context.Context, id string, result json.RawMessage, took time.Duration) error {
	tag, err := s.db.Exec(ctx, `update job_records
   set status = 'COMPLETED', result = $2, error = null,
       completed_at = now(), processing_time_ms = $3
 where id = $1 and status = 'PROCESSING'`, id, result, took.Milliseconds())
	if err != nil {
		return errors.Wrap(err, "complete job record")
	}
	if tag.RowsAffected() == 0 {
		return s.transitionErr(ctx, id)
	}
	return nil
}

func (s *Postgres) Fail(ctx context.Context, id, msg string, took time.Duration) error {
	tag, err := s.db.Exec(ctx, `update job_records
   set status = 'FAILED', error = $2, result = null,
       completed_at = now(), processing_time_ms = $3
 where id = $1 and status in ('PENDING', 'PROCESSING')`, id, msg, took.Milliseconds())
	if err != nil {
		return errors.Wrap(err, "fail job record")
	}
	if tag.RowsAffected() == 0 {
		return s.transitionErr(ctx, id)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, id, owner string) error {
	tag, err := s.db.Exec(ctx,
		`delete from job_records where id = $1 and owner_id = $2`, id, owner)
	if err != nil {
		return errors.Wrap(err, "delete job record")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Postgres) OwnerStats(ctx context.Context, owner string) (domain.OwnerStats, error) {
	var st domain.OwnerStats
	err := s.db.QueryRow(ctx, `select
  count(*),
  count(*) filter (where status = 'COMPLETED'),
  count(*) filter (where status = 'FAILED'),
  count(*) filter (where status in ('PENDING', 'PROCESSING')),
  coalesce(avg(processing_time_ms) filter (where status = 'COMPLETED'), 0)::bigint
from job_records
where owner_id = $1`, owner).Scan(&st.Total, &st.Completed, &st.Failed, &st.Pending, &st.AverageProcessingTimeMs)
	if err != nil {
		return domain.OwnerStats{}, errors.Wrap(err, "owner stats")
	}
	st.SetSuccessRate()
	return st, nil
}

// NormalizePage clamps page to >= 1 and limit to [1, 100], defaulting to 10.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
