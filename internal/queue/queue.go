// Package queue holds pending work with priority, delayed delivery, leases,
// retry with backoff and stalled-lease recovery.
//
// Priority follows one convention everywhere: a lower number is more
// urgent. Within a priority, jobs are leased in enqueue order.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/textlens/internal/domain"
)

type State string

const (
	StateEnqueued State = "enqueued"
	StateLeased   State = "leased"
	StateAcked    State = "acked"
	StateDead     State = "dead"
)

var (
	ErrNotFound     = errors.New("queue: job not found")
	ErrDuplicate    = errors.New("queue: job already enqueued")
	ErrLeaseLost    = errors.New("queue: lease lost")
	ErrInvalidState = errors.New("queue: job not in expected state")
)

// StalledError is recorded on jobs declared dead by stalled recovery.
const StalledError = "job stalled more than allowable limit"

// Job is a unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	EntityID    string          `json:"entity_id"`
	OwnerID     string          `json:"owner_id"`
	Kind        domain.Kind     `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Fingerprint string          `json:"fingerprint"`
	Priority    int             `json:"priority"`

	Seq          int64     `json:"seq"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Attempts     int       `json:"attempts"`
	StalledCount int       `json:"stalled_count"`
	State        State     `json:"state"`
	Progress     int       `json:"progress"`
	LastError    string    `json:"last_error,omitempty"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`

	Options Options `json:"options"`
}

// Leased is a job handed to exactly one worker until ExpiresAt.
type Leased struct {
	*Job
	Token     string
	ExpiresAt time.Time
}

// NackResult tells the caller what happened to a failed attempt.
type NackResult struct {
	Retry   bool
	RetryAt time.Time
	Dead    bool
}

// StallReport lists the outcome of one stalled-lease sweep.
type StallReport struct {
	Requeued []string
	Dead     []*Job
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (s Stats) Total() int64 {
	return s.Waiting + s.Delayed + s.Active + s.Completed + s.Failed
}

// Queue is implemented by the Redis and in-memory backends.
type Queue interface {
	Enqueue(ctx context.Context, j *Job, opts Options) error
	// Lease returns nil, nil when nothing is ready.
	Lease(ctx context.Context) (*Leased, error)
	Ack(ctx context.Context, id, token string) error
	Nack(ctx context.Context, id, token string, cause error) (NackResult, error)
	// Release returns a leased job to the ready set without consuming an attempt.
	Release(ctx context.Context, id, token string) error
	Extend(ctx context.Context, id, token string, d time.Duration) error
	Progress(ctx context.Context, id string, pct int) error
	// Remove cancels an enqueued or delayed job. It reports false when the
	// job is leased or already gone.
	Remove(ctx context.Context, id string) (bool, error)
	// Position is 1 + the number of ready jobs ahead of id, or 0 when id
	// is not waiting.
	Position(ctx context.Context, id string) (int, error)
	Get(ctx context.Context, id string) (*Job, error)
	RecoverStalled(ctx context.Context) (StallReport, error)
	// Purge drops terminal jobs finished before olderThan. Leased jobs
	// are never touched.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
}
