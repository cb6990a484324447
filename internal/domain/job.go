package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Pending    Status = "PENDING"
	Processing Status = "PROCESSING"
	Completed  Status = "COMPLETED"
	Failed     Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

// CanTransition reports whether a record may move from s to next.
// PROCESSING -> PROCESSING covers queue redelivery of the same record.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case Pending:
		return next == Processing || next == Failed
	case Processing:
		return next == Processing || next == Completed || next == Failed
	}
	return false
}

// JobRecord is the user-visible projection of a unit of work.
type JobRecord struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	Kind             Kind            `json:"kind"`
	Payload          json.RawMessage `json:"-"`
	Fingerprint      string          `json:"fingerprint"`
	Status           Status          `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *string         `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ProcessingTimeMs *int64          `json:"processing_time_ms,omitempty"`
	QueueJobID       *string         `json:"queue_job_id,omitempty"`
}

// Inline reports whether the record was answered on the submitting path.
func (r *JobRecord) Inline() bool { return r.QueueJobID == nil }

// OwnerStats aggregates an owner's records.
type OwnerStats struct {
	Total                   int   `json:"total"`
	Completed               int   `json:"completed"`
	Failed                  int   `json:"failed"`
	Pending                 int   `json:"pending"`
	SuccessRate             int   `json:"success_rate"`
	AverageProcessingTimeMs int64 `json:"average_processing_time_ms"`
}

// SetSuccessRate derives SuccessRate as a rounded percentage.
func (s *OwnerStats) SetSuccessRate() {
	if s.Total == 0 {
		s.SuccessRate = 0
		return
	}
	s.SuccessRate = (s.Completed*100 + s.Total/2) / s.Total
}
