package worker

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	Completed EventType = "completed"
	Retrying  EventType = "retrying"
	Failed    EventType = "failed"
	Stalled   EventType = "stalled"
	// Discarded jobs had no record to update: deleted, or already final.
	Discarded EventType = "discarded"
)

// Terminal reports whether the event ends the job's life in the queue.
func (t EventType) Terminal() bool {
	return t == Completed || t == Failed || t == Discarded
}

// Event is an advisory notification of a job outcome.
type Event struct {
	Type     EventType
	JobID    string
	RecordID string
	OwnerID  string
	Attempt  int
	Err      string
	Result   json.RawMessage
	At       time.Time
}
