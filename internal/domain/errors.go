package domain

import "github.com/pkg/errors"

var (
	// Rejected before any record exists.
	ErrValidation      = errors.New("validation failed")
	ErrPayloadTooLarge = errors.New("payload too large")

	ErrNotFound          = errors.New("job record not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	// Handler outcomes, retried by the queue up to MaxAttempts.
	ErrTimeout = errors.New("handler timed out")
	ErrHandler = errors.New("handler failed")

	// Queue, cache, limiter or store unreachable.
	ErrInfrastructure = errors.New("infrastructure unavailable")
)

// Validation wraps ErrValidation with a reason.
func Validation(reason string) error {
	return errors.Wrap(ErrValidation, reason)
}

// Infrastructure marks err as an infrastructure failure while keeping its cause.
func Infrastructure(err error, msg string) error {
	return Mark(ErrInfrastructure, err, msg)
}

// Mark returns an error that matches kind under errors.Is and unwraps
// to cause.
func Mark(kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &markedError{kind: kind, msg: msg, cause: cause}
}

type markedError struct {
	kind  error
	msg   string
	cause error
}

func (e *markedError) Error() string {
	if e.msg == "" {
		return e.cause.Error()
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *markedError) Unwrap() error { return e.cause }

func (e *markedError) Is(target error) bool { return target == e.kind }
