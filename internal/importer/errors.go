package importer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job or recipe does not exist or is not
	// visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateIdempotencyKey is returned by Create when an active or
	// completed job already holds the owner's idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	// ErrJobTerminal is returned when writing to a job that already finished.
	ErrJobTerminal = errors.New("job already in terminal state")
	// ErrCancelRequested is the cancellation cause for explicit user cancels.
	ErrCancelRequested = errors.New("cancellation requested")
	// ErrJobTimeout is the cancellation cause when a job exceeds its budget.
	ErrJobTimeout = errors.New("job exceeded its time budget")
	// ErrShutdown is the cancellation cause when the service stops.
	ErrShutdown = errors.New("service shutting down")
)

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
