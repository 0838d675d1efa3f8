package scheduler

import (
	"errors"
	"fmt"
)

// Error kinds returned by coordinators, runtimes and lease stores. Callers match
// them with errors.Is; the management server maps them to HTTP status codes.
var (
	ErrValidation      = errors.New("lease validation failed")
	ErrConflict        = errors.New("lease conflict")
	ErrNotFound        = errors.New("lease not found")
	ErrRetryable       = errors.New("lease store unavailable")
	ErrInvalidArgument = errors.New("invalid lease argument")
	ErrNotInitialized  = errors.New("lease coordinator not initialized")
	ErrClosed          = errors.New("lease coordinator closed")
)

// schedulerError wraps kind with detail, keeping kind matchable.
func schedulerError(kind error, detail string) error {
	if detail == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, detail)
}
