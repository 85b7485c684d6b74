package pool

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrInvalidSize is returned by New for a size below one.
	ErrInvalidSize = errors.New("pool size must be at least 1")

	// ErrAcquireTimeout is returned when no worker became free before the deadline.
	ErrAcquireTimeout = errors.New("timed out acquiring a worker")
)

// WorkerFailure is one worker's part of a failed registration.
type WorkerFailure struct {
	Slot     int
	WorkerID string
	Err      error
}

// RegistrationError reports every worker that refused a job registration.
type RegistrationError struct {
	JobID    int64
	Total    int
	Failures []WorkerFailure
}

func (e *RegistrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %d failed to register on %d of %d workers", e.JobID, len(e.Failures), e.Total)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; slot %d (%s): %v", f.Slot, f.WorkerID, f.Err)
	}
	return b.String()
}

// Unwrap exposes the per-worker errors to errors.Is and errors.As.
func (e *RegistrationError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
