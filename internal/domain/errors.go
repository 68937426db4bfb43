package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers match with errors.Is.
var (
	// ErrInvalidState is returned when an operation targets a Job or Batch
	// that is not in a compatible state. Never retried.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when a Job, Batch or Sermon does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransientExternal marks a network or service hiccup in an external capability.
	ErrTransientExternal = errors.New("transient external failure")
	// ErrPermanentFailure marks a Job whose retry budget is exhausted.
	ErrPermanentFailure = errors.New("permanent failure")
	// ErrLeaseHeld is returned when another worker currently owns the Job.
	// Callers treat it as a no-op.
	ErrLeaseHeld = errors.New("lease held by another worker")
	// ErrLeaseLost is returned when a worker's lease expired or was taken over.
	ErrLeaseLost = errors.New("lease lost")
	// ErrSermonHasJob is returned when a batch would give a sermon a second Job.
	ErrSermonHasJob = fmt.Errorf("%w: sermon already has a job", ErrInvalidState)
)

// JobError wraps a failure scoped to a single Job.
type JobError struct {
	Op    string
	JobID string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError builds a JobError.
func NewJobError(op, jobID string, err error) error {
	return &JobError{Op: op, JobID: jobID, Err: err}
}

// Transient marks err as a transient external failure while keeping the
// original error in the chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientExternal, err)
}
