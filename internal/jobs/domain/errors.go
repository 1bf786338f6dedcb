package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job id is unknown to the store
	ErrNotFound = errors.New("job not found")

	// ErrCapacityExceeded is returned when admitting a job would exceed the
	// configured number of non-terminal jobs
	ErrCapacityExceeded = errors.New("job capacity exceeded")

	// ErrInvalidTransition is returned when a status change is not a legal
	// successor of the job's current status
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrDispatchFailed is recorded on a job whose hand-off to the execution
	// backend failed
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrTimeout is recorded on a job whose deadline passed without a result
	ErrTimeout = errors.New("job timed out")

	// ErrInvalidPrompt is returned when the prompt is empty or too large
	ErrInvalidPrompt = errors.New("invalid prompt")

	// ErrInvalidTimeout is returned when a requested timeout is out of bounds
	ErrInvalidTimeout = errors.New("invalid timeout")
)

// TransitionError describes a rejected status change
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: job %s %s -> %s", ErrInvalidTransition, e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
