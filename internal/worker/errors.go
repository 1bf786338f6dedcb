package worker

import "errors"

var (
	// ErrInvalidPayload is returned when a request message is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrDeadlinePassed is returned for requests whose job has already expired
	ErrDeadlinePassed = errors.New("job deadline passed")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
