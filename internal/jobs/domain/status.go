package domain

import "fmt"

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusTimeout,
}

// ParseStatus converts a wire value into a Status
func ParseStatus(s string) (Status, error) {
	for _, status := range AllStatuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPending, StatusProcessing:
		return false
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	panic(fmt.Sprintf("unhandled job status %q", string(s)))
}

// CanTransitionTo reports whether next is a legal successor of s.
//
//	pending    -> processing | failed | timeout
//	processing -> completed | failed | timeout
//	terminal   -> (none)
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed || next == StatusTimeout
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusTimeout
	case StatusCompleted, StatusFailed, StatusTimeout:
		return false
	}
	panic(fmt.Sprintf("unhandled job status %q", string(s)))
}

func (s Status) String() string {
	return string(s)
}
