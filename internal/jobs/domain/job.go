package domain

import (
	"maps"
	"time"
)

// Result is the response content attached to a completed job
type Result struct {
	Content          string
	ProcessingTimeMs int64
	Model            string
	TokensUsed       int
}

// Job is a unit of paid asynchronous work
type Job struct {
	ID          string
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   time.Time
	StartedAt   time.Time // zero until processing begins
	CompletedAt time.Time // zero until terminal
	AgentID     string
	UserID      string
	Prompt      string
	Result      *Result // set iff Status == StatusCompleted
	Error       string  // set iff Status is failed or timeout
	Metadata    map[string]string
}

// Clone returns a deep copy so callers never share mutable state with the store
func (j *Job) Clone() Job {
	out := *j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.Metadata != nil {
		out.Metadata = maps.Clone(j.Metadata)
	}
	return out
}

// NewJob holds the caller-supplied fields of a job to create
type NewJob struct {
	AgentID  string
	UserID   string
	Prompt   string
	Timeout  time.Duration
	Metadata map[string]string
}

// Update carries the payload applied together with a status transition
type Update struct {
	Result *Result
	Error  string
}

// Execution is the request handed to the execution backend
type Execution struct {
	JobID    string
	AgentID  string
	UserID   string
	Prompt   string
	Deadline time.Time
}

// Outcome is what the execution backend reports for a job
type Outcome struct {
	Content    string
	Model      string
	TokensUsed int
	Error      string
}

// Failed reports whether the backend reported an error
func (o Outcome) Failed() bool {
	return o.Error != ""
}
