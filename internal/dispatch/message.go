package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/domain"
)

// ContentTypeJSON is the content type of every queued message
const ContentTypeJSON = "application/json"

// ErrInvalidMessage is returned when a queued message fails validation
var ErrInvalidMessage = errors.New("invalid message")

// RequestMessage asks a worker to execute a job
type RequestMessage struct {
	JobID    string    `json:"job_id"`
	AgentID  string    `json:"agent_id,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	Prompt   string    `json:"prompt"`
	Deadline time.Time `json:"deadline"`
}

// NewRequestMessage builds the queued form of an execution
func NewRequestMessage(exec domain.Execution) RequestMessage {
	return RequestMessage{
		JobID:    exec.JobID,
		AgentID:  exec.AgentID,
		UserID:   exec.UserID,
		Prompt:   exec.Prompt,
		Deadline: exec.Deadline.UTC(),
	}
}

// Validate checks that the message can be executed
func (m RequestMessage) Validate() error {
	if _, err := uuid.Parse(m.JobID); err != nil {
		return fmt.Errorf("%w: job_id is not a UUID: %v", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(m.Prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidMessage)
	}
	if m.Deadline.IsZero() {
		return fmt.Errorf("%w: deadline is missing", ErrInvalidMessage)
	}
	return nil
}

// ResultMessage reports the outcome of an execution
type ResultMessage struct {
	JobID      string `json:"job_id"`
	WorkerID   string `json:"worker_id,omitempty"`
	Content    string `json:"content,omitempty"`
	Model      string `json:"model,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewResultMessage builds the queued form of an outcome
func NewResultMessage(jobID, workerID string, outcome domain.Outcome) ResultMessage {
	return ResultMessage{
		JobID:      jobID,
		WorkerID:   workerID,
		Content:    outcome.Content,
		Model:      outcome.Model,
		TokensUsed: outcome.TokensUsed,
		Error:      outcome.Error,
	}
}

// Validate checks that the message refers to a job
func (m ResultMessage) Validate() error {
	if _, err := uuid.Parse(m.JobID); err != nil {
		return fmt.Errorf("%w: job_id is not a UUID: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Outcome converts the message back to a domain outcome
func (m ResultMessage) Outcome() domain.Outcome {
	return domain.Outcome{
		Content:    m.Content,
		Model:      m.Model,
		TokensUsed: m.TokensUsed,
		Error:      m.Error,
	}
}
