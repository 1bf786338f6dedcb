package dto

import (
	"time"

	"github.com/tiulinh/otaku-agent-sub003/internal/jobs"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/domain"
)

type CreateJobRequest struct {
	Prompt         string            `json:"prompt" binding:"required"`
	AgentID        string            `json:"agentId"`
	UserID         string            `json:"userId"`
	TimeoutSeconds int               `json:"timeoutSeconds" binding:"gte=0"`
	Metadata       map[string]string `json:"metadata"`
}

// Timeout returns the requested timeout, zero when the caller left it unset
func (r *CreateJobRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

type CreateJobResponse struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

type ResultDTO struct {
	Content          string `json:"content"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	Model            string `json:"model,omitempty"`
	TokensUsed       int    `json:"tokensUsed,omitempty"`
}

type JobDTO struct {
	JobID       string            `json:"jobId"`
	Status      string            `json:"status"`
	CreatedAt   int64             `json:"createdAt"`
	ExpiresAt   int64             `json:"expiresAt"`
	StartedAt   *int64            `json:"startedAt,omitempty"`
	CompletedAt *int64            `json:"completedAt,omitempty"`
	AgentID     string            `json:"agentId,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	Prompt      string            `json:"prompt"`
	Result      *ResultDTO        `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type HealthResponse struct {
	Healthy      bool           `json:"healthy"`
	Timestamp    int64          `json:"timestamp"`
	TotalJobs    int            `json:"totalJobs"`
	ActiveJobs   int            `json:"activeJobs"`
	StatusCounts map[string]int `json:"statusCounts"`
	MaxJobs      int            `json:"maxJobs"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewCreateJobResponse(job domain.Job) CreateJobResponse {
	return CreateJobResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt.UnixMilli(),
		ExpiresAt: job.ExpiresAt.UnixMilli(),
	}
}

func NewJobDTO(job domain.Job) JobDTO {
	out := JobDTO{
		JobID:       job.ID,
		Status:      string(job.Status),
		CreatedAt:   job.CreatedAt.UnixMilli(),
		ExpiresAt:   job.ExpiresAt.UnixMilli(),
		StartedAt:   optionalMillis(job.StartedAt),
		CompletedAt: optionalMillis(job.CompletedAt),
		AgentID:     job.AgentID,
		UserID:      job.UserID,
		Prompt:      job.Prompt,
		Error:       job.Error,
		Metadata:    job.Metadata,
	}
	if job.Result != nil {
		out.Result = &ResultDTO{
			Content:          job.Result.Content,
			ProcessingTimeMs: job.Result.ProcessingTimeMs,
			Model:            job.Result.Model,
			TokensUsed:       job.Result.TokensUsed,
		}
	}
	return out
}

func NewHealthResponse(health jobs.Health, healthy bool, now time.Time) HealthResponse {
	counts := make(map[string]int, len(health.StatusCounts))
	for status, n := range health.StatusCounts {
		counts[string(status)] = n
	}
	return HealthResponse{
		Healthy:      healthy,
		Timestamp:    now.UnixMilli(),
		TotalJobs:    health.TotalJobs,
		ActiveJobs:   health.ActiveJobs,
		StatusCounts: counts,
		MaxJobs:      health.MaxJobs,
	}
}

func optionalMillis(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
