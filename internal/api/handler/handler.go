package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tiulinh/otaku-agent-sub003/internal/jobs"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/domain"
	"github.com/tiulinh/otaku-agent-sub003/internal/payment"
)

// JobManager is the job lifecycle surface the handlers need
type JobManager interface {
	Validate(req jobs.SubmitRequest) error
	Submit(ctx context.Context, req jobs.SubmitRequest) (domain.Job, error)
	Status(id string) (domain.Job, error)
	HasCapacity() bool
	Health() jobs.Health
}

// PaymentVerifier checks and settles payment proofs
type PaymentVerifier interface {
	VerifyAndSettle(ctx context.Context, proof *payment.Proof, req payment.Requirement) (*payment.Settlement, error)
}

// HealthChecker is an optional backing dependency reported by the health endpoint
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Manager  JobManager
	Codec    *payment.Codec
	Verifier PaymentVerifier
	Database HealthChecker // nil unless the replay guard is durable
	Now      func() time.Time
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger   *slog.Logger
	manager  JobManager
	codec    *payment.Codec
	verifier PaymentVerifier
	database HealthChecker
	now      func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	h := &JobHandler{
		logger:   deps.Logger,
		manager:  deps.Manager,
		codec:    deps.Codec,
		verifier: deps.Verifier,
		database: deps.Database,
		now:      deps.Now,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}
