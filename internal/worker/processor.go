package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tiulinh/otaku-agent-sub003/internal/dispatch"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/domain"
)

// processJob runs one request and publishes its result. Requests whose job
// deadline passes mid-run publish nothing; the gateway times them out.
func (w *Worker) processJob(ctx context.Context, req dispatch.RequestMessage) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	now := time.Now()
	if !now.Before(req.Deadline) {
		w.logger.Warn("Skipping expired job",
			slog.String("job_id", req.JobID),
			slog.Time("deadline", req.Deadline),
		)
		return fmt.Errorf("%w: %s", ErrDeadlinePassed, req.JobID)
	}

	deadline := req.Deadline
	if w.jobTimeout > 0 && now.Add(w.jobTimeout).Before(deadline) {
		deadline = now.Add(w.jobTimeout)
	}

	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	w.logger.Info("Processing job",
		slog.String("job_id", req.JobID),
		slog.String("agent_id", req.AgentID),
		slog.Time("deadline", deadline),
	)

	outcome, err := dispatch.Execute(jobCtx, w.executor, domain.Execution{
		JobID:    req.JobID,
		AgentID:  req.AgentID,
		UserID:   req.UserID,
		Prompt:   req.Prompt,
		Deadline: req.Deadline,
	})
	if err != nil && jobCtx.Err() != nil {
		switch {
		case ctx.Err() != nil:
			return NewRetryableError(fmt.Errorf("job interrupted by shutdown: %w", ctx.Err()))
		case !time.Now().Before(req.Deadline):
			w.logger.Warn("Job deadline passed during execution",
				slog.String("job_id", req.JobID),
			)
			return nil
		default:
			outcome = domain.Outcome{Error: fmt.Sprintf("execution exceeded worker time limit of %s", w.jobTimeout)}
		}
	}

	body, err := json.Marshal(dispatch.NewResultMessage(req.JobID, w.workerID, outcome))
	if err != nil {
		return fmt.Errorf("failed to marshal result message: %w", err)
	}

	if err := w.broker.PublishWithRetry(ctx, w.resultsRoutingKey, body, dispatch.ContentTypeJSON); err != nil {
		return NewRetryableError(fmt.Errorf("failed to publish result: %w", err))
	}

	w.logger.Info("Job result published",
		slog.String("job_id", req.JobID),
		slog.Bool("failed", outcome.Failed()),
	)

	return nil
}
