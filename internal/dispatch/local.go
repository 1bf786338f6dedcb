package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tiulinh/otaku-agent-sub003/internal/agent"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/domain"
)

var (
	// ErrQueueFull is returned when the local pool cannot accept more work in time
	ErrQueueFull = errors.New("local execution queue full")

	// ErrStopped is returned by dispatchers that have been stopped
	ErrStopped = errors.New("dispatcher stopped")
)

// ResultSink receives execution outcomes
type ResultSink interface {
	OnExternalResult(id string, outcome domain.Outcome) (jobs.Delivery, error)
}

// LocalConfig holds in-process dispatcher configuration
type LocalConfig struct {
	Executor    agent.Executor
	Concurrency int
	QueueSize   int
	Logger      *slog.Logger
}

// Local executes jobs on an in-process worker pool
type Local struct {
	executor    agent.Executor
	concurrency int
	tasks       chan domain.Execution
	sink        ResultSink
	logger      *slog.Logger
	wg          sync.WaitGroup
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewLocal creates a new in-process dispatcher
func NewLocal(cfg *LocalConfig) *Local {
	concurrency := max(cfg.Concurrency, 1)
	queueSize := max(cfg.QueueSize, 0)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Local{
		executor:    cfg.Executor,
		concurrency: concurrency,
		tasks:       make(chan domain.Execution, queueSize),
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start spawns the worker pool. Outcomes are reported to sink.
func (l *Local) Start(ctx context.Context, sink ResultSink) {
	l.sink = sink

	l.logger.Info("Spawning local worker pool",
		slog.Int("concurrency", l.concurrency),
		slog.Int("queue_size", cap(l.tasks)),
	)

	for i := 0; i < l.concurrency; i++ {
		l.wg.Add(1)
		go l.workerLoop(ctx, i)
	}
}

// Stop stops the pool and waits for running executions to return
func (l *Local) Stop() {
	l.stopOnce.Do(func() {
		l.logger.Info("Stopping local worker pool...")
		close(l.stopChan)
		l.wg.Wait()
		l.logger.Info("Local worker pool stopped")
	})
}

// Dispatch queues an execution, waiting until ctx is done for a free slot
func (l *Local) Dispatch(ctx context.Context, exec domain.Execution) error {
	select {
	case <-l.stopChan:
		return ErrStopped
	default:
	}

	select {
	case l.tasks <- exec:
		return nil
	case <-l.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err())
	}
}

func (l *Local) workerLoop(ctx context.Context, workerNum int) {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		case exec := <-l.tasks:
			l.logger.Debug("Local worker received job",
				slog.Int("worker_num", workerNum),
				slog.String("job_id", exec.JobID),
			)
			l.run(ctx, exec)
		}
	}
}

// run executes one job bounded by its deadline and reports the outcome.
// Executions cut short by the deadline are left for the timeout sweep.
func (l *Local) run(ctx context.Context, exec domain.Execution) {
	execCtx, cancel := context.WithDeadline(ctx, exec.Deadline)
	defer cancel()

	outcome, err := Execute(execCtx, l.executor, exec)
	if err != nil && execCtx.Err() != nil {
		l.logger.Warn("Execution interrupted before completion",
			slog.String("job_id", exec.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	delivery, err := l.sink.OnExternalResult(exec.JobID, outcome)
	if err != nil {
		l.logger.Error("Failed to report execution result",
			slog.String("job_id", exec.JobID),
			slog.String("delivery", delivery.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Execute runs exec on executor, converting executor errors and panics into
// failed outcomes. The returned error is only set for executor errors.
func Execute(ctx context.Context, executor agent.Executor, exec domain.Execution) (outcome domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = domain.Outcome{Error: fmt.Sprintf("agent panic: %v", r)}
			err = nil
		}
	}()

	started := time.Now()
	resp, err := executor.Execute(ctx, agent.Request{
		JobID:   exec.JobID,
		AgentID: exec.AgentID,
		UserID:  exec.UserID,
		Prompt:  exec.Prompt,
	})
	if err != nil {
		return domain.Outcome{Error: fmt.Sprintf("agent execution failed after %s: %v", time.Since(started).Round(time.Millisecond), err)}, err
	}

	return domain.Outcome{
		Content:    resp.Content,
		Model:      resp.Model,
		TokensUsed: resp.TokensUsed,
	}, nil
}
