package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/domain"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/storage"
)

// Dispatcher hands a job to the execution backend. Dispatch must return once
// the request has been accepted for execution, not when execution finishes.
type Dispatcher interface {
	Dispatch(ctx context.Context, exec domain.Execution) error
}

// Delivery describes what happened to a reported result
type Delivery int

const (
	// DeliveryApplied means the result moved the job into a terminal state
	DeliveryApplied Delivery = iota
	// DeliveryDuplicate means the job was already terminal and the result was ignored
	DeliveryDuplicate
	// DeliveryRejected means the result could not be applied (unknown job)
	DeliveryRejected
)

func (d Delivery) String() string {
	switch d {
	case DeliveryApplied:
		return "applied"
	case DeliveryDuplicate:
		return "duplicate"
	case DeliveryRejected:
		return "rejected"
	}
	return fmt.Sprintf("delivery(%d)", int(d))
}

// Config holds job manager configuration
type Config struct {
	Storage          *storage.Storage
	Dispatcher       Dispatcher
	Logger           *slog.Logger
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	MaxPromptBytes   int
	HandoffTimeout   time.Duration
	SweepInterval    time.Duration
	EvictionInterval time.Duration
	Retention        time.Duration
	Now              func() time.Time // defaults to time.Now
}

// SubmitRequest is a request to admit a new job
type SubmitRequest struct {
	Prompt   string
	AgentID  string
	UserID   string
	Timeout  time.Duration // zero selects the default timeout
	Metadata map[string]string
}

// Health summarizes the store for monitoring
type Health struct {
	TotalJobs    int
	ActiveJobs   int
	StatusCounts map[domain.Status]int
	MaxJobs      int
}

// Manager orchestrates the job lifecycle. It is the only component that
// changes job status.
type Manager struct {
	storage          *storage.Storage
	dispatcher       Dispatcher
	logger           *slog.Logger
	defaultTimeout   time.Duration
	maxTimeout       time.Duration
	maxPromptBytes   int
	handoffTimeout   time.Duration
	sweepInterval    time.Duration
	evictionInterval time.Duration
	retention        time.Duration
	now              func() time.Time

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) *Manager {
	m := &Manager{
		storage:          cfg.Storage,
		dispatcher:       cfg.Dispatcher,
		logger:           cfg.Logger,
		defaultTimeout:   cfg.DefaultTimeout,
		maxTimeout:       cfg.MaxTimeout,
		maxPromptBytes:   cfg.MaxPromptBytes,
		handoffTimeout:   cfg.HandoffTimeout,
		sweepInterval:    cfg.SweepInterval,
		evictionInterval: cfg.EvictionInterval,
		retention:        cfg.Retention,
		now:              cfg.Now,
		stopChan:         make(chan struct{}),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.maxTimeout < m.defaultTimeout {
		m.maxTimeout = m.defaultTimeout
	}
	if m.handoffTimeout <= 0 {
		m.handoffTimeout = 5 * time.Second
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = time.Second
	}
	if m.evictionInterval <= 0 {
		m.evictionInterval = time.Minute
	}
	return m
}

// Start launches the deadline sweep and terminal-job eviction loops
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("Starting job manager",
		slog.Duration("sweep_interval", m.sweepInterval),
		slog.Duration("eviction_interval", m.evictionInterval),
		slog.Duration("retention", m.retention),
		slog.Duration("default_timeout", m.defaultTimeout),
	)

	m.wg.Add(2)
	go m.sweepLoop(ctx)
	go m.evictionLoop(ctx)
}

// Stop stops the background loops and waits for them to exit
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping job manager...")
		close(m.stopChan)
	})
	m.wg.Wait()
	m.logger.Info("Job manager stopped")
}

// Validate reports whether Submit would accept req without admitting it.
// Callers that charge for admission check this before taking payment.
func (m *Manager) Validate(req SubmitRequest) error {
	if err := m.validatePrompt(req.Prompt); err != nil {
		return err
	}
	_, err := m.resolveTimeout(req.Timeout)
	return err
}

// Submit validates and admits a job, hands it to the dispatcher and returns
// the job as created. It never waits for execution to finish: a failed
// hand-off is recorded on the job itself and the job stays pollable.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if err := m.validatePrompt(req.Prompt); err != nil {
		return domain.Job{}, err
	}

	timeout, err := m.resolveTimeout(req.Timeout)
	if err != nil {
		return domain.Job{}, err
	}

	job, err := m.storage.Create(domain.NewJob{
		AgentID:  req.AgentID,
		UserID:   req.UserID,
		Prompt:   req.Prompt,
		Timeout:  timeout,
		Metadata: req.Metadata,
	})
	if err != nil {
		return domain.Job{}, err
	}

	m.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("agent_id", job.AgentID),
		slog.String("user_id", job.UserID),
		slog.Time("expires_at", job.ExpiresAt),
	)

	m.handOff(ctx, job)

	return job, nil
}

// handOff dispatches the job and records the outcome of the hand-off
func (m *Manager) handOff(ctx context.Context, job domain.Job) {
	// the caller already paid; a client disconnect must not abort the hand-off
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.handoffTimeout)
	defer cancel()

	exec := domain.Execution{
		JobID:    job.ID,
		AgentID:  job.AgentID,
		UserID:   job.UserID,
		Prompt:   job.Prompt,
		Deadline: job.ExpiresAt,
	}

	if err := m.dispatch(hctx, exec); err != nil {
		m.logger.Error("Job dispatch failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		m.fail(job.ID, fmt.Sprintf("%s: %v", domain.ErrDispatchFailed, err))
		return
	}

	if _, err := m.storage.Transition(job.ID, domain.StatusProcessing, domain.Update{}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// the result, or the sweep, got there first
			m.logger.Debug("Job advanced before hand-off was recorded",
				slog.String("job_id", job.ID),
				slog.String("reason", err.Error()),
			)
			return
		}
		m.logger.Error("Failed to mark job as processing",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	m.logger.Debug("Job handed off",
		slog.String("job_id", job.ID),
	)
}

func (m *Manager) dispatch(ctx context.Context, exec domain.Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()

	if m.dispatcher == nil {
		return errors.New("no dispatcher configured")
	}
	return m.dispatcher.Dispatch(ctx, exec)
}

// fail moves a job to failed, logging rather than returning any error
func (m *Manager) fail(id, message string) {
	if _, err := m.storage.Transition(id, domain.StatusFailed, domain.Update{Error: message}); err != nil {
		m.logger.Warn("Failed to mark job as failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// OnExternalResult applies a result reported by the execution backend.
// Results for jobs that are already terminal are ignored, so duplicate or
// late deliveries are harmless.
func (m *Manager) OnExternalResult(id string, outcome domain.Outcome) (Delivery, error) {
	job, err := m.storage.Get(id)
	if err != nil {
		m.logger.Warn("Result received for unknown job",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return DeliveryRejected, err
	}

	started := job.StartedAt
	switch job.Status {
	case domain.StatusCompleted, domain.StatusFailed, domain.StatusTimeout:
		m.logger.Warn("Ignoring result for terminal job",
			slog.String("job_id", id),
			slog.String("status", job.Status.String()),
		)
		return DeliveryDuplicate, nil
	case domain.StatusPending:
		// a result proves the hand-off succeeded even if it was not recorded yet
		promoted, err := m.storage.Transition(id, domain.StatusProcessing, domain.Update{})
		if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return DeliveryRejected, err
		}
		if err == nil {
			// the start of work was never recorded; measure from creation
			job = promoted
			started = job.CreatedAt
		} else if job, err = m.storage.Get(id); err != nil {
			return DeliveryRejected, err
		} else {
			started = job.StartedAt
		}
	case domain.StatusProcessing:
	default:
		panic(fmt.Sprintf("unhandled job status %q", job.Status.String()))
	}

	next, update := m.resultTransition(job, outcome, started)

	updated, err := m.storage.Transition(id, next, update)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			m.logger.Warn("Result lost race to another terminal transition",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			return DeliveryDuplicate, nil
		}
		m.logger.Error("Failed to apply job result",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return DeliveryRejected, err
	}

	m.logger.Info("Job result applied",
		slog.String("job_id", id),
		slog.String("status", updated.Status.String()),
	)

	return DeliveryApplied, nil
}

func (m *Manager) resultTransition(job domain.Job, outcome domain.Outcome, started time.Time) (domain.Status, domain.Update) {
	if outcome.Failed() {
		return domain.StatusFailed, domain.Update{Error: outcome.Error}
	}
	if strings.TrimSpace(outcome.Content) == "" {
		return domain.StatusFailed, domain.Update{Error: "execution backend returned an empty response"}
	}

	if started.IsZero() {
		started = job.CreatedAt
	}

	return domain.StatusCompleted, domain.Update{
		Result: &domain.Result{
			Content:          outcome.Content,
			ProcessingTimeMs: elapsedMillis(m.now().Sub(started)),
			Model:            outcome.Model,
			TokensUsed:       outcome.TokensUsed,
		},
	}
}

// elapsedMillis rounds up so any measured work reports at least 1ms
func elapsedMillis(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// Status returns the current state of a job
func (m *Manager) Status(id string) (domain.Job, error) {
	return m.storage.Get(id)
}

// HasCapacity reports whether a new job would currently be admitted
func (m *Manager) HasCapacity() bool {
	return m.storage.HasCapacity()
}

// Health reports job counts for monitoring
func (m *Manager) Health() Health {
	stats := m.storage.Stats()
	return Health{
		TotalJobs:    stats.Total,
		ActiveJobs:   stats.Active,
		StatusCounts: stats.ByStatus,
		MaxJobs:      stats.MaxJobs,
	}
}

func (m *Manager) validatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrInvalidPrompt)
	}
	if m.maxPromptBytes > 0 && len(prompt) > m.maxPromptBytes {
		return fmt.Errorf("%w: prompt is %d bytes, limit is %d", domain.ErrInvalidPrompt, len(prompt), m.maxPromptBytes)
	}
	return nil
}

func (m *Manager) resolveTimeout(requested time.Duration) (time.Duration, error) {
	switch {
	case requested == 0:
		return m.defaultTimeout, nil
	case requested < 0:
		return 0, fmt.Errorf("%w: must be positive", domain.ErrInvalidTimeout)
	case requested > m.maxTimeout:
		return 0, fmt.Errorf("%w: %s exceeds maximum %s", domain.ErrInvalidTimeout, requested, m.maxTimeout)
	}
	return requested, nil
}

// sweepLoop periodically forces expired jobs into timeout
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() int {
	timedOut := m.storage.SweepExpired()
	for _, job := range timedOut {
		m.logger.Warn("Job timed out",
			slog.String("job_id", job.ID),
			slog.Time("expires_at", job.ExpiresAt),
		)
	}
	return len(timedOut)
}

// evictionLoop periodically reclaims jobs that have been terminal longer than the retention period
func (m *Manager) evictionLoop(ctx context.Context) {
	defer m.wg.Done()

	if m.retention <= 0 {
		return
	}

	ticker := time.NewTicker(m.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := m.storage.EvictTerminal(m.retention); evicted > 0 {
				m.logger.Info("Evicted terminal jobs",
					slog.Int("count", evicted),
				)
			}
		}
	}
}
