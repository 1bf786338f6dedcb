package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/domain"
)

// ErrInvalidUpdate is returned when a transition is missing the payload its
// target status requires
var ErrInvalidUpdate = errors.New("invalid transition payload")

// Config holds job storage configuration
type Config struct {
	MaxJobs int
	Logger  *slog.Logger
	Now     func() time.Time // defaults to time.Now
	NewID   func() string    // defaults to uuid.NewString
}

// Stats is a point-in-time view of the store used for health reporting
type Stats struct {
	Total    int
	Active   int
	ByStatus map[domain.Status]int
	MaxJobs  int
}

type entry struct {
	mu  sync.Mutex
	job domain.Job
}

// Storage is a concurrency-safe, capacity-bounded in-memory job repository.
//
// The map itself is guarded by mu; each job is guarded by its own entry
// mutex so unrelated jobs are mutated in parallel. active counts non-terminal
// jobs: it is only incremented while mu is held for writing, which is what
// makes the capacity check in Create race-free.
type Storage struct {
	mu      sync.RWMutex
	jobs    map[string]*entry
	active  atomic.Int64
	maxJobs int
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewStorage creates a new Storage instance
func NewStorage(cfg *Config) *Storage {
	s := &Storage{
		jobs:    make(map[string]*entry),
		maxJobs: cfg.MaxJobs,
		logger:  cfg.Logger,
		now:     cfg.Now,
		newID:   cfg.NewID,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Create admits a new pending job, or fails with ErrCapacityExceeded when the
// store already holds MaxJobs non-terminal jobs. Existing work is never evicted.
func (s *Storage) Create(newJob domain.NewJob) (domain.Job, error) {
	if newJob.Timeout <= 0 {
		return domain.Job{}, fmt.Errorf("%w: must be positive, got %s", domain.ErrInvalidTimeout, newJob.Timeout)
	}

	now := s.now()
	e := &entry{
		job: domain.Job{
			ID:        s.newID(),
			Status:    domain.StatusPending,
			CreatedAt: now,
			ExpiresAt: now.Add(newJob.Timeout),
			AgentID:   newJob.AgentID,
			UserID:    newJob.UserID,
			Prompt:    newJob.Prompt,
		},
	}
	if newJob.Metadata != nil {
		e.job.Metadata = make(map[string]string, len(newJob.Metadata))
		for k, v := range newJob.Metadata {
			e.job.Metadata[k] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Load() >= int64(s.maxJobs) {
		s.logger.Warn("Job admission rejected - capacity exceeded",
			slog.Int("max_jobs", s.maxJobs),
		)
		return domain.Job{}, domain.ErrCapacityExceeded
	}

	if _, exists := s.jobs[e.job.ID]; exists {
		return domain.Job{}, fmt.Errorf("duplicate job id %s", e.job.ID)
	}

	s.jobs[e.job.ID] = e
	s.active.Add(1)

	return e.job.Clone(), nil
}

// Get returns a snapshot of the job with the given id
func (s *Storage) Get(id string) (domain.Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Transition moves a job to next if next is a legal successor of its current
// status. Illegal moves fail with an error wrapping domain.ErrInvalidTransition.
// Moves to domain.StatusTimeout belong to SweepExpired, which checks the
// deadline under the same lock; other callers should not request them.
func (s *Storage) Transition(id string, next domain.Status, update domain.Update) (domain.Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return s.transitionLocked(e, next, update)
}

// transitionLocked applies a transition. Must be called with e.mu held.
func (s *Storage) transitionLocked(e *entry, next domain.Status, update domain.Update) (domain.Job, error) {
	current := e.job.Status
	if !current.CanTransitionTo(next) {
		return domain.Job{}, &domain.TransitionError{JobID: e.job.ID, From: current, To: next}
	}

	now := s.now()
	switch next {
	case domain.StatusPending:
		// no status leads back to pending; CanTransitionTo already refused it
		return domain.Job{}, &domain.TransitionError{JobID: e.job.ID, From: current, To: next}
	case domain.StatusProcessing:
		e.job.StartedAt = now
	case domain.StatusCompleted:
		if update.Result == nil {
			return domain.Job{}, fmt.Errorf("%w: %s requires a result", ErrInvalidUpdate, next)
		}
		result := *update.Result
		e.job.Result = &result
		e.job.CompletedAt = now
	case domain.StatusFailed, domain.StatusTimeout:
		if update.Error == "" {
			return domain.Job{}, fmt.Errorf("%w: %s requires an error message", ErrInvalidUpdate, next)
		}
		e.job.Error = update.Error
		e.job.CompletedAt = now
	default:
		panic(fmt.Sprintf("unhandled job status %q", string(next)))
	}

	e.job.Status = next
	if next.IsTerminal() {
		s.active.Add(-1)
	}

	return e.job.Clone(), nil
}

// SweepExpired forces every non-terminal job whose deadline has passed into
// timeout and returns the jobs it transitioned.
func (s *Storage) SweepExpired() []domain.Job {
	now := s.now()

	var timedOut []domain.Job
	for _, e := range s.entries() {
		e.mu.Lock()
		if !e.job.Status.IsTerminal() && !now.Before(e.job.ExpiresAt) {
			limit := e.job.ExpiresAt.Sub(e.job.CreatedAt)
			msg := fmt.Sprintf("%s: no result received within %ds", domain.ErrTimeout, int64(limit/time.Second))
			job, err := s.transitionLocked(e, domain.StatusTimeout, domain.Update{Error: msg})
			if err != nil {
				s.logger.Error("Failed to time out expired job",
					slog.String("job_id", e.job.ID),
					slog.String("error", err.Error()),
				)
			} else {
				timedOut = append(timedOut, job)
			}
		}
		e.mu.Unlock()
	}

	return timedOut
}

// EvictTerminal removes jobs that have been terminal for longer than maxAge
// and returns how many were removed
func (s *Storage) EvictTerminal(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	var expired []string
	for _, e := range s.entries() {
		e.mu.Lock()
		if e.job.Status.IsTerminal() && e.job.CompletedAt.Before(cutoff) {
			expired = append(expired, e.job.ID)
		}
		e.mu.Unlock()
	}

	if len(expired) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range expired {
		delete(s.jobs, id)
	}

	return len(expired)
}

// HasCapacity reports whether a Create issued now would be admitted. The
// answer is advisory: a concurrent Create may take the last slot.
func (s *Storage) HasCapacity() bool {
	return s.active.Load() < int64(s.maxJobs)
}

// Stats returns totals and per-status counts
func (s *Storage) Stats() Stats {
	stats := Stats{
		ByStatus: make(map[domain.Status]int, len(domain.AllStatuses)),
		MaxJobs:  s.maxJobs,
	}
	for _, status := range domain.AllStatuses {
		stats.ByStatus[status] = 0
	}

	for _, e := range s.entries() {
		e.mu.Lock()
		stats.ByStatus[e.job.Status]++
		if !e.job.Status.IsTerminal() {
			stats.Active++
		}
		e.mu.Unlock()
		stats.Total++
	}

	return stats
}

func (s *Storage) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	return e, ok
}

// entries returns the current entries without holding the map lock afterwards
func (s *Storage) entries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e)
	}
	return out
}
