package payment

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReplayGuard records the transaction references that have been accepted
// for settlement so that one proof admits at most one job
type ReplayGuard interface {
	// Reserve claims ref, failing with ErrReplayedProof if it is already held
	Reserve(ctx context.Context, ref, payer string) error
	// Release gives up a reservation whose settlement never happened
	Release(ctx context.Context, ref string) error
	// Prune forgets reservations made before olderThan
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// MemoryGuard is a process-local ReplayGuard
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryGuard creates a new in-memory replay guard
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (g *MemoryGuard) Reserve(_ context.Context, ref, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.seen[ref]; exists {
		return ErrReplayedProof
	}
	g.seen[ref] = g.now()
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.seen, ref)
	return nil
}

func (g *MemoryGuard) Prune(_ context.Context, olderThan time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pruned := 0
	for ref, reservedAt := range g.seen {
		if reservedAt.Before(olderThan) {
			delete(g.seen, ref)
			pruned++
		}
	}
	return pruned, nil
}

// Len returns the number of held reservations
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// RunPruner prunes guard every interval, dropping reservations older than
// retention, until ctx is cancelled
func RunPruner(ctx context.Context, guard ReplayGuard, interval, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := guard.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("Failed to prune payment references",
					slog.String("error", err.Error()),
				)
				continue
			}
			if pruned > 0 {
				logger.Debug("Pruned payment references",
					slog.Int("count", pruned),
				)
			}
		}
	}
}
