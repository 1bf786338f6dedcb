package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

const createPaymentProofsTable = `
CREATE TABLE IF NOT EXISTS payment_proofs (
    reference   TEXT PRIMARY KEY,
    payer       TEXT NOT NULL,
    reserved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresGuard is a ReplayGuard backed by the payment_proofs table, so
// references survive restarts and are shared between gateway replicas
type PostgresGuard struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresGuard creates a new PostgreSQL replay guard
func NewPostgresGuard(db *sqlx.DB, logger *slog.Logger) *PostgresGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresGuard{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the payment_proofs table if it does not exist
func (g *PostgresGuard) EnsureSchema(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, createPaymentProofsTable); err != nil {
		return fmt.Errorf("failed to create payment_proofs table: %w", err)
	}
	return nil
}

func (g *PostgresGuard) Reserve(ctx context.Context, ref, payer string) error {
	query := `
		INSERT INTO payment_proofs (reference, payer, reserved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (reference) DO NOTHING
	`

	res, err := g.db.ExecContext(ctx, query, ref, payer, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reserve payment reference: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		g.logger.Warn("Payment reference already reserved",
			slog.String("reference", ref),
			slog.String("payer", payer),
		)
		return ErrReplayedProof
	}

	return nil
}

func (g *PostgresGuard) Release(ctx context.Context, ref string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM payment_proofs WHERE reference = $1`, ref); err != nil {
		return fmt.Errorf("failed to release payment reference: %w", err)
	}
	return nil
}

func (g *PostgresGuard) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := g.db.ExecContext(ctx, `DELETE FROM payment_proofs WHERE reserved_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune payment references: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}
