package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxValidity bounds how far in the future an authorization may expire
// when VerifierConfig.MaxValidity is unset. It matches the default replay
// retention.
const DefaultMaxValidity = 24 * time.Hour

// VerifierConfig holds verifier configuration
type VerifierConfig struct {
	Facilitator Facilitator
	Guard       ReplayGuard
	Logger      *slog.Logger

	// MaxValidity is the longest remaining lifetime accepted on an
	// authorization. It must not exceed the replay guard retention.
	MaxValidity time.Duration
	Now         func() time.Time
}

// Verifier checks a proof against a requirement and settles it
type Verifier struct {
	facilitator Facilitator
	guard       ReplayGuard
	logger      *slog.Logger
	maxValidity time.Duration
	now         func() time.Time
}

// NewVerifier creates a new Verifier
func NewVerifier(cfg *VerifierConfig) *Verifier {
	v := &Verifier{
		facilitator: cfg.Facilitator,
		guard:       cfg.Guard,
		logger:      cfg.Logger,
		maxValidity: cfg.MaxValidity,
		now:         cfg.Now,
	}
	if v.maxValidity <= 0 {
		v.maxValidity = DefaultMaxValidity
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.guard == nil {
		v.guard = NewMemoryGuard()
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// VerifyAndSettle admits a proof at most once. The local checks run before
// the replay reservation so a mismatched proof never consumes its reference.
func (v *Verifier) VerifyAndSettle(ctx context.Context, proof *Proof, req Requirement) (*Settlement, error) {
	if err := checkRequirement(proof, req); err != nil {
		return nil, err
	}
	if err := v.checkValidity(proof); err != nil {
		return nil, err
	}

	ref := proof.Reference()
	payer := proof.Payer()

	if err := v.guard.Reserve(ctx, ref, payer); err != nil {
		if !errors.Is(err, ErrReplayedProof) {
			return nil, fmt.Errorf("%w: replay guard: %v", ErrFacilitatorUnreachable, err)
		}
		v.logger.Warn("Replayed payment proof rejected",
			slog.String("reference", ref),
			slog.String("payer", payer),
		)
		return nil, err
	}

	settlement, err := v.settle(ctx, proof, req)
	if err != nil {
		if errors.Is(err, ErrFacilitatorUnreachable) {
			if relErr := v.guard.Release(context.WithoutCancel(ctx), ref); relErr != nil {
				v.logger.Error("Failed to release payment reference",
					slog.String("reference", ref),
					slog.String("error", relErr.Error()),
				)
			}
		}
		v.logger.Warn("Payment settlement failed",
			slog.String("reference", ref),
			slog.String("payer", payer),
			slog.String("reason", Reason(err)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	v.logger.Info("Payment settled",
		slog.String("reference", ref),
		slog.String("payer", settlement.Payer),
		slog.String("transaction", settlement.Transaction),
		slog.String("amount", settlement.Amount),
	)

	return settlement, nil
}

func (v *Verifier) settle(ctx context.Context, proof *Proof, req Requirement) (*Settlement, error) {
	verifyResp, err := v.facilitator.Verify(ctx, proof, req)
	if err != nil {
		return nil, err
	}
	if !verifyResp.IsValid {
		return nil, fmt.Errorf("%w: %s", ErrSettlementRejected, verifyResp.InvalidReason)
	}

	settleResp, err := v.facilitator.Settle(ctx, proof, req)
	if err != nil {
		return nil, err
	}
	if !settleResp.Success {
		return nil, fmt.Errorf("%w: %s", ErrSettlementRejected, settleResp.ErrorReason)
	}

	settlement := &Settlement{
		Success:     true,
		Transaction: settleResp.Transaction,
		Network:     settleResp.Network,
		Payer:       settleResp.Payer,
		Amount:      proof.Payload.Authorization.Value,
	}
	if settlement.Transaction == "" {
		settlement.Transaction = proof.Reference()
	}
	if settlement.Network == "" {
		settlement.Network = req.Network
	}
	if settlement.Payer == "" {
		settlement.Payer = proof.Payer()
	}

	return settlement, nil
}

func checkRequirement(proof *Proof, req Requirement) error {
	if proof.Scheme != req.Scheme {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, proof.Scheme)
	}
	if !strings.EqualFold(proof.Network, req.Network) {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongNetwork, proof.Network, req.Network)
	}
	if proof.Asset != "" && !strings.EqualFold(proof.Asset, req.Asset) {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongAsset, proof.Asset, req.Asset)
	}

	auth := proof.Payload.Authorization
	if auth == nil {
		return fmt.Errorf("%w: missing authorization", ErrMalformedHeader)
	}
	if common.HexToAddress(auth.To) != common.HexToAddress(req.PayTo) {
		return fmt.Errorf("%w: got %s", ErrWrongRecipient, auth.To)
	}

	paid, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return fmt.Errorf("%w: invalid value %q", ErrMalformedHeader, auth.Value)
	}
	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return fmt.Errorf("invalid required amount %q", req.MaxAmountRequired)
	}
	if paid.Cmp(required) < 0 {
		return fmt.Errorf("%w: paid %s, required %s", ErrInsufficientAmount, paid, required)
	}

	return nil
}

// checkValidity rejects authorizations that are not usable now, and those
// that stay usable longer than the replay guard remembers a reference.
func (v *Verifier) checkValidity(proof *Proof) error {
	auth := proof.Payload.Authorization
	validAfter, err := parseUnixSeconds(auth.ValidAfter)
	if err != nil {
		return fmt.Errorf("%w: invalid validAfter %q", ErrMalformedHeader, auth.ValidAfter)
	}
	validBefore, err := parseUnixSeconds(auth.ValidBefore)
	if err != nil {
		return fmt.Errorf("%w: invalid validBefore %q", ErrMalformedHeader, auth.ValidBefore)
	}

	now := v.now()
	switch {
	case !validBefore.After(now):
		return fmt.Errorf("%w: expired at %s", ErrInvalidValidity, validBefore.UTC().Format(time.RFC3339))
	case validAfter.After(now):
		return fmt.Errorf("%w: not valid until %s", ErrInvalidValidity, validAfter.UTC().Format(time.RFC3339))
	case validBefore.After(now.Add(v.maxValidity)):
		return fmt.Errorf("%w: valid until %s, longer than %s", ErrInvalidValidity,
			validBefore.UTC().Format(time.RFC3339), v.maxValidity)
	}
	return nil
}
