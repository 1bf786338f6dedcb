package payment

import "errors"

// Header parsing errors
var (
	ErrMalformedHeader = errors.New("malformed payment header")
)

// Requirement mismatch errors
var (
	ErrUnsupportedScheme  = errors.New("unsupported payment scheme")
	ErrInsufficientAmount = errors.New("insufficient payment amount")
	ErrWrongAsset         = errors.New("payment asset does not match requirement")
	ErrWrongNetwork       = errors.New("payment network does not match requirement")
	ErrWrongRecipient     = errors.New("payment recipient does not match requirement")
	ErrInvalidValidity    = errors.New("payment authorization outside accepted validity window")
	ErrReplayedProof      = errors.New("payment proof already used")
)

// Payment infrastructure errors
var (
	ErrFacilitatorUnreachable = errors.New("payment facilitator unreachable")
	ErrSettlementRejected     = errors.New("payment settlement rejected")
)

// Reason maps a payment error to the machine-readable reason returned to clients
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedHeader):
		return "malformed_payment_header"
	case errors.Is(err, ErrUnsupportedScheme):
		return "unsupported_scheme"
	case errors.Is(err, ErrInsufficientAmount):
		return "insufficient_amount"
	case errors.Is(err, ErrWrongAsset):
		return "wrong_asset"
	case errors.Is(err, ErrWrongNetwork):
		return "wrong_network"
	case errors.Is(err, ErrWrongRecipient):
		return "wrong_recipient"
	case errors.Is(err, ErrInvalidValidity):
		return "invalid_validity_window"
	case errors.Is(err, ErrReplayedProof):
		return "payment_already_used"
	case errors.Is(err, ErrFacilitatorUnreachable):
		return "facilitator_unreachable"
	case errors.Is(err, ErrSettlementRejected):
		return "settlement_rejected"
	default:
		return "payment_failed"
	}
}
