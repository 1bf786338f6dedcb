package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config describes the single price every paid resource is sold at
type Config struct {
	Network           string
	Asset             string
	AssetName         string
	AssetVersion      string
	AssetDecimals     int
	Price             string // decimal amount in whole asset units, e.g. "0.015"
	PayTo             string
	MaxTimeoutSeconds int
	Description       string
	MimeType          string
	ResourceBaseURL   string
}

// Codec builds payment challenges and translates the payment headers
type Codec struct {
	cfg    Config
	amount string
}

// NewCodec creates a new Codec, converting the configured price to asset units
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Network == "" {
		return nil, errors.New("payment network is required")
	}
	if !common.IsHexAddress(cfg.Asset) {
		return nil, fmt.Errorf("payment asset is not an address: %q", cfg.Asset)
	}
	if !common.IsHexAddress(cfg.PayTo) {
		return nil, fmt.Errorf("payment recipient is not an address: %q", cfg.PayTo)
	}

	units, err := AmountToAssetUnits(cfg.Price, cfg.AssetDecimals)
	if err != nil {
		return nil, fmt.Errorf("invalid price: %w", err)
	}
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("invalid price: must be positive, got %s", cfg.Price)
	}

	return &Codec{
		cfg:    cfg,
		amount: units.String(),
	}, nil
}

// AmountToAssetUnits converts a decimal amount to integer units of an asset
// with the given number of decimals. Amounts finer than one unit are refused.
func AmountToAssetUnits(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("decimals must not be negative, got %d", decimals)
	}

	value, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	if !ok {
		return nil, fmt.Errorf("not a decimal amount: %q", amount)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value.Mul(value, new(big.Rat).SetInt(scale))
	if !value.IsInt() {
		return nil, fmt.Errorf("amount %s has more precision than %d decimals", amount, decimals)
	}

	return new(big.Int).Set(value.Num()), nil
}

// Amount returns the required amount in asset units
func (c *Codec) Amount() string {
	return c.amount
}

// Resource returns the absolute resource URL for a request path
func (c *Codec) Resource(path string) string {
	return strings.TrimSuffix(c.cfg.ResourceBaseURL, "/") + path
}

// Requirement returns the payment requirement for a resource
func (c *Codec) Requirement(resource string) Requirement {
	req := Requirement{
		Scheme:            SchemeExact,
		Network:           c.cfg.Network,
		MaxAmountRequired: c.amount,
		Resource:          resource,
		Description:       c.cfg.Description,
		MimeType:          c.cfg.MimeType,
		PayTo:             c.cfg.PayTo,
		MaxTimeoutSeconds: c.cfg.MaxTimeoutSeconds,
		Asset:             c.cfg.Asset,
	}
	if c.cfg.AssetName != "" || c.cfg.AssetVersion != "" {
		req.Extra = &RequirementInfo{
			Name:    c.cfg.AssetName,
			Version: c.cfg.AssetVersion,
		}
	}
	return req
}

// BuildChallenge lists the accepted ways to pay for a resource
func (c *Codec) BuildChallenge(resource string) []Requirement {
	return []Requirement{c.Requirement(resource)}
}

// PaymentRequired builds a 402 body. reason is empty when no proof was sent.
func (c *Codec) PaymentRequired(resource, message, reason string) PaymentRequired {
	return PaymentRequired{
		X402Version: Version,
		Error:       message,
		Reason:      reason,
		Accepts:     c.BuildChallenge(resource),
	}
}

// ParseProofHeader decodes and structurally validates an X-PAYMENT header.
// It performs no signature or balance checks.
func ParseProofHeader(raw string) (*Proof, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty header", ErrMalformedHeader)
	}

	data, err := decodeBase64(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrMalformedHeader)
	}

	var proof Proof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrMalformedHeader, err)
	}

	if proof.Scheme == "" {
		return nil, fmt.Errorf("%w: missing scheme", ErrMalformedHeader)
	}
	if proof.Network == "" {
		return nil, fmt.Errorf("%w: missing network", ErrMalformedHeader)
	}
	if proof.Payload.Signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedHeader)
	}

	auth := proof.Payload.Authorization
	if auth == nil {
		return nil, fmt.Errorf("%w: missing authorization", ErrMalformedHeader)
	}
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("%w: invalid payer or recipient address", ErrMalformedHeader)
	}
	if _, ok := new(big.Int).SetString(auth.Value, 10); !ok {
		return nil, fmt.Errorf("%w: invalid value %q", ErrMalformedHeader, auth.Value)
	}
	if strings.TrimSpace(auth.Nonce) == "" {
		return nil, fmt.Errorf("%w: missing nonce", ErrMalformedHeader)
	}
	if _, err := parseUnixSeconds(auth.ValidAfter); err != nil {
		return nil, fmt.Errorf("%w: invalid validAfter %q", ErrMalformedHeader, auth.ValidAfter)
	}
	if _, err := parseUnixSeconds(auth.ValidBefore); err != nil {
		return nil, fmt.Errorf("%w: invalid validBefore %q", ErrMalformedHeader, auth.ValidBefore)
	}

	return &proof, nil
}

// EncodeSettlementHeader encodes a settlement as an X-PAYMENT-RESPONSE value
func EncodeSettlementHeader(s *Settlement) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeProofHeader encodes a proof as an X-PAYMENT value
func EncodeProofHeader(p *Proof) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlementHeader decodes an X-PAYMENT-RESPONSE value
func DecodeSettlementHeader(raw string) (*Settlement, error) {
	data, err := decodeBase64(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	var s Settlement
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return &s, nil
}

func decodeBase64(raw string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if data, err := enc.DecodeString(raw); err == nil {
			return data, nil
		}
	}
	return nil, errors.New("not base64")
}

// parseUnixSeconds reads an authorization validity bound
func parseUnixSeconds(raw string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if secs < 0 {
		return time.Time{}, fmt.Errorf("negative timestamp %d", secs)
	}
	return time.Unix(secs, 0), nil
}
