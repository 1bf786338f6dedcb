package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	mimeApplicationJSON = "application/json"

	// maxFacilitatorBody caps how much of a facilitator response is read
	maxFacilitatorBody = 1 << 20
)

// Facilitator verifies and settles payment proofs
type Facilitator interface {
	Verify(ctx context.Context, proof *Proof, req Requirement) (*VerifyResponse, error)
	Settle(ctx context.Context, proof *Proof, req Requirement) (*SettleResponse, error)
}

// FacilitatorConfig holds facilitator client configuration
type FacilitatorConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPFacilitator talks to an x402 facilitator over HTTP
type HTTPFacilitator struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPFacilitator creates a new facilitator client
func NewHTTPFacilitator(cfg *FacilitatorConfig) *HTTPFacilitator {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPFacilitator{
		url:        strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}
}

type facilitatorRequest struct {
	X402Version         int         `json:"x402Version"`
	PaymentPayload      *Proof      `json:"paymentPayload"`
	PaymentRequirements Requirement `json:"paymentRequirements"`
}

// Verify asks the facilitator whether a proof satisfies a requirement
func (f *HTTPFacilitator) Verify(ctx context.Context, proof *Proof, req Requirement) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := f.post(ctx, "/verify", proof, req, &resp); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	return &resp, nil
}

// Settle asks the facilitator to execute a verified payment
func (f *HTTPFacilitator) Settle(ctx context.Context, proof *Proof, req Requirement) (*SettleResponse, error) {
	var resp SettleResponse
	if err := f.post(ctx, "/settle", proof, req, &resp); err != nil {
		return nil, fmt.Errorf("settle: %w", err)
	}
	return &resp, nil
}

// post sends one facilitator call. Transport failures and 5xx responses wrap
// ErrFacilitatorUnreachable; other non-200 responses wrap ErrSettlementRejected.
func (f *HTTPFacilitator) post(ctx context.Context, path string, proof *Proof, req Requirement, out any) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         Version,
		PaymentPayload:      proof,
		PaymentRequirements: req,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set(headerContentType, mimeApplicationJSON)
	if f.apiKey != "" {
		httpReq.Header.Set(headerAuthorization, "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFacilitatorUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorBody))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrFacilitatorUnreachable, err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrFacilitatorUnreachable, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s: %s", ErrSettlementRejected, resp.Status, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrFacilitatorUnreachable, err)
	}

	return nil
}
