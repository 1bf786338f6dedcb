package payment

import "strings"

// Version is the x402 protocol version spoken by this gateway
const Version = 1

// Header names
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// SchemeExact is the only supported payment scheme
const SchemeExact = "exact"

// Requirement describes what a client must pay to access a resource
type Requirement struct {
	Scheme            string           `json:"scheme"`
	Network           string           `json:"network"`
	MaxAmountRequired string           `json:"maxAmountRequired"`
	Resource          string           `json:"resource"`
	Description       string           `json:"description"`
	MimeType          string           `json:"mimeType,omitempty"`
	PayTo             string           `json:"payTo"`
	MaxTimeoutSeconds int              `json:"maxTimeoutSeconds"`
	Asset             string           `json:"asset"`
	Extra             *RequirementInfo `json:"extra,omitempty"`
}

// RequirementInfo carries the token EIP-712 domain the payer signs against
type RequirementInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// PaymentRequired is the body of a 402 response
type PaymentRequired struct {
	X402Version int           `json:"x402Version"`
	Error       string        `json:"error"`
	Reason      string        `json:"reason,omitempty"`
	Accepts     []Requirement `json:"accepts"`
}

// Authorization is the signed transfer authorization inside a proof
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ProofPayload is the scheme-specific part of a proof
type ProofPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// Proof is a decoded X-PAYMENT header
type Proof struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Asset       string       `json:"asset,omitempty"`
	Payload     ProofPayload `json:"payload"`
}

// Reference returns the transaction reference used for replay protection:
// the lower-cased authorization nonce. Proofs without a nonce never get past
// ParseProofHeader, so the reference is independent of how the header was
// encoded.
func (p *Proof) Reference() string {
	if p.Payload.Authorization == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(p.Payload.Authorization.Nonce))
}

// Payer returns the paying address
func (p *Proof) Payer() string {
	if p.Payload.Authorization == nil {
		return ""
	}
	return p.Payload.Authorization.From
}

// Settlement is a facilitator-confirmed payment
type Settlement struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
	Amount      string `json:"amount,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// VerifyResponse is the facilitator's answer to /verify
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to /settle
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}
