package payment

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNetwork = "base-sepolia"
	testAsset   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testPayer   = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
)

func testConfig() Config {
	return Config{
		Network:           testNetwork,
		Asset:             testAsset,
		AssetName:         "USDC",
		AssetVersion:      "2",
		AssetDecimals:     6,
		Price:             "0.015",
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 60,
		Description:       "Agent job execution",
		MimeType:          "application/json",
		ResourceBaseURL:   "http://localhost:8080/",
	}
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(testConfig())
	require.NoError(t, err)
	return codec
}

func testProof(value, nonce string) *Proof {
	return &Proof{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     testNetwork,
		Payload: ProofPayload{
			Signature: "0xdeadbeef",
			Authorization: &Authorization{
				From:        testPayer,
				To:          testPayTo,
				Value:       value,
				ValidAfter:  "0",
				ValidBefore: strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10),
				Nonce:       nonce,
			},
		},
	}
}

func encodeJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func TestAmountToAssetUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{name: "usdc price", amount: "0.015", decimals: 6, want: "15000"},
		{name: "whole units", amount: "2", decimals: 6, want: "2000000"},
		{name: "zero decimals", amount: "7", decimals: 0, want: "7"},
		{name: "eighteen decimals", amount: "0.1", decimals: 18, want: "100000000000000000"},
		{name: "too precise", amount: "0.0000001", decimals: 6, wantErr: true},
		{name: "not a number", amount: "abc", decimals: 6, wantErr: true},
		{name: "negative decimals", amount: "1", decimals: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmountToAssetUnits(tt.amount, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestNewCodec_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "missing network", modify: func(c *Config) { c.Network = "" }},
		{name: "missing asset", modify: func(c *Config) { c.Asset = "" }},
		{name: "missing pay to", modify: func(c *Config) { c.PayTo = "" }},
		{name: "pay to not an address", modify: func(c *Config) { c.PayTo = "merchant" }},
		{name: "zero price", modify: func(c *Config) { c.Price = "0" }},
		{name: "bad price", modify: func(c *Config) { c.Price = "free" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			_, err := NewCodec(cfg)
			assert.Error(t, err)
		})
	}
}

func TestCodec_BuildChallenge(t *testing.T) {
	codec := newTestCodec(t)
	resource := codec.Resource("/jobs")

	accepts := codec.BuildChallenge(resource)
	require.Len(t, accepts, 1)

	req := accepts[0]
	assert.Equal(t, SchemeExact, req.Scheme)
	assert.Equal(t, testNetwork, req.Network)
	assert.Equal(t, "15000", req.MaxAmountRequired)
	assert.Equal(t, "http://localhost:8080/jobs", req.Resource)
	assert.Equal(t, testPayTo, req.PayTo)
	assert.Equal(t, testAsset, req.Asset)
	assert.Equal(t, 60, req.MaxTimeoutSeconds)
	require.NotNil(t, req.Extra)
	assert.Equal(t, "USDC", req.Extra.Name)
	assert.Equal(t, "2", req.Extra.Version)

	assert.Equal(t, accepts, codec.BuildChallenge(resource))
}

func TestCodec_PaymentRequired(t *testing.T) {
	codec := newTestCodec(t)

	body := codec.PaymentRequired(codec.Resource("/jobs"), "X-PAYMENT header is required", "")
	assert.Equal(t, 1, body.X402Version)
	assert.Equal(t, "X-PAYMENT header is required", body.Error)
	assert.Empty(t, body.Reason)
	require.Len(t, body.Accepts, 1)

	data, err := json.Marshal(body)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 1, decoded["x402Version"])
	assert.NotContains(t, decoded, "reason")
	accepts := decoded["accepts"].([]any)
	first := accepts[0].(map[string]any)
	assert.Equal(t, "15000", first["maxAmountRequired"])
	assert.Equal(t, "base-sepolia", first["network"])
}

func TestParseProofHeader(t *testing.T) {
	valid := testProof("15000", "0xabc1")

	t.Run("valid std encoding", func(t *testing.T) {
		proof, err := ParseProofHeader(encodeJSON(t, valid))
		require.NoError(t, err)
		assert.Equal(t, SchemeExact, proof.Scheme)
		assert.Equal(t, testPayer, proof.Payer())
		assert.Equal(t, "0xabc1", proof.Reference())
	})

	t.Run("nonce reference is case insensitive", func(t *testing.T) {
		proof, err := ParseProofHeader(encodeJSON(t, testProof("15000", "0xABC1")))
		require.NoError(t, err)
		assert.Equal(t, "0xabc1", proof.Reference())
	})

	t.Run("valid url encoding", func(t *testing.T) {
		data, err := json.Marshal(valid)
		require.NoError(t, err)
		proof, err := ParseProofHeader(base64.RawURLEncoding.EncodeToString(data))
		require.NoError(t, err)
		assert.Equal(t, "15000", proof.Payload.Authorization.Value)
	})

	t.Run("reference does not depend on header encoding", func(t *testing.T) {
		data, err := json.Marshal(valid)
		require.NoError(t, err)
		std, err := ParseProofHeader(base64.StdEncoding.EncodeToString(data))
		require.NoError(t, err)
		rawURL, err := ParseProofHeader(base64.RawURLEncoding.EncodeToString(data))
		require.NoError(t, err)
		padded, err := ParseProofHeader("  " + base64.StdEncoding.EncodeToString(data) + "\n")
		require.NoError(t, err)

		assert.Equal(t, std.Reference(), rawURL.Reference())
		assert.Equal(t, std.Reference(), padded.Reference())
	})

	malformed := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "not base64", raw: "%%%not-base64%%%"},
		{name: "not json", raw: base64.StdEncoding.EncodeToString([]byte("hello"))},
		{name: "missing scheme", raw: encodeJSON(t, func() *Proof { p := testProof("1", "n"); p.Scheme = ""; return p }())},
		{name: "missing network", raw: encodeJSON(t, func() *Proof { p := testProof("1", "n"); p.Network = ""; return p }())},
		{name: "missing signature", raw: encodeJSON(t, func() *Proof { p := testProof("1", "n"); p.Payload.Signature = ""; return p }())},
		{name: "missing authorization", raw: encodeJSON(t, func() *Proof { p := testProof("1", "n"); p.Payload.Authorization = nil; return p }())},
		{name: "payer not an address", raw: encodeJSON(t, func() *Proof { p := testProof("1", "n"); p.Payload.Authorization.From = "alice"; return p }())},
		{name: "non numeric value", raw: encodeJSON(t, testProof("lots", "n"))},
		{name: "missing nonce", raw: encodeJSON(t, testProof("15000", ""))},
		{name: "blank nonce", raw: encodeJSON(t, testProof("15000", "   "))},
		{name: "non numeric valid before", raw: encodeJSON(t, func() *Proof { p := testProof("1", "n"); p.Payload.Authorization.ValidBefore = "soon"; return p }())},
		{name: "negative valid after", raw: encodeJSON(t, func() *Proof { p := testProof("1", "n"); p.Payload.Authorization.ValidAfter = "-5"; return p }())},
	}

	for _, tt := range malformed {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProofHeader(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedHeader)
			assert.Equal(t, "malformed_payment_header", Reason(err))
		})
	}
}

func TestSettlementHeader(t *testing.T) {
	settlement := &Settlement{
		Success:     true,
		Transaction: "0xfeed",
		Network:     testNetwork,
		Payer:       testPayer,
		Amount:      "15000",
	}

	raw, err := EncodeSettlementHeader(settlement)
	require.NoError(t, err)

	decoded, err := DecodeSettlementHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, settlement, decoded)
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "insufficient_amount", Reason(ErrInsufficientAmount))
	assert.Equal(t, "payment_already_used", Reason(ErrReplayedProof))
	assert.Equal(t, "invalid_validity_window", Reason(ErrInvalidValidity))
	assert.Equal(t, "facilitator_unreachable", Reason(ErrFacilitatorUnreachable))
	assert.Equal(t, "payment_failed", Reason(assert.AnError))
}
