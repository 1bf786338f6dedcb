package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiulinh/otaku-agent-sub003/internal/api/dto"
	"github.com/tiulinh/otaku-agent-sub003/internal/api/handler"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/domain"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/storage"
	"github.com/tiulinh/otaku-agent-sub003/internal/payment"
)

const (
	testNetwork = "base-sepolia"
	testAsset   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testPayer   = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeFacilitator struct {
	settleCalls atomic.Int32
}

func (f *fakeFacilitator) Verify(_ context.Context, proof *payment.Proof, _ payment.Requirement) (*payment.VerifyResponse, error) {
	return &payment.VerifyResponse{IsValid: true, Payer: proof.Payer()}, nil
}

func (f *fakeFacilitator) Settle(_ context.Context, proof *payment.Proof, req payment.Requirement) (*payment.SettleResponse, error) {
	f.settleCalls.Add(1)
	return &payment.SettleResponse{
		Success:     true,
		Transaction: "0xtx-" + proof.Reference(),
		Network:     req.Network,
		Payer:       proof.Payer(),
	}, nil
}

type recordingDispatcher struct {
	mu         sync.Mutex
	executions []domain.Execution
}

func (d *recordingDispatcher) Dispatch(_ context.Context, exec domain.Execution) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executions = append(d.executions, exec)
	return nil
}

type failingDatabase struct{}

func (failingDatabase) HealthCheck(context.Context) error { return errors.New("connection refused") }

// racingManager admits nothing, as if another request took the last slot
// between the capacity pre-check and admission
type racingManager struct {
	*jobs.Manager
}

func (racingManager) Submit(context.Context, jobs.SubmitRequest) (domain.Job, error) {
	return domain.Job{}, domain.ErrCapacityExceeded
}

type testServer struct {
	engine      *gin.Engine
	manager     *jobs.Manager
	facilitator *fakeFacilitator
	dispatcher  *recordingDispatcher
}

type serverOption func(*handler.Dependencies)

func newTestServer(t *testing.T, maxJobs int, opts ...serverOption) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dispatcher := &recordingDispatcher{}
	manager := jobs.NewManager(&jobs.Config{
		Storage:        storage.NewStorage(&storage.Config{MaxJobs: maxJobs, Logger: logger}),
		Dispatcher:     dispatcher,
		Logger:         logger,
		DefaultTimeout: 180 * time.Second,
		MaxTimeout:     600 * time.Second,
		MaxPromptBytes: 1024,
		HandoffTimeout: time.Second,
		SweepInterval:  time.Hour,
		Retention:      time.Hour,
	})

	codec, err := payment.NewCodec(payment.Config{
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
		ResourceBaseURL:   "http://localhost:8080",
	})
	require.NoError(t, err)

	facilitator := &fakeFacilitator{}
	deps := &handler.Dependencies{
		Logger:   logger,
		Manager:  manager,
		Codec:    codec,
		Verifier: payment.NewVerifier(&payment.VerifierConfig{Facilitator: facilitator, Logger: logger}),
	}
	for _, opt := range opts {
		opt(deps)
	}

	return &testServer{
		engine:      SetupRouter(deps, Config{ServiceName: "agent-gateway"}),
		manager:     manager,
		facilitator: facilitator,
		dispatcher:  dispatcher,
	}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func proofHeader(t *testing.T, value, nonce string) string {
	t.Helper()
	raw, err := payment.EncodeProofHeader(&payment.Proof{
		X402Version: payment.Version,
		Scheme:      payment.SchemeExact,
		Network:     testNetwork,
		Payload: payment.ProofPayload{
			Signature: "0xdeadbeef",
			Authorization: &payment.Authorization{
				From:        testPayer,
				To:          testPayTo,
				Value:       value,
				ValidAfter:  "0",
				ValidBefore: strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10),
				Nonce:       nonce,
			},
		},
	})
	require.NoError(t, err)
	return raw
}

func paid(t *testing.T, nonce string) map[string]string {
	return map[string]string{payment.HeaderPayment: proofHeader(t, "15000", nonce)}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestCreateJob_ChallengeWithoutPayment(t *testing.T) {
	s := newTestServer(t, 10)

	w := s.do(http.MethodPost, "/jobs", `{"prompt":"ping"}`, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	body := decode[payment.PaymentRequired](t, w)
	assert.Equal(t, payment.Version, body.X402Version)
	assert.Equal(t, "X-PAYMENT header is required", body.Error)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "15000", body.Accepts[0].MaxAmountRequired)
	assert.Equal(t, "http://localhost:8080/jobs", body.Accepts[0].Resource)
	assert.Equal(t, testPayTo, body.Accepts[0].PayTo)

	assert.Equal(t, 0, s.manager.Health().TotalJobs)
}

func TestCreateJob_RejectedBeforeCharging(t *testing.T) {
	tests := []struct {
		name       string
		maxJobs    int
		prefill    int
		body       string
		headers    map[string]string
		wantStatus int
		wantReason string
	}{
		{
			name:       "malformed header",
			maxJobs:    10,
			body:       `{"prompt":"ping"}`,
			headers:    map[string]string{payment.HeaderPayment: "%%%"},
			wantStatus: http.StatusBadRequest,
			wantReason: "malformed_payment_header",
		},
		{
			name:       "invalid json",
			maxJobs:    10,
			body:       `{"prompt":`,
			wantStatus: http.StatusBadRequest,
			wantReason: handler.ReasonInvalidRequest,
		},
		{
			name:       "missing prompt",
			maxJobs:    10,
			body:       `{"agentId":"researcher"}`,
			wantStatus: http.StatusBadRequest,
			wantReason: handler.ReasonInvalidRequest,
		},
		{
			name:       "blank prompt",
			maxJobs:    10,
			body:       `{"prompt":"   "}`,
			wantStatus: http.StatusBadRequest,
			wantReason: handler.ReasonInvalidPrompt,
		},
		{
			name:       "timeout above maximum",
			maxJobs:    10,
			body:       `{"prompt":"ping","timeoutSeconds":3600}`,
			wantStatus: http.StatusBadRequest,
			wantReason: handler.ReasonInvalidTimeout,
		},
		{
			name:       "store full",
			maxJobs:    1,
			prefill:    1,
			body:       `{"prompt":"ping"}`,
			wantStatus: http.StatusTooManyRequests,
			wantReason: handler.ReasonCapacityExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.maxJobs)
			for i := 0; i < tt.prefill; i++ {
				_, err := s.manager.Submit(context.Background(), jobs.SubmitRequest{Prompt: "filler"})
				require.NoError(t, err)
			}

			headers := tt.headers
			if headers == nil {
				headers = paid(t, "0xbefore")
			}

			w := s.do(http.MethodPost, "/jobs", tt.body, headers)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantReason, decode[dto.ErrorResponse](t, w).Reason)
			assert.Zero(t, s.facilitator.settleCalls.Load())
			assert.Empty(t, w.Header().Get(payment.HeaderPaymentResponse))
		})
	}
}

func TestCreateJob_PaymentMismatch(t *testing.T) {
	s := newTestServer(t, 10)

	headers := map[string]string{payment.HeaderPayment: proofHeader(t, "14999", "0xshort")}
	w := s.do(http.MethodPost, "/jobs", `{"prompt":"ping"}`, headers)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	body := decode[payment.PaymentRequired](t, w)
	assert.Equal(t, "insufficient_amount", body.Reason)
	require.Len(t, body.Accepts, 1)
	assert.Zero(t, s.facilitator.settleCalls.Load())
}

func TestCreateJob_Lifecycle(t *testing.T) {
	s := newTestServer(t, 10)

	w := s.do(http.MethodPost, "/jobs", `{"prompt":"ping","agentId":"researcher","metadata":{"source":"test"}}`, paid(t, "0x01"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	created := decode[dto.CreateJobResponse](t, w)
	assert.NotEmpty(t, created.JobID)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, int64(180000), created.ExpiresAt-created.CreatedAt)

	settlement, err := payment.DecodeSettlementHeader(w.Header().Get(payment.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.True(t, settlement.Success)
	assert.Equal(t, "0xtx-0x01", settlement.Transaction)
	assert.Equal(t, testPayer, settlement.Payer)

	w = s.do(http.MethodGet, "/jobs/"+created.JobID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	polled := decode[dto.JobDTO](t, w)
	assert.Equal(t, "processing", polled.Status)
	assert.Equal(t, created.ExpiresAt, polled.ExpiresAt)
	assert.NotNil(t, polled.StartedAt)
	assert.Nil(t, polled.Result)
	assert.Equal(t, "researcher", polled.AgentID)
	assert.Equal(t, "test", polled.Metadata["source"])
	assert.Equal(t, "0xtx-0x01", polled.Metadata[handler.MetadataPaymentTransaction])
	assert.Equal(t, testPayer, polled.Metadata[handler.MetadataPaymentPayer])
	assert.Equal(t, testNetwork, polled.Metadata[handler.MetadataPaymentNetwork])

	delivery, err := s.manager.OnExternalResult(created.JobID, domain.Outcome{Content: "pong", Model: "echo", TokensUsed: 1})
	require.NoError(t, err)
	assert.Equal(t, jobs.DeliveryApplied, delivery)

	w = s.do(http.MethodGet, "/jobs/"+created.JobID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	done := decode[dto.JobDTO](t, w)
	assert.Equal(t, "completed", done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "pong", done.Result.Content)
	assert.Positive(t, done.Result.ProcessingTimeMs)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.Error)
}

func TestCreateJob_PaymentMetadataCannotBeOverridden(t *testing.T) {
	s := newTestServer(t, 10)

	w := s.do(http.MethodPost, "/jobs", `{"prompt":"ping","metadata":{"paymentTransaction":"0xforged"}}`, paid(t, "0x02"))
	require.Equal(t, http.StatusCreated, w.Code)

	job, err := s.manager.Status(decode[dto.CreateJobResponse](t, w).JobID)
	require.NoError(t, err)
	assert.Equal(t, "0xtx-0x02", job.Metadata[handler.MetadataPaymentTransaction])
}

func TestCreateJob_ReplayedProof(t *testing.T) {
	s := newTestServer(t, 10)
	headers := paid(t, "0xreplay")

	w := s.do(http.MethodPost, "/jobs", `{"prompt":"ping"}`, headers)
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(http.MethodPost, "/jobs", `{"prompt":"ping again"}`, headers)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "payment_already_used", decode[payment.PaymentRequired](t, w).Reason)

	assert.Equal(t, int32(1), s.facilitator.settleCalls.Load())
	assert.Equal(t, 1, s.manager.Health().TotalJobs)
}

func TestCreateJob_ConcurrentReplayAdmitsOnce(t *testing.T) {
	s := newTestServer(t, 100)
	headers := paid(t, "0xconcurrent")

	const attempts = 20
	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.do(http.MethodPost, "/jobs", `{"prompt":"ping"}`, headers).Code == http.StatusCreated {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, s.manager.Health().TotalJobs)
}

func TestCreateJob_CapacityLostAfterPayment(t *testing.T) {
	s := newTestServer(t, 10, func(deps *handler.Dependencies) {
		deps.Manager = racingManager{Manager: deps.Manager.(*jobs.Manager)}
	})

	w := s.do(http.MethodPost, "/jobs", `{"prompt":"ping"}`, paid(t, "0xrace"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, handler.ReasonCapacityExceeded, decode[dto.ErrorResponse](t, w).Reason)

	_, err := payment.DecodeSettlementHeader(w.Header().Get(payment.HeaderPaymentResponse))
	assert.NoError(t, err, "a settled payment is always acknowledged")
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestServer(t, 10)

	w := s.do(http.MethodGet, "/jobs/00000000-0000-4000-8000-000000000000", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/jobs/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs_AlwaysPaymentRequired(t *testing.T) {
	s := newTestServer(t, 10)

	for _, headers := range []map[string]string{nil, paid(t, "0xlist")} {
		w := s.do(http.MethodGet, "/jobs", "", headers)
		require.Equal(t, http.StatusPaymentRequired, w.Code)
		body := decode[payment.PaymentRequired](t, w)
		assert.Equal(t, handler.ReasonListingDisabled, body.Reason)
		assert.Empty(t, body.Accepts)
	}
	assert.Zero(t, s.facilitator.settleCalls.Load())
}

func TestJobsHealth(t *testing.T) {
	s := newTestServer(t, 5)

	_, err := s.manager.Submit(context.Background(), jobs.SubmitRequest{Prompt: "ping"})
	require.NoError(t, err)

	w := s.do(http.MethodGet, "/jobs/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[dto.HealthResponse](t, w)
	assert.True(t, body.Healthy)
	assert.Positive(t, body.Timestamp)
	assert.Equal(t, 1, body.TotalJobs)
	assert.Equal(t, 5, body.MaxJobs)
	assert.Equal(t, 1, body.StatusCounts["processing"])
	assert.Equal(t, 0, body.StatusCounts["completed"])
	assert.Len(t, body.StatusCounts, len(domain.AllStatuses))
}

func TestJobsHealth_DatabaseDown(t *testing.T) {
	s := newTestServer(t, 5, func(deps *handler.Dependencies) {
		deps.Database = failingDatabase{}
	})

	w := s.do(http.MethodGet, "/jobs/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[dto.HealthResponse](t, w).Healthy)
}

func TestLiveness(t *testing.T) {
	s := newTestServer(t, 5)

	w := s.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agent-gateway")
}

func TestCORSMiddleware(t *testing.T) {
	t.Run("wildcard preflight", func(t *testing.T) {
		s := newTestServer(t, 5)

		w := s.do(http.MethodOptions, "/jobs", "", map[string]string{"Origin": "https://app.example.com"})
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), payment.HeaderPayment)
		assert.Equal(t, payment.HeaderPaymentResponse, w.Header().Get("Access-Control-Expose-Headers"))
	})

	t.Run("explicit origins", func(t *testing.T) {
		r := gin.New()
		r.Use(CORSMiddleware([]string{"https://app.example.com"}))
		r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

		for origin, want := range map[string]string{
			"https://app.example.com":  "https://app.example.com",
			"https://evil.example.com": "",
		} {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			req.Header.Set("Origin", origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, want, w.Header().Get("Access-Control-Allow-Origin"), origin)
		}
	})
}

func TestLoggerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := gin.New()
	r.Use(LoggerMiddleware(logger))
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(payment.HeaderPayment, base64.StdEncoding.EncodeToString([]byte("{}")))
	r.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	assert.True(t, strings.Contains(line, `"level":"ERROR"`), line)
	assert.Contains(t, line, `"paid":true`)
	assert.Contains(t, line, `"path":"/boom"`)
}
