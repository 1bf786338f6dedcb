package handler

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tiulinh/otaku-agent-sub003/internal/api/dto"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs"
	"github.com/tiulinh/otaku-agent-sub003/internal/jobs/domain"
	"github.com/tiulinh/otaku-agent-sub003/internal/payment"
)

// Metadata keys recording how a job was paid for
const (
	MetadataPaymentTransaction = "paymentTransaction"
	MetadataPaymentPayer       = "paymentPayer"
	MetadataPaymentNetwork     = "paymentNetwork"
)

// Machine-readable reasons for rejections that are not payment failures
const (
	ReasonInvalidRequest   = "invalid_request"
	ReasonInvalidPrompt    = "invalid_prompt"
	ReasonInvalidTimeout   = "invalid_timeout"
	ReasonCapacityExceeded = "capacity_exceeded"
	ReasonListingDisabled  = "listing_disabled"
)

const healthCheckTimeout = 2 * time.Second

// CreateJob handles POST /jobs
// Everything that can be rejected without charging is checked before the
// proof is settled.
func (h *JobHandler) CreateJob(c *gin.Context) {
	resource := h.codec.Resource(c.Request.URL.Path)

	header := c.GetHeader(payment.HeaderPayment)
	if header == "" {
		c.JSON(http.StatusPaymentRequired, h.codec.PaymentRequired(resource, "X-PAYMENT header is required", ""))
		return
	}

	proof, err := payment.ParseProofHeader(header)
	if err != nil {
		h.logger.Warn("Malformed payment header", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  err.Error(),
			Reason: payment.Reason(err),
		})
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "Invalid request body: " + err.Error(),
			Reason: ReasonInvalidRequest,
		})
		return
	}

	submit := jobs.SubmitRequest{
		Prompt:  req.Prompt,
		AgentID: req.AgentID,
		UserID:  req.UserID,
		Timeout: req.Timeout(),
	}
	if err := h.manager.Validate(submit); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  err.Error(),
			Reason: submitReason(err),
		})
		return
	}

	if !h.manager.HasCapacity() {
		c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{
			Error:  domain.ErrCapacityExceeded.Error(),
			Reason: ReasonCapacityExceeded,
		})
		return
	}

	settlement, err := h.verifier.VerifyAndSettle(c.Request.Context(), proof, h.codec.Requirement(resource))
	if err != nil {
		h.logger.Warn("Payment rejected",
			slog.String("reference", proof.Reference()),
			slog.String("payer", proof.Payer()),
			slog.String("reason", payment.Reason(err)),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusPaymentRequired, h.codec.PaymentRequired(resource, err.Error(), payment.Reason(err)))
		return
	}

	if encoded, err := payment.EncodeSettlementHeader(settlement); err != nil {
		h.logger.Error("Failed to encode settlement header", slog.String("error", err.Error()))
	} else {
		c.Header(payment.HeaderPaymentResponse, encoded)
	}

	submit.Metadata = make(map[string]string, len(req.Metadata)+3)
	maps.Copy(submit.Metadata, req.Metadata)
	submit.Metadata[MetadataPaymentTransaction] = settlement.Transaction
	submit.Metadata[MetadataPaymentPayer] = settlement.Payer
	submit.Metadata[MetadataPaymentNetwork] = settlement.Network

	job, err := h.manager.Submit(c.Request.Context(), submit)
	if err != nil {
		if errors.Is(err, domain.ErrCapacityExceeded) {
			h.logger.Warn("Payment settled but job store filled before admission",
				slog.String("transaction", settlement.Transaction),
				slog.String("payer", settlement.Payer),
			)
			c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{
				Error:  err.Error(),
				Reason: ReasonCapacityExceeded,
			})
			return
		}

		h.logger.Error("Failed to create job",
			slog.String("transaction", settlement.Transaction),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "Failed to create job",
		})
		return
	}

	h.logger.Info("Paid job admitted",
		slog.String("job_id", job.ID),
		slog.String("transaction", settlement.Transaction),
		slog.String("payer", settlement.Payer),
	)

	c.JSON(http.StatusCreated, dto.NewCreateJobResponse(job))
}

// GetJob handles GET /jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.manager.Status(jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /jobs. Listing is never offered, paid or not.
func (h *JobHandler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusPaymentRequired, payment.PaymentRequired{
		X402Version: payment.Version,
		Error:       "Job listing is disabled",
		Reason:      ReasonListingDisabled,
		Accepts:     []payment.Requirement{},
	})
}

// Health handles GET /jobs/health
func (h *JobHandler) Health(c *gin.Context) {
	healthy := true
	if h.database != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.database.HealthCheck(ctx); err != nil {
			h.logger.Warn("Database health check failed", slog.String("error", err.Error()))
			healthy = false
		}
	}

	c.JSON(http.StatusOK, dto.NewHealthResponse(h.manager.Health(), healthy, h.now()))
}

func submitReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidPrompt):
		return ReasonInvalidPrompt
	case errors.Is(err, domain.ErrInvalidTimeout):
		return ReasonInvalidTimeout
	default:
		return ReasonInvalidRequest
	}
}
