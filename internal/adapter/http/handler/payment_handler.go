package handler

import (
	"time"

	"payment-orchestrator/internal/adapter/http/dto"
	"payment-orchestrator/internal/adapter/http/middleware"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"
	"payment-orchestrator/pkg/response"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client's idempotency key on creation.
const HeaderIdempotencyKey = "Idempotency-Key"

// PaymentHandler handles payment endpoints.
type PaymentHandler struct {
	paymentSvc ports.PaymentService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentSvc ports.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentSvc: paymentSvc}
}

// CreatePayment handles POST /api/v1/payments.
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	merchantID, ok := c.Get(middleware.CtxMerchantID)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	result, err := h.paymentSvc.CreatePayment(c.Request.Context(), domain.CreatePaymentRequest{
		MerchantID:     merchantID.(string),
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
		Amount:         req.Amount,
		Currency:       domain.Currency(req.Currency),
		Method:         req.Method.ToPaymentMethod(),
		Customer:       req.Customer.ToCustomer(),
		CorrelationID:  c.GetString(middleware.CtxCorrelationID),
		Metadata:       req.Metadata,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, toPaymentResponse(result))
}

// ProcessPayment handles POST /api/v1/payments/:id/process.
func (h *PaymentHandler) ProcessPayment(c *gin.Context) {
	var req dto.ProcessPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, apperror.Validation(err.Error()))
			return
		}
	}

	result, err := h.paymentSvc.ProcessPayment(c.Request.Context(), domain.ProcessPaymentRequest{
		PaymentID:     c.Param("id"),
		Gateway:       domain.GatewayType(req.Gateway),
		CorrelationID: c.GetString(middleware.CtxCorrelationID),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, toPaymentResponse(result))
}

// GetPayment handles GET /api/v1/payments/:id.
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	result, err := h.paymentSvc.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toPaymentResponse(result))
}

// GatewayHealth handles GET /api/v1/gateways/health.
func (h *PaymentHandler) GatewayHealth(c *gin.Context) {
	snapshots := h.paymentSvc.GatewayHealth(c.Request.Context())
	out := make([]dto.GatewayHealthResponse, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, dto.GatewayHealthResponse{
			Gateway:              string(s.Gateway),
			CircuitState:         string(s.CircuitState),
			TotalSuccesses:       s.TotalSuccesses,
			TotalFailures:        s.TotalFailures,
			ConsecutiveSuccesses: s.ConsecutiveSuccesses,
			ConsecutiveFailures:  s.ConsecutiveFailures,
			SuccessRate:          s.SuccessRate,
			AvgLatencyMs:         s.AvgLatency.Milliseconds(),
			P95LatencyMs:         s.P95Latency.Milliseconds(),
			P99LatencyMs:         s.P99Latency.Milliseconds(),
			AvgCost:              s.AvgCost,
			OpenCount:            s.OpenCount,
			TimeUntilRetryMs:     s.TimeUntilRetry.Milliseconds(),
			HealthScore:          s.HealthScore,
		})
	}
	response.OK(c, out)
}

// toPaymentResponse converts domain.Payment to DTO.
func toPaymentResponse(p *domain.Payment) dto.PaymentResponse {
	return dto.PaymentResponse{
		ID:            p.ID,
		MerchantID:    p.MerchantID,
		State:         string(p.State),
		Amount:        p.Amount,
		Currency:      string(p.Currency),
		Method:        string(p.Method.Type),
		Gateway:       string(p.Gateway),
		GatewayTxnID:  p.GatewayTxnID,
		FailureReason: p.FailureReason,
		Version:       p.Version,
		Metadata:      p.Metadata,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     p.UpdatedAt.Format(time.RFC3339),
	}
}
