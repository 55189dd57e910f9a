package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/internal/service"
	appErrors "github.com/noah-isme/lms-billing-api/pkg/errors"
	"github.com/noah-isme/lms-billing-api/pkg/response"
)

// MaxWebhookBodyBytes caps gateway webhook payloads.
const MaxWebhookBodyBytes = 65536

// StripeSignatureHeader carries the webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

type paymentService interface {
	RecordManualPayment(ctx context.Context, actor service.Actor, enrollmentID string, req service.ManualPaymentRequest) (*service.PaymentResult, error)
	VerifyPayment(ctx context.Context, actor service.Actor, req service.VerifyPaymentRequest) (*service.PaymentResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*service.PaymentResult, error)
}

// PaymentHandler exposes the payment entry paths.
type PaymentHandler struct {
	payments paymentService
	logger   *zap.Logger
}

// NewPaymentHandler constructs PaymentHandler.
func NewPaymentHandler(payments paymentService, logger *zap.Logger) *PaymentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{payments: payments, logger: logger}
}

func writePaymentResult(c *gin.Context, result *service.PaymentResult) {
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	response.JSON(c, status, result, nil)
}

// RecordManual godoc
// @Summary Record a manual payment
// @Description Admin entry of an offline payment. A missing transaction id is generated.
// @Tags Payments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body service.ManualPaymentRequest true "Payment payload"
// @Success 201 {object} response.Envelope
// @Success 200 {object} response.Envelope "Duplicate transaction"
// @Failure 422 {object} response.Envelope
// @Router /api/v1/enrollments/{id}/payments [post]
func (h *PaymentHandler) RecordManual(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.ManualPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.payments.RecordManualPayment(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	writePaymentResult(c, result)
}

// Verify godoc
// @Summary Verify a gateway payment
// @Description Confirms a succeeded payment intent and enrolls or renews the caller.
// @Tags Payments
// @Accept json
// @Produce json
// @Param payload body service.VerifyPaymentRequest true "Verification payload"
// @Success 201 {object} response.Envelope
// @Failure 402 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /api/v1/payments/verify [post]
func (h *PaymentHandler) Verify(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.payments.VerifyPayment(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	writePaymentResult(c, result)
}

// StripeWebhook godoc
// @Summary Gateway webhook
// @Description Signature-verified payment_intent.succeeded events. Other event types are acknowledged and ignored.
// @Tags Payments
// @Accept json
// @Produce json
// @Param Stripe-Signature header string true "Webhook signature"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /webhooks/stripe [post]
func (h *PaymentHandler) StripeWebhook(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBodyBytes)
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, appErrors.New("PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge, "webhook payload too large"))
			return
		}
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "failed to read webhook payload"))
		return
	}

	result, err := h.payments.HandleWebhook(c.Request.Context(), payload, c.GetHeader(StripeSignatureHeader))
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		response.Error(c, err)
		return
	}
	if result == nil {
		response.JSON(c, http.StatusOK, gin.H{"received": true, "ignored": true}, nil)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
