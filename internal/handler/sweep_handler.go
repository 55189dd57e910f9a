package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/pkg/response"
)

type sweepRunner interface {
	Run(ctx context.Context) (*models.SweepReport, error)
}

// SweepHandler lets an external scheduler trigger the grace-period sweep.
type SweepHandler struct {
	sweeper sweepRunner
	logger  *zap.Logger
}

// NewSweepHandler constructs SweepHandler.
func NewSweepHandler(sweeper sweepRunner, logger *zap.Logger) *SweepHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepHandler{sweeper: sweeper, logger: logger}
}

// Run godoc
// @Summary Run the billing sweep
// @Description Blocks enrollments past the grace period and sends due reminders. At most one run per billing date.
// @Tags Cron
// @Produce json
// @Param X-Cron-Secret header string true "Shared cron secret"
// @Success 200 {object} response.Envelope
// @Success 202 {object} response.Envelope "Another run already holds today's lock"
// @Failure 401 {object} response.Envelope
// @Router /api/v1/cron/billing-sweep [post]
func (h *SweepHandler) Run(c *gin.Context) {
	report, err := h.sweeper.Run(c.Request.Context())
	if err != nil {
		h.logger.Error("billing sweep failed", zap.Error(err))
		response.Error(c, err)
		return
	}
	status := http.StatusOK
	if report.LockHeld {
		status = http.StatusAccepted
	}
	response.JSON(c, status, report, nil)
}
