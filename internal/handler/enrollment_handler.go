package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/internal/service"
	appErrors "github.com/noah-isme/lms-billing-api/pkg/errors"
	"github.com/noah-isme/lms-billing-api/pkg/export"
	"github.com/noah-isme/lms-billing-api/pkg/response"
)

const exportPageSize = 100

type enrollmentService interface {
	List(ctx context.Context, actor service.Actor, filter models.EnrollmentFilter) ([]models.EnrollmentView, *models.Pagination, error)
	Get(ctx context.Context, actor service.Actor, id string) (*models.EnrollmentView, error)
	Create(ctx context.Context, actor service.Actor, req service.CreateEnrollmentRequest) (*models.EnrollmentView, error)
	Approve(ctx context.Context, actor service.Actor, id string) (*models.EnrollmentView, error)
	Reject(ctx context.Context, actor service.Actor, id string, req service.RejectEnrollmentRequest) (*models.EnrollmentView, error)
}

type auditTrailReader interface {
	EnrollmentTrail(ctx context.Context, enrollmentID string, limit int) ([]models.AuditLog, error)
}

// EnrollmentHandler exposes enrollment endpoints.
type EnrollmentHandler struct {
	enrollments enrollmentService
	audit       auditTrailReader
	exporter    *export.CSVExporter
}

// NewEnrollmentHandler constructs EnrollmentHandler. audit may be nil.
func NewEnrollmentHandler(enrollments enrollmentService, audit auditTrailReader) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, audit: audit, exporter: export.NewCSVExporter()}
}

func enrollmentFilterFromQuery(c *gin.Context) (models.EnrollmentFilter, error) {
	filter := models.EnrollmentFilter{
		UserID:        strings.TrimSpace(c.Query("user_id")),
		CourseID:      strings.TrimSpace(c.Query("course_id")),
		Status:        models.EnrollmentStatus(strings.ToLower(c.Query("status"))),
		UnblockStatus: models.UnblockStatus(strings.ToLower(c.Query("unblock_status"))),
		Page:          queryInt(c, "page", 1),
		PageSize:      queryInt(c, "limit", 20),
		SortBy:        c.Query("sort"),
		SortOrder:     c.Query("order"),
	}
	if raw := c.Query("blocked"); raw != "" {
		blocked, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, appErrors.Clone(appErrors.ErrValidation, "blocked must be true or false")
		}
		filter.Blocked = &blocked
	}
	return filter, nil
}

// List godoc
// @Summary List enrollments
// @Description Admins see every enrollment; students only their own.
// @Tags Enrollments
// @Produce json
// @Param status query string false "pending, approved or rejected"
// @Param course_id query string false "Filter by course"
// @Param user_id query string false "Filter by user (admin only)"
// @Param blocked query bool false "Filter by block flag"
// @Param unblock_status query string false "Filter by appeal status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /api/v1/enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	filter, err := enrollmentFilterFromQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	enrollments, pagination, err := h.enrollments.List(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Get godoc
// @Summary Get enrollment
// @Description Returns the enrollment with its payment history and derived state.
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /api/v1/enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	enrollment, err := h.enrollments.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Create godoc
// @Summary Enroll in a course
// @Description Free courses are approved immediately; paid courses wait for admin approval.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.CreateEnrollmentRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /api/v1/enrollments [post]
func (h *EnrollmentHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.CreateEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	enrollment, err := h.enrollments.Create(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// Approve godoc
// @Summary Approve enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /api/v1/enrollments/{id}/approve [post]
func (h *EnrollmentHandler) Approve(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	enrollment, err := h.enrollments.Approve(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Reject godoc
// @Summary Reject enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body service.RejectEnrollmentRequest false "Rejection reason"
// @Success 200 {object} response.Envelope
// @Router /api/v1/enrollments/{id}/reject [post]
func (h *EnrollmentHandler) Reject(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.RejectEnrollmentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
	}
	enrollment, err := h.enrollments.Reject(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Audit godoc
// @Summary Enrollment audit trail
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /api/v1/enrollments/{id}/audit [get]
func (h *EnrollmentHandler) Audit(c *gin.Context) {
	if h.audit == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	logs, err := h.audit.EnrollmentTrail(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, nil)
}

// Export godoc
// @Summary Export enrollments as CSV
// @Tags Enrollments
// @Produce text/csv
// @Param status query string false "Filter by status"
// @Param course_id query string false "Filter by course"
// @Param blocked query bool false "Filter by block flag"
// @Success 200 {file} file
// @Router /api/v1/enrollments/export [get]
func (h *EnrollmentHandler) Export(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	filter, err := enrollmentFilterFromQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	filter.PageSize = exportPageSize

	var all []models.EnrollmentView
	for page := 1; ; page++ {
		filter.Page = page
		batch, pagination, err := h.enrollments.List(c.Request.Context(), actor, filter)
		if err != nil {
			response.Error(c, err)
			return
		}
		all = append(all, batch...)
		if len(batch) == 0 || pagination == nil || len(all) >= pagination.TotalCount {
			break
		}
	}
	h.writeCSV(c, "enrollments", export.Enrollments(all))
}

// ExportPayments godoc
// @Summary Export the payment history of an enrollment as CSV
// @Tags Enrollments
// @Produce text/csv
// @Param id path string true "Enrollment ID"
// @Success 200 {file} file
// @Router /api/v1/enrollments/{id}/payments/export [get]
func (h *EnrollmentHandler) ExportPayments(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	enrollment, err := h.enrollments.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.writeCSV(c, "payments-"+enrollment.ID, export.Payments(enrollment.PaymentHistory))
}

func (h *EnrollmentHandler) writeCSV(c *gin.Context, prefix string, data export.Dataset) {
	response.Attachment(c, export.Filename(prefix, time.Now()), "text/csv; charset=utf-8")
	if err := h.exporter.Write(c.Writer, data); err != nil {
		_ = c.Error(err)
	}
}
