package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/internal/service"
	"github.com/noah-isme/lms-billing-api/pkg/response"
)

type unblockService interface {
	Request(ctx context.Context, actor service.Actor, id string) (*models.EnrollmentView, error)
	Approve(ctx context.Context, actor service.Actor, id string) (*models.EnrollmentView, error)
	Reject(ctx context.Context, actor service.Actor, id string) (*models.EnrollmentView, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentView, *models.Pagination, error)
}

// UnblockHandler exposes the appeal flow for blocked enrollments.
type UnblockHandler struct {
	unblock unblockService
}

// NewUnblockHandler constructs UnblockHandler.
func NewUnblockHandler(unblock unblockService) *UnblockHandler {
	return &UnblockHandler{unblock: unblock}
}

// Request godoc
// @Summary Request unblock
// @Tags Unblock
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /api/v1/enrollments/{id}/unblock-request [post]
func (h *UnblockHandler) Request(c *gin.Context) {
	h.transition(c, h.unblock.Request)
}

// Approve godoc
// @Summary Approve unblock request
// @Tags Unblock
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /api/v1/enrollments/{id}/unblock-request/approve [post]
func (h *UnblockHandler) Approve(c *gin.Context) {
	h.transition(c, h.unblock.Approve)
}

// Reject godoc
// @Summary Reject unblock request
// @Tags Unblock
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /api/v1/enrollments/{id}/unblock-request/reject [post]
func (h *UnblockHandler) Reject(c *gin.Context) {
	h.transition(c, h.unblock.Reject)
}

func (h *UnblockHandler) transition(c *gin.Context, apply func(context.Context, service.Actor, string) (*models.EnrollmentView, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	enrollment, err := apply(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// List godoc
// @Summary List unblock requests
// @Tags Unblock
// @Produce json
// @Param status query string false "Appeal status, defaults to pending"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /api/v1/unblock-requests [get]
func (h *UnblockHandler) List(c *gin.Context) {
	filter := models.EnrollmentFilter{
		UnblockStatus: models.UnblockStatus(c.Query("status")),
		CourseID:      c.Query("course_id"),
		Page:          queryInt(c, "page", 1),
		PageSize:      queryInt(c, "limit", 20),
	}
	enrollments, pagination, err := h.unblock.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}
