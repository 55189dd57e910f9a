package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-billing-api/internal/billing"
	"github.com/noah-isme/lms-billing-api/internal/middleware"
	"github.com/noah-isme/lms-billing-api/internal/service"
	"github.com/noah-isme/lms-billing-api/pkg/response"
)

type accessChecker interface {
	CheckWithSource(ctx context.Context, actor service.Actor, courseID string) (*billing.AccessDecision, bool, error)
}

// AccessHandler answers classroom-entry checks.
type AccessHandler struct {
	access accessChecker
}

// NewAccessHandler constructs AccessHandler.
func NewAccessHandler(access accessChecker) *AccessHandler {
	return &AccessHandler{access: access}
}

// Check godoc
// @Summary Check classroom access
// @Description Denied decisions are still returned with 200; clients read allowed and reason.
// @Tags Access
// @Produce json
// @Param courseId path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /api/v1/courses/{courseId}/access [get]
func (h *AccessHandler) Check(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	decision, hit, err := h.access.CheckWithSource(c.Request.Context(), actor, c.Param("courseId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, decision, nil, middleware.Meta(c))
}
