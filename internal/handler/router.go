package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-billing-api/internal/middleware"
	"github.com/noah-isme/lms-billing-api/internal/models"
)

// Handlers groups every handler mounted by RegisterRoutes.
type Handlers struct {
	Enrollments *EnrollmentHandler
	Payments    *PaymentHandler
	Access      *AccessHandler
	Unblock     *UnblockHandler
	Sweep       *SweepHandler
	Metrics     *MetricsHandler
}

// RouteOptions carries the middleware that guards the API.
type RouteOptions struct {
	// Authenticate sets the caller's claims, normally middleware.JWT.
	Authenticate gin.HandlerFunc
	CronSecret   string
	// Prefix defaults to /api/v1.
	Prefix string
}

// RegisterRoutes mounts the billing API on r.
func RegisterRoutes(r *gin.Engine, h Handlers, opts RouteOptions) {
	if h.Metrics != nil {
		r.GET("/health", h.Metrics.Health)
		r.GET("/ready", h.Metrics.Ready)
		r.GET("/metrics", h.Metrics.Prometheus)
	}
	if h.Payments != nil {
		r.POST("/webhooks/stripe", h.Payments.StripeWebhook)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "/api/v1"
	}
	v1 := r.Group(prefix)
	if h.Sweep != nil {
		v1.POST("/cron/billing-sweep", middleware.CronSecret(opts.CronSecret), h.Sweep.Run)
	}

	secured := v1.Group("")
	if opts.Authenticate != nil {
		secured.Use(opts.Authenticate)
	}
	secured.Use(middleware.AuditContext())

	admin := middleware.RequireAdmin()
	anyone := middleware.RequireRoles(models.RoleStudent, models.RoleAdmin, models.RoleSuperAdmin)

	if e := h.Enrollments; e != nil {
		secured.GET("/enrollments", anyone, e.List)
		secured.POST("/enrollments", anyone, e.Create)
		secured.GET("/enrollments/export", admin, e.Export)
		secured.GET("/enrollments/:id", anyone, e.Get)
		secured.POST("/enrollments/:id/approve", admin, e.Approve)
		secured.POST("/enrollments/:id/reject", admin, e.Reject)
		secured.GET("/enrollments/:id/audit", admin, e.Audit)
		secured.GET("/enrollments/:id/payments/export", anyone, e.ExportPayments)
	}
	if p := h.Payments; p != nil {
		secured.POST("/enrollments/:id/payments", admin, p.RecordManual)
		secured.POST("/payments/verify", anyone, p.Verify)
	}
	if a := h.Access; a != nil {
		secured.GET("/courses/:courseId/access", anyone, middleware.ResponseMeta(), a.Check)
	}
	if u := h.Unblock; u != nil {
		secured.POST("/enrollments/:id/unblock-request", anyone, u.Request)
		secured.POST("/enrollments/:id/unblock-request/approve", admin, u.Approve)
		secured.POST("/enrollments/:id/unblock-request/reject", admin, u.Reject)
		secured.GET("/unblock-requests", admin, u.List)
	}
}
