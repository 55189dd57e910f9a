package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-billing-api/internal/service"
)

// AuditContext copies the caller's IP and user agent into the request context
// so audit entries written by the services can record them.
func AuditContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := service.WithRequestMeta(c.Request.Context(), service.RequestMeta{
			IPAddress: c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
