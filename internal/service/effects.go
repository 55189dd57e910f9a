package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/pkg/events"
)

// RequestMeta carries caller details copied onto audit entries.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

type requestMetaKey struct{}

// WithRequestMeta attaches caller details to ctx.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

func requestMetaFrom(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type accessInvalidator interface {
	Invalidate(ctx context.Context, userID, courseID string)
}

// Effects bundles the consequences of a committed billing mutation. Every one of
// them is best-effort: failures are logged and never undo the mutation.
type Effects struct {
	Notifier *NotificationService
	Events   events.Publisher
	Audit    auditWriter
	Access   accessInvalidator
	Metrics  *MetricsService
}

func (f Effects) audit(ctx context.Context, logger *zap.Logger, actor Actor, action string, e *models.Enrollment, values map[string]interface{}) {
	if f.Audit == nil {
		return
	}
	meta := requestMetaFrom(ctx)
	entry := &models.AuditLog{
		UserID:     actor.auditID(),
		Action:     action,
		Resource:   models.AuditResourceEnrollment,
		ResourceID: &e.ID,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
	}
	if values != nil {
		if raw, err := json.Marshal(values); err == nil {
			entry.NewValues = raw
		}
	}
	if err := f.Audit.CreateAuditLog(ctx, entry); err != nil {
		logger.Warn("failed to write audit log", zap.String("action", action), zap.String("enrollment_id", e.ID), zap.Error(err))
	}
}

func (f Effects) publish(ctx context.Context, logger *zap.Logger, event events.Event) {
	if f.Events == nil {
		return
	}
	if err := f.Events.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish billing event", zap.String("type", event.Type), zap.String("enrollment_id", event.EnrollmentID), zap.Error(err))
	}
}

func (f Effects) invalidate(ctx context.Context, e *models.Enrollment) {
	if f.Access == nil {
		return
	}
	f.Access.Invalidate(ctx, e.UserID, e.CourseID)
}

func (f Effects) notify(ctx context.Context, kind NotificationKind, to Recipient, data NotificationData) {
	if f.Notifier == nil {
		return
	}
	f.Notifier.Notify(ctx, kind, to, data)
}

func enrollmentEvent(eventType string, e *models.Enrollment) events.Event {
	return events.Event{
		Type:           eventType,
		EnrollmentID:   e.ID,
		UserID:         e.UserID,
		CourseID:       e.CourseID,
		NextPaymentDue: e.NextPaymentDue,
		OccurredAt:     e.UpdatedAt,
	}
}
