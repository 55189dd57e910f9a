package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/internal/billing"
	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/internal/repository"
	"github.com/noah-isme/lms-billing-api/pkg/clock"
	appErrors "github.com/noah-isme/lms-billing-api/pkg/errors"
	"github.com/noah-isme/lms-billing-api/pkg/events"
)

type unblockRepository interface {
	enrollmentCommitter
}

// UnblockService runs the manual appeal against a billing block. Approval
// restores access without a ledger entry; the audit log records who did it.
type UnblockService struct {
	repo    unblockRepository
	views   *EnrollmentService
	clock   clock.Clock
	effects Effects
	logger  *zap.Logger
}

// NewUnblockService constructs UnblockService.
func NewUnblockService(repo unblockRepository, views *EnrollmentService, clk clock.Clock, effects Effects, logger *zap.Logger) *UnblockService {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnblockService{repo: repo, views: views, clock: clk, effects: effects, logger: logger}
}

// Request files an appeal. Only the owner may file, and only while blocked.
func (s *UnblockService) Request(ctx context.Context, actor Actor, id string) (*models.EnrollmentView, error) {
	now := s.clock.Now()
	enrollment, err := mutateEnrollment(ctx, s.repo, s.effects.Metrics, id, func(e *models.Enrollment) (repository.EnrollmentChange, error) {
		if e.UserID != actor.ID && !actor.IsAdmin() {
			return repository.EnrollmentChange{}, appErrors.Clone(appErrors.ErrForbidden, "enrollment belongs to another user")
		}
		_, err := billing.Apply(e, billing.EventRequestUnblock, now)
		return repository.EnrollmentChange{}, err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("unblock requested", zap.String("enrollment_id", id))
	s.effects.audit(ctx, s.logger, actor, models.AuditActionUnblockRequest, enrollment, nil)
	s.effects.publish(ctx, s.logger, enrollmentEvent(events.TypeUnblockRequested, enrollment))
	return s.views.Get(ctx, Actor{}, id)
}

// Approve lifts the block.
func (s *UnblockService) Approve(ctx context.Context, actor Actor, id string) (*models.EnrollmentView, error) {
	return s.review(ctx, actor, id, billing.EventApproveUnblock)
}

// Reject declines the appeal; the enrollment stays blocked.
func (s *UnblockService) Reject(ctx context.Context, actor Actor, id string) (*models.EnrollmentView, error) {
	return s.review(ctx, actor, id, billing.EventRejectUnblock)
}

func (s *UnblockService) review(ctx context.Context, actor Actor, id string, ev billing.Event) (*models.EnrollmentView, error) {
	now := s.clock.Now()
	enrollment, err := mutateEnrollment(ctx, s.repo, s.effects.Metrics, id, func(e *models.Enrollment) (repository.EnrollmentChange, error) {
		_, err := billing.Apply(e, ev, now)
		return repository.EnrollmentChange{}, err
	})
	if err != nil {
		return nil, err
	}

	action, eventType, kind := models.AuditActionUnblockReject, events.TypeUnblockRejected, NotifyUnblockRejected
	if ev == billing.EventApproveUnblock {
		action, eventType, kind = models.AuditActionUnblockApprove, events.TypeUnblockApproved, NotifyUnblockApproved
	}
	s.logger.Info("unblock request reviewed",
		zap.String("enrollment_id", id),
		zap.String("decision", string(enrollment.UnblockStatus)),
		zap.String("admin_id", actor.ID),
	)
	s.effects.audit(ctx, s.logger, actor, action, enrollment, map[string]interface{}{
		"is_blocked":     enrollment.IsBlocked,
		"unblock_status": enrollment.UnblockStatus,
	})
	s.effects.publish(ctx, s.logger, enrollmentEvent(eventType, enrollment))
	s.effects.invalidate(ctx, enrollment)

	view, err := s.views.Get(ctx, Actor{}, id)
	if err != nil {
		return nil, err
	}
	s.effects.notify(ctx, kind, recipientOf(&view.EnrollmentDetail), NotificationData{CourseTitle: view.CourseTitle})
	return view, nil
}

// List returns appeals by status, pending by default.
func (s *UnblockService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentView, *models.Pagination, error) {
	if filter.UnblockStatus == "" {
		filter.UnblockStatus = models.UnblockStatusPending
	}
	if filter.SortBy == "" {
		filter.SortBy = "unblock_requested_at"
		filter.SortOrder = "ASC"
	}
	return s.views.List(ctx, Actor{Role: models.RoleAdmin}, filter)
}
