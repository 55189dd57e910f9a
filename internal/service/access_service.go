package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/internal/billing"
	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/pkg/clock"
	appErrors "github.com/noah-isme/lms-billing-api/pkg/errors"
)

type accessEnrollmentReader interface {
	FindByUserAndCourse(ctx context.Context, userID, courseID string) (*models.Enrollment, error)
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

// AccessService answers classroom-entry checks.
type AccessService struct {
	enrollments accessEnrollmentReader
	courses     courseReader
	cache       *CacheService
	policy      billing.Policy
	clock       clock.Clock
	logger      *zap.Logger
}

// NewAccessService constructs AccessService. cache may be nil.
func NewAccessService(enrollments accessEnrollmentReader, courses courseReader, cache *CacheService, policy billing.Policy, clk clock.Clock, logger *zap.Logger) *AccessService {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessService{enrollments: enrollments, courses: courses, cache: cache, policy: policy, clock: clk, logger: logger}
}

func accessCacheKey(userID, courseID string) string {
	return fmt.Sprintf("access:%s:%s", userID, courseID)
}

// Check evaluates whether actor may enter the classroom of courseID.
func (s *AccessService) Check(ctx context.Context, actor Actor, courseID string) (*billing.AccessDecision, error) {
	decision, _, err := s.CheckWithSource(ctx, actor, courseID)
	return decision, err
}

// CheckWithSource is Check that also reports whether the decision came from the cache.
func (s *AccessService) CheckWithSource(ctx context.Context, actor Actor, courseID string) (*billing.AccessDecision, bool, error) {
	if courseID == "" {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "course id is required")
	}
	if actor.IsAdmin() {
		return &billing.AccessDecision{Allowed: true, Reason: billing.AccessPrivileged}, false, nil
	}

	var decision billing.AccessDecision
	hit, err := s.cache.Fetch(ctx, accessCacheKey(actor.ID, courseID), &decision, func() (interface{}, error) {
		return s.evaluate(ctx, actor.ID, courseID)
	})
	if err != nil {
		return nil, false, err
	}
	return &decision, hit, nil
}

func (s *AccessService) evaluate(ctx context.Context, userID, courseID string) (*billing.AccessDecision, error) {
	course, err := s.courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	enrollment, err := s.enrollments.FindByUserAndCourse(ctx, userID, courseID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
		}
		enrollment = nil
	}
	decision := s.policy.CheckAccess(enrollment, course, s.clock.Now())
	if decision.FeeDue {
		s.logger.Debug("access granted with fee due",
			zap.String("user_id", userID),
			zap.String("course_id", courseID),
			zap.Int("days_overdue", decision.DaysOverdue),
		)
	}
	return &decision, nil
}

// Invalidate drops the cached decision for one enrollment.
func (s *AccessService) Invalidate(ctx context.Context, userID, courseID string) {
	s.cache.Invalidate(ctx, accessCacheKey(userID, courseID))
}
