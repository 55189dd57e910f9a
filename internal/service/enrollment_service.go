package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/internal/billing"
	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/internal/repository"
	"github.com/noah-isme/lms-billing-api/pkg/clock"
	appErrors "github.com/noah-isme/lms-billing-api/pkg/errors"
	"github.com/noah-isme/lms-billing-api/pkg/events"
)

type enrollmentViewReader interface {
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ListPayments(ctx context.Context, enrollmentID string) ([]models.PaymentEntry, error)
}

type enrollmentRepository interface {
	enrollmentViewReader
	enrollmentCommitter
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	Create(ctx context.Context, enrollment *models.Enrollment, first *models.PaymentEntry, addToRoster bool) error
}

// CreateEnrollmentRequest describes an enrollment signup. UserID is honoured for admins only.
type CreateEnrollmentRequest struct {
	CourseID      string `json:"course_id" validate:"required"`
	UserID        string `json:"user_id"`
	Amount        int64  `json:"amount" validate:"gte=0"`
	MonthsPaid    int    `json:"months_paid" validate:"omitempty,min=1,max=24"`
	Method        string `json:"method" validate:"omitempty,max=32"`
	TransactionID string `json:"transaction_id" validate:"omitempty,max=128"`
}

// RejectEnrollmentRequest carries the optional reason shown to the student.
type RejectEnrollmentRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// PaymentOptions controls amount reconciliation.
type PaymentOptions struct {
	StrictAmounts bool
}

// EnrollmentService orchestrates the enrollment approval workflow.
type EnrollmentService struct {
	repo      enrollmentRepository
	courses   courseReader
	policy    billing.Policy
	clock     clock.Clock
	effects   Effects
	options   PaymentOptions
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, courses courseReader, policy billing.Policy, clk clock.Clock, effects Effects, options PaymentOptions, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &EnrollmentService{repo: repo, courses: courses, policy: policy, clock: clk, effects: effects, options: options, validator: validate, logger: logger}
}

// List returns enrollments with pagination metadata. Students only see their own.
func (s *EnrollmentService) List(ctx context.Context, actor Actor, filter models.EnrollmentFilter) ([]models.EnrollmentView, *models.Pagination, error) {
	if !actor.IsAdmin() {
		filter.UserID = actor.ID
	}
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	now := s.clock.Now()
	views := make([]models.EnrollmentView, 0, len(enrollments))
	for i := range enrollments {
		views = append(views, s.view(&enrollments[i], nil, now))
	}
	return views, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one enrollment with its payment history.
func (s *EnrollmentService) Get(ctx context.Context, actor Actor, id string) (*models.EnrollmentView, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if !actor.IsAdmin() && !actor.IsSystem() && detail.UserID != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "enrollment belongs to another user")
	}
	payments, err := s.repo.ListPayments(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment history")
	}
	view := s.view(detail, payments, s.clock.Now())
	return &view, nil
}

func (s *EnrollmentService) view(detail *models.EnrollmentDetail, payments []models.PaymentEntry, now time.Time) models.EnrollmentView {
	return models.EnrollmentView{
		EnrollmentDetail: *detail,
		State:            string(s.policy.DisplayState(&detail.Enrollment, detail.CoursePrice, now)),
		UnblockRequest:   detail.Unblock(),
		PaymentHistory:   payments,
	}
}

// Create signs a user up for a course. Free courses are approved immediately;
// paid ones wait for an admin with an optional pending first payment.
func (s *EnrollmentService) Create(ctx context.Context, actor Actor, req CreateEnrollmentRequest) (*models.EnrollmentView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	userID := actor.ID
	if actor.IsAdmin() && req.UserID != "" {
		userID = req.UserID
	}
	if userID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "user id is required")
	}

	course, err := s.courses.FindByID(ctx, req.CourseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}

	now := s.clock.Now()
	enrollment := &models.Enrollment{
		UserID:    userID,
		CourseID:  course.ID,
		Amount:    req.Amount,
		Status:    models.EnrollmentStatusPending,
		CreatedAt: now,
	}

	var first *models.PaymentEntry
	free := course.IsFree()
	if free {
		if _, err := billing.Apply(enrollment, billing.EventApprove, now); err != nil {
			return nil, transitionError(err)
		}
	} else if req.Amount > 0 || req.TransactionID != "" {
		months := billing.NormalizeMonths(req.MonthsPaid)
		if err := s.reconcile(course, req.Amount, months); err != nil {
			return nil, err
		}
		first = &models.PaymentEntry{
			TransactionID: manualTransactionID(req.TransactionID),
			Amount:        req.Amount,
			PaidAt:        now,
			MonthLabel:    s.policy.Calendar.CycleLabel(now, months, true),
			MonthsPaid:    months,
			Status:        models.PaymentStatusPending,
			Method:        paymentMethod(req.Method, models.PaymentMethodManual),
			CreatedAt:     now,
		}
	}

	if err := s.repo.Create(ctx, enrollment, first, free); err != nil {
		if errors.Is(err, repository.ErrDuplicateEnrollment) {
			return nil, appErrors.Clone(appErrors.ErrDuplicateEnrollment, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	s.logger.Info("enrollment created",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("course_id", course.ID),
		zap.String("status", string(enrollment.Status)),
	)
	s.effects.audit(ctx, s.logger, actor, models.AuditActionEnrollmentCreate, enrollment, map[string]interface{}{
		"status": enrollment.Status,
		"amount": enrollment.Amount,
	})
	s.effects.publish(ctx, s.logger, enrollmentEvent(events.TypeEnrollmentCreated, enrollment))
	s.effects.invalidate(ctx, enrollment)

	view, err := s.Get(ctx, Actor{}, enrollment.ID)
	if err != nil {
		return nil, err
	}
	if free {
		s.effects.notify(ctx, NotifyEnrollmentApproved, recipientOf(&view.EnrollmentDetail), NotificationData{CourseTitle: view.CourseTitle})
	}
	return view, nil
}

// Approve admits a pending or previously rejected enrollment. The first ledger
// entry is settled and the course joins the user's list in the same transaction.
func (s *EnrollmentService) Approve(ctx context.Context, actor Actor, id string) (*models.EnrollmentView, error) {
	payments, err := s.repo.ListPayments(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment history")
	}
	months := 1
	if len(payments) > 0 {
		months = billing.NormalizeMonths(payments[0].MonthsPaid)
	}

	var course *models.Course
	now := s.clock.Now()
	enrollment, err := mutateEnrollment(ctx, s.repo, s.effects.Metrics, id, func(e *models.Enrollment) (repository.EnrollmentChange, error) {
		if course == nil {
			c, err := s.courses.FindByID(ctx, e.CourseID)
			if err != nil {
				return repository.EnrollmentChange{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
			}
			course = c
		}
		if _, err := billing.Apply(e, billing.EventApprove, now); err != nil {
			return repository.EnrollmentChange{}, err
		}
		if e.NextPaymentDue == nil && !course.IsFree() {
			next := s.policy.Calendar.NextDue(now, months)
			e.NextPaymentDue = &next
		}
		if e.LastPaymentDate == nil && len(payments) > 0 {
			paid := payments[0].PaidAt
			e.LastPaymentDate = &paid
		}
		return repository.EnrollmentChange{SettleFirstEntry: true, AddToRoster: true}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("enrollment approved", zap.String("enrollment_id", id), zap.String("admin_id", actor.ID))
	s.effects.audit(ctx, s.logger, actor, models.AuditActionEnrollmentApprove, enrollment, map[string]interface{}{
		"next_payment_due": enrollment.NextPaymentDue,
	})
	s.effects.publish(ctx, s.logger, enrollmentEvent(events.TypeEnrollmentApproved, enrollment))
	s.effects.invalidate(ctx, enrollment)

	view, err := s.Get(ctx, Actor{}, id)
	if err != nil {
		return nil, err
	}
	s.effects.notify(ctx, NotifyEnrollmentApproved, recipientOf(&view.EnrollmentDetail), NotificationData{
		CourseTitle: view.CourseTitle,
		NextDue:     enrollment.NextPaymentDue,
	})
	return view, nil
}

// Reject declines a pending enrollment.
func (s *EnrollmentService) Reject(ctx context.Context, actor Actor, id string, req RejectEnrollmentRequest) (*models.EnrollmentView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reject payload")
	}
	now := s.clock.Now()
	enrollment, err := mutateEnrollment(ctx, s.repo, s.effects.Metrics, id, func(e *models.Enrollment) (repository.EnrollmentChange, error) {
		_, err := billing.Apply(e, billing.EventReject, now)
		return repository.EnrollmentChange{}, err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("enrollment rejected", zap.String("enrollment_id", id), zap.String("admin_id", actor.ID))
	s.effects.audit(ctx, s.logger, actor, models.AuditActionEnrollmentReject, enrollment, map[string]interface{}{"reason": req.Reason})
	s.effects.publish(ctx, s.logger, enrollmentEvent(events.TypeEnrollmentRejected, enrollment))
	s.effects.invalidate(ctx, enrollment)

	view, err := s.Get(ctx, Actor{}, id)
	if err != nil {
		return nil, err
	}
	s.effects.notify(ctx, NotifyEnrollmentRejected, recipientOf(&view.EnrollmentDetail), NotificationData{
		CourseTitle: view.CourseTitle,
		Reason:      req.Reason,
	})
	return view, nil
}

// reconcile enforces amount == price * months when strict amounts are on and
// logs custom payments otherwise.
func (s *EnrollmentService) reconcile(course *models.Course, amount int64, months int) error {
	return reconcileAmount(s.options, s.logger, course, amount, months)
}

func reconcileAmount(options PaymentOptions, logger *zap.Logger, course *models.Course, amount int64, months int) error {
	expected := billing.ExpectedAmount(course.Price, months)
	if amount == expected {
		return nil
	}
	if options.StrictAmounts {
		return appErrors.Clone(appErrors.ErrAmountMismatch, "amount must equal the monthly fee times months paid")
	}
	logger.Warn("custom payment amount accepted",
		zap.String("course_id", course.ID),
		zap.Int64("amount", amount),
		zap.Int64("expected", expected),
		zap.Int("months_paid", months),
	)
	return nil
}

func manualTransactionID(id string) string {
	if id != "" {
		return id
	}
	return "MANUAL-" + uuid.NewString()
}

func paymentMethod(method, fallback string) string {
	if method == "" {
		return fallback
	}
	return method
}

func recipientOf(detail *models.EnrollmentDetail) Recipient {
	return Recipient{Email: detail.UserEmail, Name: detail.UserName}
}
