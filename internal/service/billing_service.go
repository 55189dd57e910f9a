package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/internal/billing"
	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/internal/repository"
	"github.com/noah-isme/lms-billing-api/pkg/clock"
	appErrors "github.com/noah-isme/lms-billing-api/pkg/errors"
	"github.com/noah-isme/lms-billing-api/pkg/events"
	"github.com/noah-isme/lms-billing-api/pkg/gateway"
)

// Payment entry paths, used as the metrics label.
const (
	PaymentSourceManual  = "manual"
	PaymentSourceVerify  = "verify"
	PaymentSourceWebhook = "webhook"
)

type billingRepository interface {
	enrollmentViewReader
	enrollmentCommitter
	FindByUserAndCourse(ctx context.Context, userID, courseID string) (*models.Enrollment, error)
	FindPaymentByTransaction(ctx context.Context, enrollmentID, transactionID string) (*models.PaymentEntry, error)
	Create(ctx context.Context, enrollment *models.Enrollment, first *models.PaymentEntry, addToRoster bool) error
}

// ManualPaymentRequest is an admin-entered payment.
type ManualPaymentRequest struct {
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	MonthsPaid    int    `json:"months_paid" validate:"omitempty,min=1,max=24"`
	Method        string `json:"method" validate:"omitempty,max=32"`
	TransactionID string `json:"transaction_id" validate:"omitempty,max=128"`
}

// VerifyPaymentRequest asks the server to verify a gateway payment for a course.
type VerifyPaymentRequest struct {
	CourseID        string `json:"course_id" validate:"required"`
	PaymentIntentID string `json:"payment_intent_id" validate:"required"`
}

// PaymentResult reports the enrollment after a payment. Duplicate is set when
// the transaction was already in the ledger and nothing changed.
type PaymentResult struct {
	Enrollment *models.EnrollmentView `json:"enrollment"`
	Payment    *models.PaymentEntry   `json:"payment,omitempty"`
	Duplicate  bool                   `json:"duplicate"`
}

// BillingService is the single funnel through which payments change an enrollment.
type BillingService struct {
	repo      billingRepository
	courses   courseReader
	gateway   gateway.Gateway
	policy    billing.Policy
	clock     clock.Clock
	effects   Effects
	options   PaymentOptions
	views     *EnrollmentService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewBillingService constructs BillingService. gw may be nil when no gateway is configured.
func NewBillingService(repo billingRepository, courses courseReader, gw gateway.Gateway, policy billing.Policy, clk clock.Clock, effects Effects, options PaymentOptions, views *EnrollmentService, validate *validator.Validate, logger *zap.Logger) *BillingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &BillingService{repo: repo, courses: courses, gateway: gw, policy: policy, clock: clk, effects: effects, options: options, views: views, validator: validate, logger: logger}
}

// RecordManualPayment applies an admin-entered payment to an enrollment.
func (s *BillingService) RecordManualPayment(ctx context.Context, actor Actor, enrollmentID string, req ManualPaymentRequest) (*PaymentResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}
	detail, err := s.repo.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	course, err := s.loadCourse(ctx, detail.CourseID)
	if err != nil {
		return nil, err
	}

	months := billing.NormalizeMonths(req.MonthsPaid)
	if err := reconcileAmount(s.options, s.logger, course, req.Amount, months); err != nil {
		return nil, err
	}
	input := billing.PaymentInput{
		TransactionID: manualTransactionID(req.TransactionID),
		Amount:        req.Amount,
		MonthsPaid:    months,
		Method:        paymentMethod(req.Method, models.PaymentMethodManual),
	}
	return s.applyPayment(ctx, actor, enrollmentID, input, PaymentSourceManual)
}

// VerifyPayment settles a gateway payment the student completed at checkout.
func (s *BillingService) VerifyPayment(ctx context.Context, actor Actor, req VerifyPaymentRequest) (*PaymentResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid verification payload")
	}
	if s.gateway == nil {
		return nil, appErrors.Clone(appErrors.ErrGatewayUnavailable, "")
	}
	intent, err := s.gateway.GetPaymentIntent(ctx, req.PaymentIntentID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotConfigured) {
			return nil, appErrors.Clone(appErrors.ErrGatewayUnavailable, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrPaymentNotVerified.Code, appErrors.ErrPaymentNotVerified.Status, "payment could not be verified with the gateway")
	}
	if !intent.Succeeded {
		return nil, appErrors.Clone(appErrors.ErrPaymentNotVerified, "payment has not succeeded")
	}
	if c := intent.Metadata[gateway.MetadataCourseID]; c != "" && c != req.CourseID {
		return nil, appErrors.Clone(appErrors.ErrPaymentNotVerified, "payment belongs to another course")
	}
	if u := intent.Metadata[gateway.MetadataUserID]; u != "" && u != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrPaymentNotVerified, "payment belongs to another user")
	}
	return s.settleIntent(ctx, actor, actor.ID, req.CourseID, intent, PaymentSourceVerify)
}

// HandleWebhook settles a signed gateway notification. Events other than a
// succeeded payment are acknowledged and ignored with a nil result.
func (s *BillingService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*PaymentResult, error) {
	if s.gateway == nil {
		return nil, appErrors.Clone(appErrors.ErrGatewayUnavailable, "")
	}
	event, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, gateway.ErrNotConfigured) {
			return nil, appErrors.Clone(appErrors.ErrGatewayUnavailable, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid webhook payload")
	}
	if event.Type != gateway.EventPaymentSucceeded || event.Intent == nil {
		s.logger.Debug("webhook event ignored", zap.String("event_id", event.ID), zap.String("type", event.Type))
		return nil, nil
	}
	userID := event.Intent.Metadata[gateway.MetadataUserID]
	courseID := event.Intent.Metadata[gateway.MetadataCourseID]
	if userID == "" || courseID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "payment intent is missing enrollment metadata")
	}
	return s.settleIntent(ctx, Actor{}, userID, courseID, event.Intent, PaymentSourceWebhook)
}

// settleIntent funnels a verified intent into applyPayment, creating the
// enrollment first when the user never signed up for the course.
func (s *BillingService) settleIntent(ctx context.Context, actor Actor, userID, courseID string, intent *gateway.PaymentIntent, source string) (*PaymentResult, error) {
	course, err := s.loadCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if course.IsFree() {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "course is free")
	}
	months := billing.MonthsForAmount(intent.Amount, course.Price)
	if err := reconcileAmount(s.options, s.logger, course, intent.Amount, months); err != nil {
		return nil, err
	}

	enrollment, err := s.findOrCreate(ctx, userID, course, intent.Amount)
	if err != nil {
		return nil, err
	}
	input := billing.PaymentInput{
		TransactionID: intent.ID,
		Amount:        intent.Amount,
		MonthsPaid:    months,
		Method:        models.PaymentMethodStripe,
	}
	return s.applyPayment(ctx, actor, enrollment.ID, input, source)
}

func (s *BillingService) findOrCreate(ctx context.Context, userID string, course *models.Course, amount int64) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByUserAndCourse(ctx, userID, course.ID)
	if err == nil {
		return enrollment, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	enrollment = &models.Enrollment{
		UserID:    userID,
		CourseID:  course.ID,
		Amount:    amount,
		Status:    models.EnrollmentStatusPending,
		CreatedAt: s.clock.Now(),
	}
	err = s.repo.Create(ctx, enrollment, nil, false)
	switch {
	case err == nil:
		s.effects.publish(ctx, s.logger, enrollmentEvent(events.TypeEnrollmentCreated, enrollment))
		return enrollment, nil
	case errors.Is(err, repository.ErrDuplicateEnrollment):
		// Lost the race against a concurrent signup for the same pair.
		existing, ferr := s.repo.FindByUserAndCourse(ctx, userID, course.ID)
		if ferr != nil {
			return nil, appErrors.Wrap(ferr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
		}
		return existing, nil
	default:
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}
}

// applyPayment is the transition engine entry point shared by every path.
// A transaction already settled in the ledger is a no-op. A transaction that
// matches the pending first entry written at signup settles that entry in place.
func (s *BillingService) applyPayment(ctx context.Context, actor Actor, enrollmentID string, input billing.PaymentInput, source string) (*PaymentResult, error) {
	var settling *models.PaymentEntry
	existing, err := s.repo.FindPaymentByTransaction(ctx, enrollmentID, input.TransactionID)
	switch {
	case err == nil && existing.Status != models.PaymentStatusPending:
		return s.duplicate(ctx, enrollmentID, existing)
	case err == nil:
		settling = existing
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check transaction")
	}

	var outcome billing.PaymentOutcome
	now := s.clock.Now()
	enrollment, err := mutateEnrollment(ctx, s.repo, s.effects.Metrics, enrollmentID, func(e *models.Enrollment) (repository.EnrollmentChange, error) {
		admitted := e.Status == models.EnrollmentStatusApproved
		if settling != nil && admitted {
			// Only an unapproved enrollment can still carry a pending entry.
			return repository.EnrollmentChange{}, repository.ErrDuplicateTransaction
		}
		var err error
		outcome, err = s.policy.Calendar.RecordPayment(e, input, now)
		if err != nil {
			return repository.EnrollmentChange{}, err
		}
		change := repository.EnrollmentChange{AddToRoster: !admitted, SettleFirstEntry: !admitted}
		if settling == nil {
			change.Payment = &outcome.Entry
		} else {
			settled := *settling
			settled.Status = models.PaymentStatusSuccess
			outcome.Entry = settled
		}
		return change, nil
	})
	if errors.Is(err, repository.ErrDuplicateTransaction) {
		existing, ferr := s.repo.FindPaymentByTransaction(ctx, enrollmentID, input.TransactionID)
		if ferr != nil {
			return nil, appErrors.Wrap(ferr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
		}
		return s.duplicate(ctx, enrollmentID, existing)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment recorded",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("transaction_id", input.TransactionID),
		zap.String("source", source),
		zap.Int64("amount", input.Amount),
		zap.Int("months_paid", outcome.Entry.MonthsPaid),
		zap.Time("next_payment_due", outcome.NextDue),
		zap.Bool("was_blocked", outcome.WasBlocked),
		zap.Bool("settled_pending_entry", settling != nil),
	)
	s.effects.Metrics.RecordPayment(source)
	s.effects.audit(ctx, s.logger, actor, models.AuditActionPaymentRecord, enrollment, map[string]interface{}{
		"transaction_id":   input.TransactionID,
		"amount":           input.Amount,
		"months_paid":      outcome.Entry.MonthsPaid,
		"month":            outcome.Entry.MonthLabel,
		"next_payment_due": outcome.NextDue,
		"source":           source,
	})
	event := enrollmentEvent(events.TypePaymentRecorded, enrollment)
	event.TransactionID = input.TransactionID
	event.Amount = input.Amount
	s.effects.publish(ctx, s.logger, event)
	s.effects.invalidate(ctx, enrollment)

	entry := outcome.Entry
	next := outcome.NextDue
	view, err := s.views.Get(ctx, Actor{}, enrollmentID)
	if err != nil {
		// The payment is already committed; report it without the fresh view.
		s.logger.Warn("failed to reload enrollment after payment",
			zap.String("enrollment_id", enrollmentID),
			zap.String("transaction_id", input.TransactionID),
			zap.Error(err),
		)
		fallback := &models.EnrollmentView{
			EnrollmentDetail: models.EnrollmentDetail{Enrollment: *enrollment},
			State:            string(billing.StateOf(enrollment)),
			UnblockRequest:   enrollment.Unblock(),
		}
		return &PaymentResult{Enrollment: fallback, Payment: &entry}, nil
	}
	s.effects.notify(ctx, NotifyPaymentReceipt, recipientOf(&view.EnrollmentDetail), NotificationData{
		CourseTitle: view.CourseTitle,
		Amount:      input.Amount,
		CycleLabel:  outcome.Entry.MonthLabel,
		NextDue:     &next,
	})
	return &PaymentResult{Enrollment: view, Payment: &entry}, nil
}

func (s *BillingService) duplicate(ctx context.Context, enrollmentID string, existing *models.PaymentEntry) (*PaymentResult, error) {
	s.logger.Info("duplicate transaction ignored",
		zap.String("enrollment_id", enrollmentID),
		zap.String("transaction_id", existing.TransactionID),
	)
	view, err := s.views.Get(ctx, Actor{}, enrollmentID)
	if err != nil {
		return nil, err
	}
	return &PaymentResult{Enrollment: view, Payment: existing, Duplicate: true}, nil
}

func (s *BillingService) loadCourse(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.courses.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return course, nil
}
