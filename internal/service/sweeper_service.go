package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/internal/billing"
	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/internal/repository"
	"github.com/noah-isme/lms-billing-api/pkg/clock"
	appErrors "github.com/noah-isme/lms-billing-api/pkg/errors"
	"github.com/noah-isme/lms-billing-api/pkg/events"
)

type sweepRepository interface {
	enrollmentCommitter
	ListBillable(ctx context.Context, cursor models.BillableCursor) ([]models.EnrollmentDetail, error)
	UpdateReminderSentAt(ctx context.Context, id string, sentAt time.Time) error
}

type sweepLocker interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

type reminderSender interface {
	Deliver(ctx context.Context, kind NotificationKind, to Recipient, data NotificationData) error
}

// SweeperConfig tunes batch size and the daily lock.
type SweeperConfig struct {
	BatchSize int
	LockTTL   time.Duration
}

var errSweepStale = errors.New("enrollment no longer eligible for blocking")

// SweeperService runs the daily grace-period sweep. Decisions depend only on
// absolute dates, so an interrupted run is finished by the next one.
type SweeperService struct {
	repo    sweepRepository
	locker  sweepLocker
	mailer  reminderSender
	policy  billing.Policy
	clock   clock.Clock
	effects Effects
	config  SweeperConfig
	logger  *zap.Logger
}

// NewSweeperService constructs SweeperService. locker may be nil.
func NewSweeperService(repo sweepRepository, locker sweepLocker, mailer reminderSender, policy billing.Policy, clk clock.Clock, effects Effects, cfg SweeperConfig, logger *zap.Logger) *SweeperService {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 6 * time.Hour
	}
	if policy.GraceDays <= 0 {
		policy.GraceDays = 30
	}
	return &SweeperService{repo: repo, locker: locker, mailer: mailer, policy: policy, clock: clk, effects: effects, config: cfg, logger: logger}
}

// Run performs one sweep for today's billing date. When another run already
// holds today's lock it returns a report with LockHeld set and does nothing.
func (s *SweeperService) Run(ctx context.Context) (*models.SweepReport, error) {
	now := s.clock.Now()
	report := &models.SweepReport{BillingDate: s.policy.Calendar.DateKey(now), StartedAt: now}
	started := time.Now()

	lockKey := "billing:sweep:" + report.BillingDate
	owner := uuid.NewString()
	if s.locker != nil {
		acquired, err := s.locker.AcquireLock(ctx, lockKey, owner, s.config.LockTTL)
		switch {
		case err != nil:
			s.logger.Warn("sweep lock unavailable, continuing without it", zap.Error(err))
		case !acquired:
			s.logger.Info("sweep already ran for billing date", zap.String("billing_date", report.BillingDate))
			report.LockHeld = true
			return report, nil
		}
	}

	err := s.sweep(ctx, now, report)
	report.Duration = time.Since(started)
	s.effects.Metrics.ObserveSweep(report.Duration)

	if err != nil {
		// Let a retry run today after a failed listing.
		if s.locker != nil {
			if rerr := s.locker.ReleaseLock(context.Background(), lockKey, owner); rerr != nil {
				s.logger.Warn("failed to release sweep lock", zap.Error(rerr))
			}
		}
		s.logger.Error("sweep aborted", zap.String("billing_date", report.BillingDate), zap.Error(err))
		return report, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "billing sweep failed")
	}

	s.logger.Info("sweep finished",
		zap.String("billing_date", report.BillingDate),
		zap.Int("scanned", report.Scanned),
		zap.Int("blocked", report.Blocked),
		zap.Int("reminders_sent", report.RemindersSent),
		zap.Int("reminders_failed", report.RemindersFailed),
		zap.Int("throttled", report.Throttled),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (s *SweeperService) sweep(ctx context.Context, now time.Time, report *models.SweepReport) error {
	cursor := models.BillableCursor{Limit: s.config.BatchSize}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.repo.ListBillable(ctx, cursor)
		if err != nil {
			return fmt.Errorf("list billable enrollments: %w", err)
		}
		for i := range batch {
			s.evaluate(ctx, &batch[i], now, report)
		}
		if len(batch) < cursor.Limit {
			return nil
		}
		cursor.AfterID = batch[len(batch)-1].ID
	}
}

func (s *SweeperService) evaluate(ctx context.Context, detail *models.EnrollmentDetail, now time.Time, report *models.SweepReport) {
	report.Scanned++
	decision := s.policy.DecideSweep(&detail.Enrollment, detail.CoursePrice, now)
	switch {
	case decision.Skipped:
		report.Skipped++
	case decision.Throttled:
		report.Throttled++
	case decision.Action == billing.SweepBlock:
		s.block(ctx, detail, now, decision, report)
	case decision.Action.IsReminder():
		s.remind(ctx, detail, now, decision, report)
	}
}

func (s *SweeperService) block(ctx context.Context, detail *models.EnrollmentDetail, now time.Time, decision billing.SweepDecision, report *models.SweepReport) {
	logger := s.logger.With(zap.String("enrollment_id", detail.ID))
	enrollment, err := mutateEnrollment(ctx, s.repo, s.effects.Metrics, detail.ID, func(e *models.Enrollment) (repository.EnrollmentChange, error) {
		// Re-evaluate on the fresh row: a payment may have landed since the batch was read.
		if s.policy.DecideSweep(e, detail.CoursePrice, now).Action != billing.SweepBlock {
			return repository.EnrollmentChange{}, errSweepStale
		}
		_, err := billing.Apply(e, billing.EventBlock, now)
		return repository.EnrollmentChange{}, err
	})
	if errors.Is(err, errSweepStale) {
		report.Skipped++
		return
	}
	if err != nil {
		report.Errors++
		logger.Error("failed to block enrollment", zap.Error(err))
		return
	}

	report.Blocked++
	s.effects.Metrics.RecordBlock()
	logger.Info("enrollment blocked", zap.Int("days_overdue", decision.DiffDays))
	s.effects.audit(ctx, logger, Actor{}, models.AuditActionEnrollmentBlock, enrollment, map[string]interface{}{
		"days_overdue":     decision.DiffDays,
		"next_payment_due": enrollment.NextPaymentDue,
	})
	s.effects.publish(ctx, logger, enrollmentEvent(events.TypeEnrollmentBlocked, enrollment))
	s.effects.invalidate(ctx, enrollment)

	if s.mailer == nil {
		return
	}
	data := NotificationData{CourseTitle: detail.CourseTitle, NextDue: enrollment.NextPaymentDue, DaysOverdue: decision.DiffDays}
	if err := s.mailer.Deliver(ctx, NotifyAccessRevoked, recipientOf(detail), data); err != nil {
		logger.Warn("failed to send access revoked notice", zap.String("to", detail.UserEmail), zap.Error(err))
	}
}

func (s *SweeperService) remind(ctx context.Context, detail *models.EnrollmentDetail, now time.Time, decision billing.SweepDecision, report *models.SweepReport) {
	if s.mailer == nil {
		return
	}
	kind := NotificationKind(decision.Action)
	graceLeft := s.policy.GraceDays - decision.DiffDays
	if graceLeft < 0 {
		graceLeft = 0
	}
	data := NotificationData{
		CourseTitle:   detail.CourseTitle,
		NextDue:       detail.NextPaymentDue,
		DaysOverdue:   decision.DiffDays,
		GraceDaysLeft: graceLeft,
	}
	if err := s.mailer.Deliver(ctx, kind, recipientOf(detail), data); err != nil {
		report.RemindersFailed++
		s.effects.Metrics.RecordReminder(string(kind), "failed")
		s.logger.Warn("failed to send reminder",
			zap.String("enrollment_id", detail.ID),
			zap.String("kind", string(kind)),
			zap.String("to", detail.UserEmail),
			zap.Error(err),
		)
		return
	}
	report.RemindersSent++
	s.effects.Metrics.RecordReminder(string(kind), "sent")
	if err := s.repo.UpdateReminderSentAt(ctx, detail.ID, now); err != nil {
		report.Errors++
		s.logger.Error("failed to stamp reminder time", zap.String("enrollment_id", detail.ID), zap.Error(err))
	}
}

// RunForever sweeps immediately and then every interval until ctx ends.
func (s *SweeperService) RunForever(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduled sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
