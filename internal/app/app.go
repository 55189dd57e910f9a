// Package app assembles the billing services from configuration. Both the API
// server and the one-shot sweeper build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/internal/billing"
	"github.com/noah-isme/lms-billing-api/internal/repository"
	"github.com/noah-isme/lms-billing-api/internal/service"
	"github.com/noah-isme/lms-billing-api/pkg/cache"
	"github.com/noah-isme/lms-billing-api/pkg/clock"
	"github.com/noah-isme/lms-billing-api/pkg/config"
	"github.com/noah-isme/lms-billing-api/pkg/database"
	"github.com/noah-isme/lms-billing-api/pkg/events"
	"github.com/noah-isme/lms-billing-api/pkg/gateway"
	"github.com/noah-isme/lms-billing-api/pkg/jobs"
	"github.com/noah-isme/lms-billing-api/pkg/logger"
	"github.com/noah-isme/lms-billing-api/pkg/mailer"
)

// App holds the wired services and the resources they borrow.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *sqlx.DB

	Metrics     *service.MetricsService
	Auth        *service.AuthService
	Access      *service.AccessService
	Audit       *service.AuditService
	Enrollments *service.EnrollmentService
	Billing     *service.BillingService
	Unblock     *service.UnblockService
	Sweeper     *service.SweeperService

	cacheRepo *repository.CacheRepository
	publisher events.Publisher
	mailQueue *jobs.Queue
}

// New connects to Postgres, Redis and Kafka (when enabled) and builds every service.
func New(ctx context.Context, cfg *config.Config, logr *zap.Logger) (*App, error) {
	if logr == nil {
		logr = zap.NewNop()
	}

	calendar, err := billing.LoadCalendar(cfg.Billing.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load billing timezone: %w", err)
	}
	policy := billing.Policy{
		Calendar:         calendar,
		GraceDays:        cfg.Billing.GraceDays,
		UpcomingDays:     cfg.Billing.UpcomingReminderDays,
		ReminderThrottle: cfg.Billing.ReminderThrottle,
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable; running without cache and sweep lock", zap.Error(err))
		redisClient = nil
	}

	a := &App{Config: cfg, Logger: logr, DB: db}
	a.cacheRepo = repository.NewCacheRepository(redisClient, logger.Named(logr, "cache"))

	a.publisher = events.Publisher(events.NopPublisher{})
	if cfg.Events.Enabled {
		kafka, err := events.Dial(cfg.Events.Brokers, cfg.Events.Topic, logger.Named(logr, "events"))
		if err != nil {
			logr.Warn("kafka unavailable; billing events disabled", zap.Error(err))
		} else {
			a.publisher = kafka
		}
	}

	var gw gateway.Gateway
	if cfg.Gateway.StripeSecretKey != "" {
		gw = gateway.NewStripe(cfg.Gateway.StripeSecretKey, cfg.Gateway.StripeWebhookSecret, logger.Named(logr, "gateway"))
	}

	enrollmentRepo := repository.NewEnrollmentRepository(db)
	userRepo := repository.NewUserRepository(db)
	courseRepo := repository.NewCourseRepository(db)

	clk := clock.New()
	validate := validator.New()
	options := service.PaymentOptions{StrictAmounts: cfg.Billing.StrictAmounts}

	a.Metrics = service.NewMetricsService()
	a.Auth = service.NewAuthService(service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
	})

	cacheService := service.NewCacheService(a.cacheRepo, a.Metrics, cfg.Access.CacheTTL, logger.Named(logr, "cache"), cfg.Access.CacheEnabled)
	a.Access = service.NewAccessService(enrollmentRepo, courseRepo, cacheService, policy, clk, logger.Named(logr, "access"))
	a.Audit = service.NewAuditService(userRepo, logger.Named(logr, "audit"))

	notifier := service.NewNotificationService(mailer.New(cfg.Mail, logger.Named(logr, "mailer")), cfg.Billing.Currency, logger.Named(logr, "notification"))
	a.mailQueue = jobs.NewQueue("billing-mail", notifier.HandleJob, jobs.QueueConfig{
		Workers:      cfg.Mail.Workers,
		BufferSize:   256,
		MaxRetries:   cfg.Mail.MaxRetries,
		RetryDelay:   5 * time.Second,
		DrainTimeout: 10 * time.Second,
		Logger:       logger.Named(logr, "mail_queue"),
	})
	notifier.UseQueue(a.mailQueue)

	effects := service.Effects{
		Notifier: notifier,
		Events:   a.publisher,
		Audit:    userRepo,
		Access:   a.Access,
		Metrics:  a.Metrics,
	}

	a.Enrollments = service.NewEnrollmentService(enrollmentRepo, courseRepo, policy, clk, effects, options, validate, logger.Named(logr, "enrollment"))
	a.Billing = service.NewBillingService(enrollmentRepo, courseRepo, gw, policy, clk, effects, options, a.Enrollments, validate, logger.Named(logr, "billing"))
	a.Unblock = service.NewUnblockService(enrollmentRepo, a.Enrollments, clk, effects, logger.Named(logr, "unblock"))
	a.Sweeper = service.NewSweeperService(enrollmentRepo, a.cacheRepo, notifier, policy, clk, effects, service.SweeperConfig{
		BatchSize: cfg.Sweeper.BatchSize,
		LockTTL:   cfg.Sweeper.LockTTL,
	}, logger.Named(logr, "sweeper"))

	return a, nil
}

// Start launches the background mail workers.
func (a *App) Start(ctx context.Context) {
	a.mailQueue.Start(ctx)
}

// Close drains the mail queue and releases connections.
func (a *App) Close() {
	a.mailQueue.Stop()
	if err := a.publisher.Close(); err != nil {
		a.Logger.Warn("close event publisher", zap.Error(err))
	}
	if err := a.cacheRepo.Close(); err != nil {
		a.Logger.Warn("close redis", zap.Error(err))
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn("close postgres", zap.Error(err))
	}
}
