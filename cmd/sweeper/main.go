package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/internal/app"
	"github.com/noah-isme/lms-billing-api/pkg/config"
	"github.com/noah-isme/lms-billing-api/pkg/logger"
)

// Runs one grace-period sweep and exits. Exit code 1 means the sweep failed.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to build application", zap.Error(err))
	}
	application.Start(ctx)

	report, err := application.Sweeper.Run(ctx)
	application.Close()
	if err != nil {
		logr.Error("billing sweep failed", zap.Error(err))
		_ = logr.Sync()
		os.Exit(1)
	}
	logr.Info("billing sweep finished",
		zap.String("billing_date", report.BillingDate),
		zap.Int("scanned", report.Scanned),
		zap.Int("blocked", report.Blocked),
		zap.Int("reminders_sent", report.RemindersSent),
		zap.Int("reminders_failed", report.RemindersFailed),
		zap.Bool("lock_held", report.LockHeld),
	)
}
