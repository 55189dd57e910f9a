package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/lms-billing-api/api/swagger"
	"github.com/noah-isme/lms-billing-api/internal/app"
	"github.com/noah-isme/lms-billing-api/internal/handler"
	internalmiddleware "github.com/noah-isme/lms-billing-api/internal/middleware"
	"github.com/noah-isme/lms-billing-api/pkg/config"
	"github.com/noah-isme/lms-billing-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/lms-billing-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/lms-billing-api/pkg/middleware/requestid"
)

// @title LMS Billing API
// @version 1.0.0
// @description Monthly subscription billing and classroom access control
// @BasePath /
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to build application", zap.Error(err))
	}
	defer application.Close()
	application.Start(ctx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(application.Metrics))

	handler.RegisterRoutes(r, handler.Handlers{
		Enrollments: handler.NewEnrollmentHandler(application.Enrollments, application.Audit),
		Payments:    handler.NewPaymentHandler(application.Billing, logger.Named(logr, "payments")),
		Access:      handler.NewAccessHandler(application.Access),
		Unblock:     handler.NewUnblockHandler(application.Unblock),
		Sweep:       handler.NewSweepHandler(application.Sweeper, logger.Named(logr, "sweep")),
		Metrics:     handler.NewMetricsHandler(application.Metrics, application.DB),
	}, handler.RouteOptions{
		Authenticate: internalmiddleware.JWT(application.Auth),
		CronSecret:   cfg.Cron.Secret,
		Prefix:       cfg.APIPrefix,
	})

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if cfg.Sweeper.Enabled {
		go application.Sweeper.RunForever(ctx, cfg.Sweeper.Interval)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
	logr.Info("server stopped")
}
