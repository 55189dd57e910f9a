package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-billing-api/internal/models"
	appErrors "github.com/noah-isme/lms-billing-api/pkg/errors"
)

type auditReader interface {
	ListAuditLogs(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditLog, error)
}

// AuditService exposes the audit trail of billing mutations.
type AuditService struct {
	repo   auditReader
	logger *zap.Logger
}

// NewAuditService constructs AuditService.
func NewAuditService(repo auditReader, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{repo: repo, logger: logger}
}

// EnrollmentTrail lists the most recent audit entries of one enrollment.
func (s *AuditService) EnrollmentTrail(ctx context.Context, enrollmentID string, limit int) ([]models.AuditLog, error) {
	if enrollmentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "enrollment id is required")
	}
	logs, err := s.repo.ListAuditLogs(ctx, models.AuditResourceEnrollment, enrollmentID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit trail")
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	return logs, nil
}
