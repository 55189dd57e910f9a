package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/noah-isme/lms-billing-api/internal/billing"
	"github.com/noah-isme/lms-billing-api/internal/models"
	"github.com/noah-isme/lms-billing-api/internal/repository"
	appErrors "github.com/noah-isme/lms-billing-api/pkg/errors"
)

const maxCommitAttempts = 3

type enrollmentCommitter interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	Commit(ctx context.Context, change repository.EnrollmentChange) error
}

// mutateEnrollment reloads the enrollment, lets apply change it and commits the
// result under the version check. A lost race reloads and re-applies, up to
// maxCommitAttempts times. repository.ErrDuplicateTransaction is returned unwrapped.
func mutateEnrollment(ctx context.Context, repo enrollmentCommitter, metrics *MetricsService, id string,
	apply func(e *models.Enrollment) (repository.EnrollmentChange, error)) (*models.Enrollment, error) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		e, err := repo.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
		}

		change, err := apply(e)
		if err != nil {
			return nil, transitionError(err)
		}
		change.Enrollment = e

		err = repo.Commit(ctx, change)
		switch {
		case err == nil:
			return e, nil
		case errors.Is(err, repository.ErrVersionConflict):
			metrics.RecordVersionConflict()
			continue
		case errors.Is(err, repository.ErrDuplicateTransaction):
			return nil, err
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save enrollment")
		}
	}
	return nil, appErrors.Clone(appErrors.ErrVersionConflict, "enrollment changed concurrently, retry the request")
}

func transitionError(err error) error {
	var terr *billing.TransitionError
	if errors.As(err, &terr) {
		return appErrors.Wrap(err, appErrors.ErrInvalidTransition.Code, appErrors.ErrInvalidTransition.Status, terr.Error())
	}
	return err
}
