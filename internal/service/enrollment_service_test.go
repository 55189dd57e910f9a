package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-billing-api/internal/billing"
	"github.com/noah-isme/lms-billing-api/internal/models"
	appErrors "github.com/noah-isme/lms-billing-api/pkg/errors"
	"github.com/noah-isme/lms-billing-api/pkg/events"
)

func assertAppError(t *testing.T, err error, want *appErrors.Error) {
	t.Helper()
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr), "unexpected error type %T: %v", err, err)
	assert.Equal(t, want.Code, appErr.Code)
	assert.Equal(t, want.Status, appErr.Status)
}

func TestEnrollmentServiceCreateFreeCourseApprovesImmediately(t *testing.T) {
	h := newBillingHarness(t, time.Date(2024, time.January, 20, 10, 0, 0, 0, time.UTC), PaymentOptions{})

	view, err := h.enrollments.Create(context.Background(), student, CreateEnrollmentRequest{CourseID: "course-free"})
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusApproved, view.Status)
	assert.Equal(t, string(billing.StateFree), view.State)
	assert.Nil(t, view.NextPaymentDue)
	assert.Equal(t, 1, view.Version)
	assert.True(t, h.store.enrolled("stu-1", "course-free"))
	assert.Equal(t, []string{events.TypeEnrollmentCreated}, h.publisher.types())
	assert.Equal(t, []string{"Enrollment approved: Course course-free"}, h.mailer.subjects())
	assert.Equal(t, []string{models.AuditActionEnrollmentCreate}, h.store.auditActions())
}

func TestEnrollmentServiceCreatePaidWaitsForApproval(t *testing.T) {
	h := newBillingHarness(t, time.Date(2024, time.January, 20, 10, 0, 0, 0, time.UTC), PaymentOptions{})

	view, err := h.enrollments.Create(context.Background(), student, CreateEnrollmentRequest{
		CourseID:      "course-paid",
		Amount:        1000,
		MonthsPaid:    2,
		TransactionID: "tx-join",
	})
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusPending, view.Status)
	assert.Equal(t, string(billing.StatePending), view.State)
	assert.False(t, h.store.enrolled("stu-1", "course-paid"))
	require.Len(t, view.PaymentHistory, 1)
	entry := view.PaymentHistory[0]
	assert.Equal(t, "tx-join", entry.TransactionID)
	assert.Equal(t, models.PaymentStatusPending, entry.Status)
	assert.Equal(t, "Joining - January 2024 to February 2024", entry.MonthLabel)
	assert.Empty(t, h.mailer.subjects())

	_, err = h.enrollments.Create(context.Background(), student, CreateEnrollmentRequest{CourseID: "course-paid"})
	assertAppError(t, err, appErrors.ErrDuplicateEnrollment)
}

func TestEnrollmentServiceCreateValidation(t *testing.T) {
	h := newBillingHarness(t, day(2024, time.January, 20), PaymentOptions{StrictAmounts: true})
	ctx := context.Background()

	_, err := h.enrollments.Create(ctx, student, CreateEnrollmentRequest{})
	assertAppError(t, err, appErrors.ErrValidation)

	_, err = h.enrollments.Create(ctx, student, CreateEnrollmentRequest{CourseID: "missing"})
	assertAppError(t, err, appErrors.ErrNotFound)

	_, err = h.enrollments.Create(ctx, student, CreateEnrollmentRequest{CourseID: "course-paid", Amount: 400})
	assertAppError(t, err, appErrors.ErrAmountMismatch)
}

func TestEnrollmentServiceAdminEnrollsOnBehalfOfStudent(t *testing.T) {
	h := newBillingHarness(t, day(2024, time.January, 20), PaymentOptions{})

	view, err := h.enrollments.Create(context.Background(), admin, CreateEnrollmentRequest{CourseID: "course-paid", UserID: "stu-2"})
	require.NoError(t, err)
	assert.Equal(t, "stu-2", view.UserID)

	view, err = h.enrollments.Create(context.Background(), student, CreateEnrollmentRequest{CourseID: "course-free", UserID: "stu-2"})
	require.NoError(t, err)
	assert.Equal(t, "stu-1", view.UserID)
}

func TestEnrollmentServiceApproveSettlesFirstPayment(t *testing.T) {
	now := time.Date(2024, time.January, 20, 10, 0, 0, 0, time.UTC)
	h := newBillingHarness(t, now, PaymentOptions{})
	ctx := context.Background()

	created, err := h.enrollments.Create(ctx, student, CreateEnrollmentRequest{CourseID: "course-paid", Amount: 1000, MonthsPaid: 2})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	view, err := h.enrollments.Approve(ctx, admin, created.ID)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusApproved, view.Status)
	require.NotNil(t, view.NextPaymentDue)
	assert.Equal(t, day(2024, time.March, 1), *view.NextPaymentDue)
	require.NotNil(t, view.SubscriptionStart)
	assert.Equal(t, now.Add(2*time.Hour), *view.SubscriptionStart)
	require.NotNil(t, view.LastPaymentDate)
	assert.Equal(t, now, *view.LastPaymentDate)
	require.Len(t, view.PaymentHistory, 1)
	assert.Equal(t, models.PaymentStatusSuccess, view.PaymentHistory[0].Status)
	assert.True(t, h.store.enrolled("stu-1", "course-paid"))
	assert.Equal(t, 1, h.store.courses["course-paid"].StudentCount)
	assert.Equal(t, []string{events.TypeEnrollmentCreated, events.TypeEnrollmentApproved}, h.publisher.types())
	assert.Contains(t, h.mailer.subjects(), "Enrollment approved: Course course-paid")

	_, err = h.enrollments.Approve(ctx, admin, created.ID)
	assertAppError(t, err, appErrors.ErrInvalidTransition)
}

func TestEnrollmentServiceApproveWithoutPaymentStartsNextMonth(t *testing.T) {
	h := newBillingHarness(t, day(2024, time.May, 31), PaymentOptions{})
	id := h.store.put(models.Enrollment{UserID: "stu-1", CourseID: "course-paid", Status: models.EnrollmentStatusPending})

	view, err := h.enrollments.Approve(context.Background(), admin, id)
	require.NoError(t, err)
	assert.Equal(t, day(2024, time.June, 1), *view.NextPaymentDue)
	assert.Nil(t, view.LastPaymentDate)
}

func TestEnrollmentServiceRejectThenApprove(t *testing.T) {
	h := newBillingHarness(t, day(2024, time.January, 20), PaymentOptions{})
	ctx := context.Background()
	id := h.store.put(models.Enrollment{UserID: "stu-1", CourseID: "course-paid", Status: models.EnrollmentStatusPending})

	view, err := h.enrollments.Reject(ctx, admin, id, RejectEnrollmentRequest{Reason: "payment slip unreadable"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusRejected, view.Status)
	assert.Equal(t, string(billing.StateRejected), view.State)
	assert.Contains(t, h.mailer.subjects(), "Enrollment update: Course course-paid")

	_, err = h.enrollments.Reject(ctx, admin, id, RejectEnrollmentRequest{})
	assertAppError(t, err, appErrors.ErrInvalidTransition)

	view, err = h.enrollments.Approve(ctx, admin, id)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusApproved, view.Status)
}

func TestEnrollmentServiceApproveUnknown(t *testing.T) {
	h := newBillingHarness(t, day(2024, time.January, 20), PaymentOptions{})

	_, err := h.enrollments.Approve(context.Background(), admin, "enr-missing")
	assertAppError(t, err, appErrors.ErrNotFound)
}

func TestEnrollmentServiceGetEnforcesOwnership(t *testing.T) {
	h := newBillingHarness(t, day(2024, time.January, 20), PaymentOptions{})
	ctx := context.Background()
	id := h.store.put(models.Enrollment{UserID: "stu-1", CourseID: "course-paid", Status: models.EnrollmentStatusPending})

	view, err := h.enrollments.Get(ctx, student, id)
	require.NoError(t, err)
	assert.Equal(t, "stu-1@example.com", view.UserEmail)
	assert.Equal(t, models.UnblockStatusNone, view.UnblockRequest.Status)

	_, err = h.enrollments.Get(ctx, other, id)
	assertAppError(t, err, appErrors.ErrForbidden)

	_, err = h.enrollments.Get(ctx, admin, id)
	require.NoError(t, err)
}

func TestEnrollmentServiceListScopesStudents(t *testing.T) {
	h := newBillingHarness(t, day(2024, time.March, 10), PaymentOptions{})
	h.store.put(models.Enrollment{UserID: "stu-1", CourseID: "course-paid", Status: models.EnrollmentStatusApproved, NextPaymentDue: ptrTime(day(2024, time.March, 1))})
	h.store.put(models.Enrollment{UserID: "stu-2", CourseID: "course-paid", Status: models.EnrollmentStatusPending})

	views, page, err := h.enrollments.List(context.Background(), student, models.EnrollmentFilter{UserID: "stu-2"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "stu-1", views[0].UserID)
	assert.Equal(t, string(billing.StateFeeDue), views[0].State)
	assert.Equal(t, 1, page.TotalCount)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 20, page.PageSize)

	views, page, err = h.enrollments.List(context.Background(), admin, models.EnrollmentFilter{})
	require.NoError(t, err)
	assert.Len(t, views, 2)
	assert.Equal(t, 2, page.TotalCount)
}
