package export

import (
	"fmt"
	"strconv"
	"time"

	"github.com/noah-isme/lms-billing-api/internal/models"
)

var enrollmentHeaders = []string{
	"enrollment_id", "user_id", "user_email", "course_id", "course_title",
	"status", "state", "amount", "next_payment_due", "last_payment_date",
	"is_blocked", "unblock_status", "created_at",
}

var paymentHeaders = []string{
	"enrollment_id", "transaction_id", "month", "months_paid", "amount", "method", "status", "paid_at",
}

// Enrollments flattens enrollment views into a dataset. Amounts stay in minor units.
func Enrollments(views []models.EnrollmentView) Dataset {
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.ID,
			v.UserID,
			v.UserEmail,
			v.CourseID,
			v.CourseTitle,
			string(v.Status),
			v.State,
			strconv.FormatInt(v.Amount, 10),
			formatDate(v.NextPaymentDue),
			formatDate(v.LastPaymentDate),
			strconv.FormatBool(v.IsBlocked),
			string(v.UnblockRequest.Status),
			v.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return Dataset{Headers: enrollmentHeaders, Rows: rows}
}

// Payments flattens a payment history into a dataset.
func Payments(entries []models.PaymentEntry) Dataset {
	rows := make([][]string, 0, len(entries))
	for _, p := range entries {
		rows = append(rows, []string{
			p.EnrollmentID,
			p.TransactionID,
			p.MonthLabel,
			strconv.Itoa(p.MonthsPaid),
			strconv.FormatInt(p.Amount, 10),
			p.Method,
			string(p.Status),
			p.PaidAt.UTC().Format(time.RFC3339),
		})
	}
	return Dataset{Headers: paymentHeaders, Rows: rows}
}

// Filename builds a dated attachment name such as enrollments-2024-03-31.csv.
func Filename(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-%s.csv", prefix, now.Format("2006-01-02"))
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
