package billing

import (
	"time"

	"github.com/noah-isme/lms-billing-api/internal/models"
)

// PaymentInput is a payment event entering the transition engine.
type PaymentInput struct {
	TransactionID string
	Amount        int64
	MonthsPaid    int
	Method        string
}

// PaymentOutcome describes what RecordPayment changed.
type PaymentOutcome struct {
	Entry        models.PaymentEntry
	PreviousDue  *time.Time
	NextDue      time.Time
	Joining      bool
	WasBlocked   bool
	FirstPayment bool
}

// RecordPayment advances the due date from the current one, applies the pay
// transition and builds the ledger entry. Joiners and blocked enrollments start
// counting from now's month: months spent blocked are not billed, so a payment
// always leaves the due date in the future. The caller persists both atomically.
func (c Calendar) RecordPayment(e *models.Enrollment, in PaymentInput, now time.Time) (PaymentOutcome, error) {
	months := NormalizeMonths(in.MonthsPaid)
	joining := e.NextPaymentDue == nil
	base := c.StartOfMonth(now)
	if !joining && !e.IsBlocked {
		base = *e.NextPaymentDue
	}

	outcome := PaymentOutcome{
		PreviousDue:  e.NextPaymentDue,
		Joining:      joining,
		WasBlocked:   e.IsBlocked,
		FirstPayment: e.SubscriptionStart == nil,
	}
	if _, err := Apply(e, EventPay, now); err != nil {
		return outcome, err
	}

	next := c.NextDue(base, months)
	e.NextPaymentDue = &next
	outcome.NextDue = next
	outcome.Entry = models.PaymentEntry{
		EnrollmentID:  e.ID,
		TransactionID: in.TransactionID,
		Amount:        in.Amount,
		PaidAt:        now,
		MonthLabel:    c.CycleLabel(base, months, joining),
		MonthsPaid:    months,
		Status:        models.PaymentStatusSuccess,
		Method:        in.Method,
		CreatedAt:     now,
	}
	return outcome, nil
}
