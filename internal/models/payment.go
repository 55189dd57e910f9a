package models

import "time"

// PaymentStatus describes a ledger entry.
type PaymentStatus string

// Possible payment statuses.
const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Payment methods recorded on ledger entries.
const (
	PaymentMethodManual = "manual"
	PaymentMethodStripe = "stripe"
	PaymentMethodFree   = "free"
)

// PaymentEntry is one append-only row of an enrollment's payment history.
type PaymentEntry struct {
	ID            string        `db:"id" json:"id"`
	EnrollmentID  string        `db:"enrollment_id" json:"enrollment_id"`
	TransactionID string        `db:"transaction_id" json:"transaction_id"`
	Amount        int64         `db:"amount" json:"amount"`
	PaidAt        time.Time     `db:"paid_at" json:"date"`
	MonthLabel    string        `db:"month_label" json:"month"`
	MonthsPaid    int           `db:"months_paid" json:"months_paid"`
	Status        PaymentStatus `db:"status" json:"status"`
	Method        string        `db:"method" json:"method"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}
