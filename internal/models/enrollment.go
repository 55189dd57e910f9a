package models

import "time"

// EnrollmentStatus is the admin gate in front of billing.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPending  EnrollmentStatus = "pending"
	EnrollmentStatusApproved EnrollmentStatus = "approved"
	EnrollmentStatusRejected EnrollmentStatus = "rejected"
)

// UnblockStatus tracks the manual appeal attached to a blocked enrollment.
type UnblockStatus string

// Possible unblock request statuses.
const (
	UnblockStatusNone     UnblockStatus = "none"
	UnblockStatusPending  UnblockStatus = "pending"
	UnblockStatusApproved UnblockStatus = "approved"
	UnblockStatusRejected UnblockStatus = "rejected"
)

// Enrollment binds one user to one course and carries the subscription state.
// NextPaymentDue is always midnight on the first day of a month in the billing timezone.
type Enrollment struct {
	ID                 string           `db:"id" json:"id"`
	UserID             string           `db:"user_id" json:"user_id"`
	CourseID           string           `db:"course_id" json:"course_id"`
	Amount             int64            `db:"amount" json:"amount"`
	Status             EnrollmentStatus `db:"status" json:"status"`
	SubscriptionStart  *time.Time       `db:"subscription_start" json:"subscription_start,omitempty"`
	NextPaymentDue     *time.Time       `db:"next_payment_due" json:"next_payment_due,omitempty"`
	IsBlocked          bool             `db:"is_blocked" json:"is_blocked"`
	LastPaymentDate    *time.Time       `db:"last_payment_date" json:"last_payment_date,omitempty"`
	LastEmailSentAt    *time.Time       `db:"last_email_sent_at" json:"last_email_sent_at,omitempty"`
	UnblockStatus      UnblockStatus    `db:"unblock_status" json:"-"`
	UnblockRequestedAt *time.Time       `db:"unblock_requested_at" json:"-"`
	UnblockReviewedAt  *time.Time       `db:"unblock_reviewed_at" json:"-"`
	Version            int              `db:"version" json:"version"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentDetail enriches Enrollment with the course and user fields billing needs.
type EnrollmentDetail struct {
	Enrollment
	CourseTitle string `db:"course_title" json:"course_title"`
	CoursePrice int64  `db:"course_price" json:"course_price"`
	UserEmail   string `db:"user_email" json:"user_email"`
	UserName    string `db:"user_name" json:"user_name"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	UserID        string
	CourseID      string
	Status        EnrollmentStatus
	Blocked       *bool
	UnblockStatus UnblockStatus
	Page          int
	PageSize      int
	SortBy        string
	SortOrder     string
}

// BillableCursor pages through approved paid enrollments by id.
type BillableCursor struct {
	AfterID string
	Limit   int
}

// UnblockRequest is the JSON shape of the appeal attached to an enrollment.
type UnblockRequest struct {
	Status      UnblockStatus `json:"status"`
	RequestedAt *time.Time    `json:"requested_at,omitempty"`
	ReviewedAt  *time.Time    `json:"reviewed_at,omitempty"`
}

// Unblock returns the appeal sub-object.
func (e Enrollment) Unblock() UnblockRequest {
	status := e.UnblockStatus
	if status == "" {
		status = UnblockStatusNone
	}
	return UnblockRequest{Status: status, RequestedAt: e.UnblockRequestedAt, ReviewedAt: e.UnblockReviewedAt}
}

// EnrollmentView is the API representation of one enrollment.
type EnrollmentView struct {
	EnrollmentDetail
	State          string         `json:"state"`
	UnblockRequest UnblockRequest `json:"unblock_request"`
	PaymentHistory []PaymentEntry `json:"payment_history,omitempty"`
}
