package billing

import (
	"time"

	"github.com/noah-isme/lms-billing-api/internal/models"
)

// Policy carries the configurable billing windows.
type Policy struct {
	Calendar         Calendar
	GraceDays        int
	UpcomingDays     int
	ReminderThrottle time.Duration
}

// DefaultPolicy returns the standard 30-day grace, 2-day notice and 20-hour throttle.
func DefaultPolicy(cal Calendar) Policy {
	return Policy{Calendar: cal, GraceDays: 30, UpcomingDays: 2, ReminderThrottle: 20 * time.Hour}
}

func (p Policy) withDefaults() Policy {
	if p.GraceDays <= 0 {
		p.GraceDays = 30
	}
	if p.UpcomingDays <= 0 {
		p.UpcomingDays = 2
	}
	if p.ReminderThrottle <= 0 {
		p.ReminderThrottle = 20 * time.Hour
	}
	return p
}

// AccessReason explains an access decision.
type AccessReason string

const (
	AccessOK              AccessReason = "OK"
	AccessFeeDue          AccessReason = "FEE_DUE"
	AccessFreeCourse      AccessReason = "FREE_COURSE"
	AccessBlocked         AccessReason = "BLOCKED"
	AccessNotEnrolled     AccessReason = "NOT_ENROLLED"
	AccessPendingApproval AccessReason = "PENDING_APPROVAL"
	AccessRejected        AccessReason = "REJECTED"
	AccessPrivileged      AccessReason = "PRIVILEGED"
)

// AccessDecision is the classroom-entry verdict.
type AccessDecision struct {
	Allowed        bool         `json:"allowed"`
	Reason         AccessReason `json:"reason"`
	FeeDue         bool         `json:"fee_due"`
	NextPaymentDue *time.Time   `json:"next_payment_due,omitempty"`
	DaysOverdue    int          `json:"days_overdue,omitempty"`
	GraceDaysLeft  int          `json:"grace_days_left,omitempty"`
}

// CheckAccess evaluates a read-time access check. A nil enrollment means the user never enrolled.
func (p Policy) CheckAccess(e *models.Enrollment, course *models.Course, now time.Time) AccessDecision {
	p = p.withDefaults()
	if e == nil {
		return AccessDecision{Reason: AccessNotEnrolled}
	}
	switch e.Status {
	case models.EnrollmentStatusPending:
		return AccessDecision{Reason: AccessPendingApproval}
	case models.EnrollmentStatusRejected:
		return AccessDecision{Reason: AccessRejected}
	}
	if e.IsBlocked {
		return AccessDecision{Reason: AccessBlocked, NextPaymentDue: e.NextPaymentDue}
	}
	if course.IsFree() {
		return AccessDecision{Allowed: true, Reason: AccessFreeCourse}
	}
	decision := AccessDecision{Allowed: true, Reason: AccessOK, NextPaymentDue: e.NextPaymentDue}
	if e.NextPaymentDue != nil && now.After(*e.NextPaymentDue) {
		overdue := p.Calendar.DaysBetween(*e.NextPaymentDue, now)
		decision.Reason = AccessFeeDue
		decision.FeeDue = true
		decision.DaysOverdue = overdue
		if left := p.GraceDays - overdue; left > 0 {
			decision.GraceDaysLeft = left
		}
	}
	return decision
}

// SweepAction is what the daily sweep should do with one enrollment.
type SweepAction string

const (
	SweepNone             SweepAction = "none"
	SweepUpcomingReminder SweepAction = "upcoming_reminder"
	SweepDueReminder      SweepAction = "due_reminder"
	SweepOverdueReminder  SweepAction = "overdue_reminder"
	SweepBlock            SweepAction = "block"
)

// SweepDecision is the outcome of evaluating one enrollment.
type SweepDecision struct {
	Action    SweepAction
	DiffDays  int
	Throttled bool
	Skipped   bool
}

// IsReminder reports whether the action sends a reminder email.
func (a SweepAction) IsReminder() bool {
	return a == SweepUpcomingReminder || a == SweepDueReminder || a == SweepOverdueReminder
}

// DecideSweep applies the grace-period rules. coursePrice of zero, a missing due
// date or a non-approved status skip the enrollment. Blocking is strict: only
// more than GraceDays past due blocks.
func (p Policy) DecideSweep(e *models.Enrollment, coursePrice int64, now time.Time) SweepDecision {
	p = p.withDefaults()
	if coursePrice <= 0 || e.NextPaymentDue == nil || e.Status != models.EnrollmentStatusApproved {
		return SweepDecision{Action: SweepNone, Skipped: true}
	}

	diff := p.Calendar.DaysBetween(*e.NextPaymentDue, now)
	decision := SweepDecision{Action: SweepNone, DiffDays: diff}
	if e.IsBlocked {
		return decision
	}

	switch {
	case diff > p.GraceDays:
		decision.Action = SweepBlock
		return decision
	case diff == -p.UpcomingDays:
		decision.Action = SweepUpcomingReminder
	case diff == 0:
		decision.Action = SweepDueReminder
	case diff > 0:
		decision.Action = SweepOverdueReminder
	default:
		return decision
	}

	if e.LastEmailSentAt != nil && now.Sub(*e.LastEmailSentAt) < p.ReminderThrottle {
		decision.Action = SweepNone
		decision.Throttled = true
	}
	return decision
}

// MonthsForAmount converts a verified gateway amount into whole months, rounding
// to the nearest month and never returning less than one.
func MonthsForAmount(amount, monthlyFee int64) int {
	if monthlyFee <= 0 || amount <= 0 {
		return 1
	}
	months := (amount + monthlyFee/2) / monthlyFee
	return NormalizeMonths(int(months))
}

// ExpectedAmount is the fee for monthsPaid months.
func ExpectedAmount(monthlyFee int64, monthsPaid int) int64 {
	return monthlyFee * int64(NormalizeMonths(monthsPaid))
}

// Read-model states layered over ACTIVE. The transition table never sees them.
const (
	StateFeeDue State = "FEE_DUE"
	StateFree   State = "FREE"
)

// DisplayState refines ACTIVE into FEE_DUE (past due, inside grace) or FREE.
func (p Policy) DisplayState(e *models.Enrollment, coursePrice int64, now time.Time) State {
	state := StateOf(e)
	if state != StateActive {
		return state
	}
	if coursePrice <= 0 {
		return StateFree
	}
	if e.NextPaymentDue != nil && now.After(*e.NextPaymentDue) {
		return StateFeeDue
	}
	return StateActive
}
