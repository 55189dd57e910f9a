package billing

import (
	"fmt"
	"time"

	"github.com/noah-isme/lms-billing-api/internal/models"
)

// State is the single lifecycle position derived from an enrollment's flags.
type State string

const (
	StatePending        State = "PENDING"
	StateRejected       State = "REJECTED"
	StateActive         State = "ACTIVE"
	StateBlocked        State = "BLOCKED"
	StateAppealPending  State = "APPEAL_PENDING"
	StateAppealRejected State = "APPEAL_REJECTED"
)

// Event drives a transition.
type Event string

const (
	EventApprove        Event = "approve"
	EventReject         Event = "reject"
	EventPay            Event = "pay"
	EventBlock          Event = "block"
	EventRequestUnblock Event = "request_unblock"
	EventApproveUnblock Event = "approve_unblock"
	EventRejectUnblock  Event = "reject_unblock"
)

// Transition is one edge of the state machine.
type Transition struct {
	From  State
	Event Event
}

var transitions = map[Transition]State{
	{StatePending, EventApprove}: StateActive,
	{StatePending, EventReject}:  StateRejected,
	{StatePending, EventPay}:     StateActive,

	{StateRejected, EventApprove}: StateActive,
	{StateRejected, EventPay}:     StateActive,

	{StateActive, EventPay}:   StateActive,
	{StateActive, EventBlock}: StateBlocked,

	{StateBlocked, EventPay}:            StateActive,
	{StateBlocked, EventRequestUnblock}: StateAppealPending,

	{StateAppealPending, EventPay}:            StateActive,
	{StateAppealPending, EventApproveUnblock}: StateActive,
	{StateAppealPending, EventRejectUnblock}:  StateAppealRejected,

	{StateAppealRejected, EventPay}:            StateActive,
	{StateAppealRejected, EventRequestUnblock}: StateAppealPending,
}

// TransitionError reports an event that is not legal from the current state.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s enrollment in state %s", e.Event, e.From)
}

// StateOf derives the lifecycle state from the stored flags.
func StateOf(e *models.Enrollment) State {
	switch e.Status {
	case models.EnrollmentStatusPending:
		return StatePending
	case models.EnrollmentStatusRejected:
		return StateRejected
	}
	if !e.IsBlocked {
		return StateActive
	}
	switch e.UnblockStatus {
	case models.UnblockStatusPending:
		return StateAppealPending
	case models.UnblockStatusRejected:
		return StateAppealRejected
	default:
		return StateBlocked
	}
}

// Can reports whether ev is legal for e.
func Can(e *models.Enrollment, ev Event) bool {
	_, ok := transitions[Transition{From: StateOf(e), Event: ev}]
	return ok
}

// Apply validates ev against the transition table and updates every flag the
// target state implies. It does not touch NextPaymentDue or Version.
func Apply(e *models.Enrollment, ev Event, at time.Time) (State, error) {
	from := StateOf(e)
	to, ok := transitions[Transition{From: from, Event: ev}]
	if !ok {
		return from, &TransitionError{From: from, Event: ev}
	}

	ts := at
	switch ev {
	case EventApprove:
		e.Status = models.EnrollmentStatusApproved
		if e.SubscriptionStart == nil {
			e.SubscriptionStart = &ts
		}
	case EventReject:
		e.Status = models.EnrollmentStatusRejected
	case EventPay:
		e.Status = models.EnrollmentStatusApproved
		e.IsBlocked = false
		e.LastPaymentDate = &ts
		if e.SubscriptionStart == nil {
			e.SubscriptionStart = &ts
		}
		clearAppeal(e)
	case EventBlock:
		e.IsBlocked = true
		clearAppeal(e)
	case EventRequestUnblock:
		e.UnblockStatus = models.UnblockStatusPending
		e.UnblockRequestedAt = &ts
		e.UnblockReviewedAt = nil
	case EventApproveUnblock:
		e.IsBlocked = false
		e.UnblockStatus = models.UnblockStatusApproved
		e.UnblockReviewedAt = &ts
	case EventRejectUnblock:
		e.UnblockStatus = models.UnblockStatusRejected
		e.UnblockReviewedAt = &ts
	}
	e.UpdatedAt = ts
	return to, nil
}

func clearAppeal(e *models.Enrollment) {
	e.UnblockStatus = models.UnblockStatusNone
	e.UnblockRequestedAt = nil
	e.UnblockReviewedAt = nil
}
