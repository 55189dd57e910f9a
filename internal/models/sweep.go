package models

import "time"

// SweepReport summarises one grace-period sweep.
type SweepReport struct {
	BillingDate     string        `json:"billing_date"`
	Scanned         int           `json:"scanned"`
	Blocked         int           `json:"blocked"`
	RemindersSent   int           `json:"reminders_sent"`
	RemindersFailed int           `json:"reminders_failed"`
	Throttled       int           `json:"throttled"`
	Skipped         int           `json:"skipped"`
	Errors          int           `json:"errors"`
	LockHeld        bool          `json:"lock_held,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration_ns"`
}
