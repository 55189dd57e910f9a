// Package billing holds the pure subscription rules: due-date arithmetic, the
// enrollment state machine, access decisions and the daily sweep policy.
package billing

import (
	"fmt"
	"time"
)

const labelLayout = "January 2006"

// JoiningLabelPrefix marks the ledger entry of a first payment.
const JoiningLabelPrefix = "Joining - "

// Calendar performs month arithmetic in the billing timezone.
type Calendar struct {
	loc *time.Location
}

// NewCalendar returns a calendar for loc, defaulting to UTC.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// LoadCalendar resolves an IANA zone name.
func LoadCalendar(name string) (Calendar, error) {
	if name == "" {
		return NewCalendar(time.UTC), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return Calendar{}, fmt.Errorf("load billing timezone %q: %w", name, err)
	}
	return NewCalendar(loc), nil
}

// Location returns the billing timezone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// StartOfDay returns midnight of t's civil date.
func (c Calendar) StartOfDay(t time.Time) time.Time {
	t = t.In(c.Location())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.Location())
}

// StartOfMonth returns midnight on the first of t's month.
func (c Calendar) StartOfMonth(t time.Time) time.Time {
	t = t.In(c.Location())
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, c.Location())
}

// NextDue returns the first of the month monthsPaid months after base's month.
// The same rule serves joiners (base is the join instant) and renewals (base is the current due date).
func (c Calendar) NextDue(base time.Time, monthsPaid int) time.Time {
	base = base.In(c.Location())
	months := NormalizeMonths(monthsPaid)
	return time.Date(base.Year(), base.Month()+time.Month(months), 1, 0, 0, 0, 0, c.Location())
}

// CycleLabel names the months a payment covers, starting at base's month.
func (c Calendar) CycleLabel(base time.Time, monthsPaid int, joining bool) string {
	start := c.StartOfMonth(base)
	months := NormalizeMonths(monthsPaid)

	label := start.Format(labelLayout)
	if months > 1 {
		end := start.AddDate(0, months-1, 0)
		label = label + " to " + end.Format(labelLayout)
	}
	if joining {
		label = JoiningLabelPrefix + label
	}
	return label
}

// DaysBetween counts whole civil days from from's date to to's date. It is
// negative when to precedes from and ignores DST shifts.
func (c Calendar) DaysBetween(from, to time.Time) int {
	f := from.In(c.Location())
	t := to.In(c.Location())
	fd := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
	td := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(td.Sub(fd).Hours() / 24)
}

// DateKey formats t's civil date, used for per-day locks.
func (c Calendar) DateKey(t time.Time) string {
	return t.In(c.Location()).Format("2006-01-02")
}

// NormalizeMonths clamps invalid month counts to one.
func NormalizeMonths(monthsPaid int) int {
	if monthsPaid < 1 {
		return 1
	}
	return monthsPaid
}
