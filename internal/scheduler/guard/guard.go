// Package guard holds the time preconditions for scheduled billing work.
package guard

import (
	"errors"
	"time"
)

var (
	ErrInvalidRunDay        = errors.New("invalid_billing_run_day")
	ErrInvalidRunHour       = errors.New("invalid_billing_run_hour")
	ErrBillingWindowNotOpen = errors.New("billing_window_not_open")
)

// EnsureBillingWindowOpen reports whether the monthly billing run may start
// at now. The window opens on day at hour (UTC) and stays open until the end
// of the month. A day past the end of a short month opens on its last day.
func EnsureBillingWindowOpen(now time.Time, day, hour int) error {
	if day < 1 || day > 31 {
		return ErrInvalidRunDay
	}
	if hour < 0 || hour > 23 {
		return ErrInvalidRunHour
	}
	now = now.UTC()
	if last := lastDayOfMonth(now); day > last {
		day = last
	}
	opens := time.Date(now.Year(), now.Month(), day, hour, 0, 0, 0, time.UTC)
	if now.Before(opens) {
		return ErrBillingWindowNotOpen
	}
	return nil
}

func lastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
