// Package billingcycle derives the calendar period a billing run invoices.
package billingcycle

import (
	"time"

	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
)

const labelLayout = "January 2006"

// ResolvePriorMonth returns the calendar month immediately preceding the
// month of now. Start is the 1st at 00:00 UTC, End is the last day of that
// month at 00:00 UTC (inclusive), Label reads like "February 2024".
func ResolvePriorMonth(now time.Time) billingdomain.BillingPeriod {
	currentStart := CurrentMonthStart(now)
	start := currentStart.AddDate(0, -1, 0)
	end := currentStart.AddDate(0, 0, -1)

	return billingdomain.BillingPeriod{
		Start: start,
		End:   end,
		Label: start.Format(labelLayout),
	}
}

// CurrentMonthStart is the first instant of the month containing now.
func CurrentMonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
