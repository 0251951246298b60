package entitle

import "time"

// Billing periods are monthly and anchored per account: each row's
// PeriodResetAt advances by whole calendar months from its previous
// value, never from the sweep time, so boundaries stay calendar-aligned
// and do not drift with sweep latency. The anchor day-of-month is
// preserved across short months (a Jan 31 anchor yields Feb 28, then
// Mar 31 again).

// FirstReset returns the reset timestamp and anchor day for a ledger
// row created at now: one period out, anchored to the creation day.
func FirstReset(now time.Time) (time.Time, int) {
	n := now.UTC()
	anchor := n.Day()
	return addMonthWithAnchor(n, anchor), anchor
}

// NextReset advances resetAt by whole periods until the result is
// strictly after now. A resetAt already in the future is returned
// unchanged, which is what makes per-row resets idempotent. A zero
// resetAt (corrupt row) restarts the schedule one period from now.
func NextReset(resetAt time.Time, anchorDay int, now time.Time) time.Time {
	n := now.UTC()
	if resetAt.IsZero() {
		next, _ := FirstReset(n)
		return next
	}
	if anchorDay <= 0 {
		anchorDay = resetAt.UTC().Day()
	}
	next := resetAt.UTC()
	for !next.After(n) {
		next = addMonthWithAnchor(next, anchorDay)
	}
	return next
}

// addMonthWithAnchor adds one month to t, landing on anchorDay when the
// target month has it and on the month's last day otherwise.
func addMonthWithAnchor(t time.Time, anchorDay int) time.Time {
	year, month, _ := t.Date()
	first := time.Date(year, month+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)

	// day 0 of the following month is the last day of the target month
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()

	day := anchorDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
