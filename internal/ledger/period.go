package ledger

import "time"

// Accounting periods are UTC calendar days.

// PeriodStart returns the start of the period containing t.
func PeriodStart(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// NextReset returns the start of the period after the one containing periodStart.
func NextReset(periodStart time.Time) time.Time {
	return PeriodStart(periodStart).Add(24 * time.Hour)
}

// Expired reports whether the period starting at periodStart has ended at now.
func Expired(periodStart, now time.Time) bool {
	return !now.UTC().Before(NextReset(periodStart))
}
