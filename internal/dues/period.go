package dues

import "time"

// Period is a member's contribution window, both ends inclusive.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CurrentPeriod returns the rolling 12-month window anchored on the enrollment
// anniversary that contains now. Dates are taken in loc (UTC when nil).
func CurrentPeriod(enrolledAt, now time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	enrolled := enrolledAt.In(loc)
	now = now.In(loc)

	start := time.Date(now.Year(), enrolled.Month(), enrolled.Day(), 0, 0, 0, 0, loc)
	if start.After(now) {
		start = time.Date(now.Year()-1, enrolled.Month(), enrolled.Day(), 0, 0, 0, 0, loc)
	}
	end := time.Date(start.Year()+1, start.Month(), start.Day()-1, 23, 59, 59, int(999*time.Millisecond), loc)
	return Period{Start: start, End: end}
}

// Contains reports whether t falls within the period, both ends inclusive.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}
