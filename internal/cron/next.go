package cron

import "time"

// searchHorizon bounds the next-fire search. No satisfiable 5-field
// expression is further away than a few years (Feb 29 patterns need 8).
const searchHorizon = 8 // years

// Next returns the smallest instant strictly after t whose wall-clock
// decomposition in loc satisfies the schedule. The zero Time is returned if
// no instant within the search horizon matches (e.g. "0 0 31 2 *").
//
// Daylight-saving handling: candidates are real instants, stepped in
// absolute time, so wall clocks removed by a spring-forward gap are never
// produced — the search resumes after the gap. A wall clock duplicated by a
// fall-back is taken at its first occurrence only.
func (s *Schedule) Next(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	// Start at the next whole minute; sub-minute precision is out of scope.
	t = t.Truncate(time.Minute).Add(time.Minute)

	limit := t.AddDate(searchHorizon, 0, 0)
	for t.Before(limit) {
		if !has(s.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
			continue
		}
		if !has(s.hours, t.Hour()) {
			next := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(time.Hour)
			if !next.After(t) {
				// Second pass of an hour repeated by fall-back: Date resolves
				// to the first pass, so step from t itself.
				next = t.Add(time.Hour - time.Duration(t.Minute())*time.Minute)
			}
			t = next
			continue
		}
		if !has(s.minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		if time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc) != t {
			// Second pass of a wall clock repeated by fall-back.
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// dayMatches applies standard cron day semantics: when both day-of-month and
// day-of-week are restricted, a day satisfying either fires (union).
func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := has(s.dom, t.Day())
	dowOK := has(s.dow, int(t.Weekday()))
	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}

// Matches reports whether the wall-clock decomposition of t in loc satisfies
// the schedule, ignoring seconds.
func (s *Schedule) Matches(t time.Time, loc *time.Location) bool {
	t = t.In(loc)
	return has(s.minutes, t.Minute()) &&
		has(s.hours, t.Hour()) &&
		has(s.month, int(t.Month())) &&
		s.dayMatches(t)
}
