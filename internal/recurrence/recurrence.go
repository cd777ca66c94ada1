// Package recurrence decides whether a scheduled job is due and when it
// should run next. All functions are pure: they read the schedule and the
// supplied instants and never mutate either.
//
// Comparisons are made on absolute instants; wall-clock values are only
// derived from the schedule's timezone to build the candidate moments, so a
// daylight-saving shift never moves a 09:00 schedule to 08:00 or 10:00.
package recurrence

import (
	"slices"
	"time"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// MinimumInterval suppresses duplicate firing when the queue evaluates the
// same schedule several times in quick succession.
const MinimumInterval = time.Hour

// IsDue reports whether the schedule should fire at now, given the last run.
// A zero lastRunAt means the job has never run.
func IsDue(s scrape.Schedule, lastRunAt, now time.Time) bool {
	loc, hour, minute, ok := parse(s)
	if !ok {
		return false
	}
	if !lastRunAt.IsZero() && now.Sub(lastRunAt) < MinimumInterval {
		return false
	}
	local := now.In(loc)
	if !withinBounds(s, local, loc) || !gate(s, local, loc) {
		return false
	}
	scheduled := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if now.Before(scheduled) {
		return false
	}
	if lastRunAt.IsZero() {
		return true
	}
	last := lastRunAt.In(loc)
	alreadyRan := dayKey(last) == dayKey(local) && minuteOfDay(last) >= minuteOfDay(scheduled)
	return !alreadyRan
}

// NextRunAt returns the next scheduled moment strictly after now, expressed
// in the schedule's timezone. It returns the zero time when the schedule is
// invalid or its end date has passed.
func NextRunAt(s scrape.Schedule, now time.Time) time.Time {
	loc, hour, minute, ok := parse(s)
	if !ok {
		return time.Time{}
	}
	if s.StartDate != nil {
		start := s.StartDate.In(loc)
		startOfDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		if now.Before(startOfDay) {
			now = startOfDay.Add(-time.Nanosecond)
		}
	}
	next := nextMoment(s, now.In(loc), hour, minute, loc)
	if s.EndDate != nil && dayKey(next) > dayKey(s.EndDate.In(loc)) {
		return time.Time{}
	}
	return next
}

// OnScheduledDay reports whether now falls on a day the schedule may fire:
// inside its date bounds and, for weekly and monthly schedules, on one of its
// days. The time of day and the last run are ignored.
func OnScheduledDay(s scrape.Schedule, now time.Time) bool {
	loc, _, _, ok := parse(s)
	if !ok {
		return false
	}
	local := now.In(loc)
	return withinBounds(s, local, loc) && gate(s, local, loc)
}

// AnchorDay returns the day of month a monthly schedule fires on: the day of
// its start date, or the 1st when no start date is set.
func AnchorDay(s scrape.Schedule, loc *time.Location) int {
	if s.StartDate == nil {
		return 1
	}
	return s.StartDate.In(loc).Day()
}

func nextMoment(s scrape.Schedule, local time.Time, hour, minute int, loc *time.Location) time.Time {
	y, m, d := local.Date()
	at := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, hour, minute, 0, 0, loc)
	}
	switch s.Frequency {
	case scrape.FrequencyWeekly:
		if len(s.DaysOfWeek) == 0 {
			next := at(y, m, d)
			if !local.Before(next) {
				next = at(y, m, d+7)
			}
			return next
		}
		for offset := 0; offset <= 7; offset++ {
			candidate := at(y, m, d+offset)
			if offset == 0 && !local.Before(candidate) {
				continue
			}
			if slices.Contains(s.DaysOfWeek, int(candidate.Weekday())) {
				return candidate
			}
		}
		return at(y, m, d+7)
	case scrape.FrequencyMonthly:
		anchor := AnchorDay(s, loc)
		candidate := at(y, m, clampDay(anchor, y, m))
		if !local.Before(candidate) {
			first := time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
			ny, nm := first.Year(), first.Month()
			candidate = at(ny, nm, clampDay(anchor, ny, nm))
		}
		return candidate
	default:
		next := at(y, m, d)
		if !local.Before(next) {
			next = at(y, m, d+1)
		}
		return next
	}
}

func gate(s scrape.Schedule, local time.Time, loc *time.Location) bool {
	switch s.Frequency {
	case scrape.FrequencyWeekly:
		if len(s.DaysOfWeek) == 0 {
			return true
		}
		return slices.Contains(s.DaysOfWeek, int(local.Weekday()))
	case scrape.FrequencyMonthly:
		return local.Day() == clampDay(AnchorDay(s, loc), local.Year(), local.Month())
	default:
		return true
	}
}

func withinBounds(s scrape.Schedule, local time.Time, loc *time.Location) bool {
	today := dayKey(local)
	if s.StartDate != nil && today < dayKey(s.StartDate.In(loc)) {
		return false
	}
	if s.EndDate != nil && today > dayKey(s.EndDate.In(loc)) {
		return false
	}
	return true
}

func parse(s scrape.Schedule) (*time.Location, int, int, bool) {
	switch s.Frequency {
	case scrape.FrequencyDaily, scrape.FrequencyWeekly, scrape.FrequencyMonthly:
	default:
		return nil, 0, 0, false
	}
	hour, minute, err := scrape.ParseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return nil, 0, 0, false
	}
	loc, err := s.Location()
	if err != nil {
		return nil, 0, 0, false
	}
	return loc, hour, minute, true
}

// clampDay limits a monthly anchor to the last day of the given month.
func clampDay(anchor, year int, month time.Month) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if anchor > last {
		return last
	}
	if anchor < 1 {
		return 1
	}
	return anchor
}

func dayKey(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
