package recurrence

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func dailyUTC() scrape.Schedule {
	return scrape.Schedule{Frequency: scrape.FrequencyDaily, TimeOfDay: "09:00", Timezone: "UTC"}
}

func TestIsDue_DailyRanYesterday(t *testing.T) {
	t.Parallel()

	last := utc(2025, time.March, 9, 9, 5)
	now := utc(2025, time.March, 10, 9, 10)
	require.True(t, IsDue(dailyUTC(), last, now))
}

func TestIsDue_DailyAlreadyRanToday(t *testing.T) {
	t.Parallel()

	last := utc(2025, time.March, 10, 9, 5)
	require.False(t, IsDue(dailyUTC(), last, utc(2025, time.March, 10, 9, 30)))
	// Outside the minimum interval the same-day check still suppresses the run.
	require.False(t, IsDue(dailyUTC(), last, utc(2025, time.March, 10, 15, 0)))
}

func TestIsDue_BeforeScheduledTime(t *testing.T) {
	t.Parallel()

	require.False(t, IsDue(dailyUTC(), time.Time{}, utc(2025, time.March, 10, 8, 59)))
	require.True(t, IsDue(dailyUTC(), time.Time{}, utc(2025, time.March, 10, 9, 0)))
}

func TestIsDue_MinimumIntervalGuard(t *testing.T) {
	t.Parallel()

	// Ran shortly before the scheduled time; only the guard blocks the 09:15 check.
	last := utc(2025, time.March, 10, 8, 45)
	require.False(t, IsDue(dailyUTC(), last, utc(2025, time.March, 10, 9, 15)))
	require.True(t, IsDue(dailyUTC(), last, utc(2025, time.March, 10, 9, 46)))
}

func TestIsDue_Idempotent(t *testing.T) {
	t.Parallel()

	s := dailyUTC()
	last := utc(2025, time.March, 9, 9, 5)
	now := utc(2025, time.March, 10, 9, 10)
	first := IsDue(s, last, now)
	second := IsDue(s, last, now)
	require.Equal(t, first, second)
	require.Equal(t, dailyUTC(), s)
}

func TestIsDue_WeeklyGate(t *testing.T) {
	t.Parallel()

	s := scrape.Schedule{
		Frequency:  scrape.FrequencyWeekly,
		TimeOfDay:  "09:00",
		DaysOfWeek: []int{1, 3},
	}
	require.True(t, IsDue(s, time.Time{}, utc(2025, time.March, 10, 10, 0)))  // Monday
	require.False(t, IsDue(s, time.Time{}, utc(2025, time.March, 11, 10, 0))) // Tuesday
	require.True(t, IsDue(s, time.Time{}, utc(2025, time.March, 12, 10, 0)))  // Wednesday

	s.DaysOfWeek = nil
	require.True(t, IsDue(s, time.Time{}, utc(2025, time.March, 11, 10, 0)))
}

func TestOnScheduledDay(t *testing.T) {
	t.Parallel()

	weekly := scrape.Schedule{Frequency: scrape.FrequencyWeekly, TimeOfDay: "09:00", DaysOfWeek: []int{1}}
	require.True(t, OnScheduledDay(weekly, utc(2025, time.March, 10, 0, 5)))   // Monday, before 09:00
	require.False(t, OnScheduledDay(weekly, utc(2025, time.March, 11, 0, 5)))  // Tuesday
	require.True(t, OnScheduledDay(dailyUTC(), utc(2025, time.March, 11, 0, 5)))

	end := utc(2025, time.March, 10, 0, 0)
	bounded := dailyUTC()
	bounded.EndDate = &end
	require.False(t, OnScheduledDay(bounded, utc(2025, time.March, 11, 12, 0)))

	require.False(t, OnScheduledDay(scrape.Schedule{Frequency: "hourly", TimeOfDay: "09:00"}, end))
}

func TestIsDue_MonthlyAnchorClamped(t *testing.T) {
	t.Parallel()

	start := utc(2025, time.January, 31, 0, 0)
	s := scrape.Schedule{Frequency: scrape.FrequencyMonthly, TimeOfDay: "09:00", StartDate: &start}
	last := utc(2025, time.January, 31, 9, 5)

	require.False(t, IsDue(s, last, utc(2025, time.February, 27, 9, 30)))
	require.True(t, IsDue(s, last, utc(2025, time.February, 28, 9, 30)))

	s.StartDate = nil
	require.True(t, IsDue(s, time.Time{}, utc(2025, time.April, 1, 9, 30)))
	require.False(t, IsDue(s, time.Time{}, utc(2025, time.April, 2, 9, 30)))
}

func TestIsDue_Timezone(t *testing.T) {
	t.Parallel()

	s := scrape.Schedule{Frequency: scrape.FrequencyDaily, TimeOfDay: "09:00", Timezone: "Asia/Tokyo"}
	require.False(t, IsDue(s, time.Time{}, utc(2025, time.March, 9, 23, 30))) // 08:30 JST
	require.True(t, IsDue(s, time.Time{}, utc(2025, time.March, 10, 0, 30)))  // 09:30 JST

	// 09:10 JST on the 10th was the previous run; same JST day blocks it.
	last := utc(2025, time.March, 10, 0, 10)
	require.False(t, IsDue(s, last, utc(2025, time.March, 10, 5, 0)))
}

func TestIsDue_Bounds(t *testing.T) {
	t.Parallel()

	start := utc(2025, time.March, 12, 0, 0)
	end := utc(2025, time.March, 14, 0, 0)
	s := dailyUTC()
	s.StartDate = &start
	s.EndDate = &end

	require.False(t, IsDue(s, time.Time{}, utc(2025, time.March, 11, 10, 0)))
	require.True(t, IsDue(s, time.Time{}, utc(2025, time.March, 12, 10, 0)))
	require.True(t, IsDue(s, time.Time{}, utc(2025, time.March, 14, 10, 0)))
	require.False(t, IsDue(s, time.Time{}, utc(2025, time.March, 15, 10, 0)))
}

func TestIsDue_ChangedTimeOfDaySameDay(t *testing.T) {
	t.Parallel()

	last := utc(2025, time.March, 10, 9, 5)
	later := dailyUTC()
	later.TimeOfDay = "15:00"
	require.True(t, IsDue(later, last, utc(2025, time.March, 10, 15, 10)))

	earlier := dailyUTC()
	earlier.TimeOfDay = "08:00"
	require.False(t, IsDue(earlier, last, utc(2025, time.March, 10, 15, 10)))
}

func TestIsDue_InvalidSchedule(t *testing.T) {
	t.Parallel()

	require.False(t, IsDue(scrape.Schedule{Frequency: "hourly", TimeOfDay: "09:00"}, time.Time{}, utc(2025, 3, 10, 10, 0)))
	require.False(t, IsDue(scrape.Schedule{Frequency: scrape.FrequencyDaily, TimeOfDay: "nine"}, time.Time{}, utc(2025, 3, 10, 10, 0)))
}

func TestNextRunAt_Daily(t *testing.T) {
	t.Parallel()

	require.Equal(t, utc(2025, time.March, 10, 9, 0), NextRunAt(dailyUTC(), utc(2025, time.March, 10, 8, 0)))
	require.Equal(t, utc(2025, time.March, 11, 9, 0), NextRunAt(dailyUTC(), utc(2025, time.March, 10, 9, 0)))
	require.Equal(t, utc(2025, time.April, 1, 9, 0), NextRunAt(dailyUTC(), utc(2025, time.March, 31, 23, 0)))
}

func TestNextRunAt_Weekly(t *testing.T) {
	t.Parallel()

	s := scrape.Schedule{Frequency: scrape.FrequencyWeekly, TimeOfDay: "09:00", DaysOfWeek: []int{3, 1}}

	// Monday before 09:00 -> today.
	require.Equal(t, utc(2025, time.March, 10, 9, 0), NextRunAt(s, utc(2025, time.March, 10, 7, 0)))
	// Monday after 09:00 -> Wednesday.
	require.Equal(t, utc(2025, time.March, 12, 9, 0), NextRunAt(s, utc(2025, time.March, 10, 10, 0)))
	// Saturday -> wraps to next Monday.
	require.Equal(t, utc(2025, time.March, 17, 9, 0), NextRunAt(s, utc(2025, time.March, 15, 10, 0)))

	single := scrape.Schedule{Frequency: scrape.FrequencyWeekly, TimeOfDay: "09:00", DaysOfWeek: []int{1}}
	require.Equal(t, utc(2025, time.March, 17, 9, 0), NextRunAt(single, utc(2025, time.March, 10, 9, 30)))

	empty := scrape.Schedule{Frequency: scrape.FrequencyWeekly, TimeOfDay: "09:00"}
	require.Equal(t, utc(2025, time.March, 18, 9, 0), NextRunAt(empty, utc(2025, time.March, 11, 10, 0)))
}

func TestNextRunAt_MonthlyClamp(t *testing.T) {
	t.Parallel()

	start := utc(2025, time.January, 31, 0, 0)
	s := scrape.Schedule{Frequency: scrape.FrequencyMonthly, TimeOfDay: "09:00", StartDate: &start}

	require.Equal(t, utc(2025, time.February, 28, 9, 0), NextRunAt(s, utc(2025, time.January, 31, 10, 0)))
	require.Equal(t, utc(2025, time.March, 31, 9, 0), NextRunAt(s, utc(2025, time.February, 28, 9, 0)))
	require.Equal(t, utc(2026, time.January, 31, 9, 0), NextRunAt(s, utc(2025, time.December, 31, 12, 0)))
}

func TestNextRunAt_DaylightSavingBoundary(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	s := scrape.Schedule{Frequency: scrape.FrequencyDaily, TimeOfDay: "09:00", Timezone: "America/New_York"}

	// 2025-03-09 is the spring-forward date in New York.
	next := NextRunAt(s, time.Date(2025, time.March, 8, 10, 0, 0, 0, loc))
	require.Equal(t, loc.String(), next.Location().String())
	require.Equal(t, 9, next.Hour())
	require.Equal(t, utc(2025, time.March, 9, 13, 0), next.UTC())

	prev := NextRunAt(s, time.Date(2025, time.March, 7, 10, 0, 0, 0, loc))
	require.Equal(t, utc(2025, time.March, 8, 14, 0), prev.UTC())
}

func TestNextRunAt_Bounds(t *testing.T) {
	t.Parallel()

	start := utc(2025, time.March, 20, 0, 0)
	s := dailyUTC()
	s.StartDate = &start
	require.Equal(t, utc(2025, time.March, 20, 9, 0), NextRunAt(s, utc(2025, time.March, 10, 12, 0)))

	end := utc(2025, time.March, 10, 0, 0)
	s = dailyUTC()
	s.EndDate = &end
	require.True(t, NextRunAt(s, utc(2025, time.March, 10, 12, 0)).IsZero())
}

func TestNextRunAt_RoundTrip(t *testing.T) {
	t.Parallel()

	start := utc(2025, time.January, 31, 0, 0)
	schedules := []scrape.Schedule{
		dailyUTC(),
		{Frequency: scrape.FrequencyDaily, TimeOfDay: "06:30", Timezone: "America/New_York"},
		{Frequency: scrape.FrequencyWeekly, TimeOfDay: "18:15", Timezone: "Europe/Berlin", DaysOfWeek: []int{0, 2, 5}},
		{Frequency: scrape.FrequencyMonthly, TimeOfDay: "00:05", StartDate: &start},
	}
	base := utc(2025, time.February, 1, 0, 0)
	for _, s := range schedules {
		for step := 0; step < 24*45; step += 7 {
			now := base.Add(time.Duration(step) * time.Hour)
			next := NextRunAt(s, now)
			require.True(t, next.After(now), "schedule %+v now %s", s, now)
			if next.Sub(now) < MinimumInterval {
				// The minimum-interval guard blocks runs closer than an hour to lastRunAt.
				continue
			}
			require.True(t, IsDue(s, now, next), "schedule %+v now %s next %s", s, now, next)
		}
	}
}
