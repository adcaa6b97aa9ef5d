package recurrence

import "time"

// NthWeekdayOfMonth returns the week-th occurrence of weekday in the given
// month, at 00:00 UTC.
//
// week > 0 counts from the start of the month, week < 0 from the end
// (-1 is the last occurrence). Callers must not ask for a week that does not
// exist in the month; the result is not clamped and would spill into the
// neighbouring month.
func NthWeekdayOfMonth(year int, month time.Month, weekday time.Weekday, week int) time.Time {
	if week < 0 {
		last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
		back := (int(last.Weekday()) - int(weekday) + 7) % 7
		back += (-week - 1) * 7
		return last.AddDate(0, 0, -back)
	}
	if week == 0 {
		week = 1
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	ahead := (int(weekday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, ahead+(week-1)*7)
}

// daysIn returns the number of days in the given month.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// clampedDate builds year/month/day, pulling day back to the month's last day
// when it overflows. month may be outside 1..12 and is normalized first.
func clampedDate(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	if n := daysIn(first.Year(), first.Month()); day > n {
		day = n
	}
	if day < 1 {
		day = 1
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// addMonths moves t by n months keeping its day where possible.
func addMonths(t time.Time, n int) time.Time {
	return clampedDate(t.Year(), t.Month()+time.Month(n), t.Day())
}

// withClock returns the date part of day combined with the clock of clock.
func withClock(day, clock time.Time) time.Time {
	h, m, s := clock.Clock()
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, s, clock.Nanosecond(), time.UTC)
}

// midnight truncates t to 00:00 UTC of its date.
func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// endOfDay is 23:59:59 UTC of t's date.
func endOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}
