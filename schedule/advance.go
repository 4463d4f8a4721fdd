package schedule

import (
	"time"
)

// Advance computes the occurrence after from. It is deterministic and the
// result is always strictly after from. ok is false for IMMEDIATE, which is
// one-shot and has no next occurrence.
func Advance(freq Frequency, tp TimeParam, from time.Time, loc *time.Location) (next time.Time, ok bool) {
	from = from.In(loc)
	switch freq {
	case FreqDaily:
		d := from.AddDate(0, 0, 1)
		return atClock(d, tp, loc), true

	case FreqWeekly:
		return nextWeekday(from, tp, loc, 1), true

	case FreqFortnightly:
		return nextWeekday(from, tp, loc, 2), true

	case FreqMonthly:
		return monthStep(from, tp, loc, 1), true

	case FreqHalfYearly:
		return monthStep(from, tp, loc, 6), true

	case FreqYearly:
		return monthStep(from, tp, loc, 12), true
	}
	return time.Time{}, false
}

func atClock(t time.Time, tp TimeParam, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), tp.Hour, tp.Minute, 0, 0, loc)
}

// nextWeekday finds the next occurrence of tp.Weekday at the parameter's
// clock time strictly after from, then adds weeks-1 extra weeks.
func nextWeekday(from time.Time, tp TimeParam, loc *time.Location, weeks int) time.Time {
	days := (int(tp.Weekday) - int(from.Weekday()) + 7) % 7
	candidate := atClock(from.AddDate(0, 0, days), tp, loc)
	if !candidate.After(from) {
		candidate = atClock(candidate.AddDate(0, 0, 7), tp, loc)
	}
	return candidate.AddDate(0, 0, (weeks-1)*7)
}

// monthStep moves months forward from from's month and lands on the
// parameter's day of month, clamped to the month's length.
func monthStep(from time.Time, tp TimeParam, loc *time.Location, months int) time.Time {
	y, m, _ := from.Date()
	m += time.Month(months)
	for m > 12 {
		m -= 12
		y++
	}
	day := tp.Day
	if last := daysIn(y, m); day > last {
		day = last
	}
	return time.Date(y, m, day, tp.Hour, tp.Minute, 0, 0, loc)
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
