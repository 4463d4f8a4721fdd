// Package schedule turns recurrence rows into enqueued requests: it parses
// frequency time parameters, computes deterministic next occurrences, and
// runs the tick loop firing due schedules.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is a recurrence code.
type Frequency string

const (
	FreqDaily       Frequency = "DAILY"
	FreqWeekly      Frequency = "WEEKLY"
	FreqFortnightly Frequency = "FORTNIGHTLY"
	FreqMonthly     Frequency = "MONTHLY"
	FreqHalfYearly  Frequency = "HALF_YEARLY"
	FreqYearly      Frequency = "YEARLY"
	FreqImmediate   Frequency = "IMMEDIATE"
)

// Valid reports whether f is a known frequency code.
func (f Frequency) Valid() bool {
	switch f {
	case FreqDaily, FreqWeekly, FreqFortnightly, FreqMonthly, FreqHalfYearly, FreqYearly, FreqImmediate:
		return true
	}
	return false
}

// TimeParam is the parsed time parameter of a schedule. Which fields are
// meaningful depends on the frequency: Weekday for weekly recurrences, Day
// for monthly and longer ones, hour and minute always.
type TimeParam struct {
	Hour    int
	Minute  int
	Weekday time.Weekday
	Day     int
}

var weekdays = map[string]time.Weekday{
	"MON": time.Monday,
	"TUE": time.Tuesday,
	"WED": time.Wednesday,
	"THU": time.Thursday,
	"FRI": time.Friday,
	"SAT": time.Saturday,
	"SUN": time.Sunday,
}

// ParseTimeParam parses the time parameter string for the given frequency.
//
//	DAILY, IMMEDIATE:              HH:MM
//	WEEKLY, FORTNIGHTLY:           DOW_HH:MM  (MON..SUN)
//	MONTHLY, HALF_YEARLY, YEARLY:  D_HH:MM    (1..31)
func ParseTimeParam(freq Frequency, s string) (TimeParam, error) {
	if !freq.Valid() {
		return TimeParam{}, fmt.Errorf("unknown frequency %q", freq)
	}
	switch freq {
	case FreqDaily, FreqImmediate:
		h, m, err := parseClock(s)
		if err != nil {
			return TimeParam{}, err
		}
		return TimeParam{Hour: h, Minute: m}, nil

	case FreqWeekly, FreqFortnightly:
		prefix, clock, ok := strings.Cut(s, "_")
		if !ok {
			return TimeParam{}, fmt.Errorf("time parameter %q: want DOW_HH:MM", s)
		}
		wd, ok := weekdays[prefix]
		if !ok {
			return TimeParam{}, fmt.Errorf("time parameter %q: unknown weekday %q", s, prefix)
		}
		h, m, err := parseClock(clock)
		if err != nil {
			return TimeParam{}, err
		}
		return TimeParam{Hour: h, Minute: m, Weekday: wd}, nil

	default: // MONTHLY, HALF_YEARLY, YEARLY
		prefix, clock, ok := strings.Cut(s, "_")
		if !ok {
			return TimeParam{}, fmt.Errorf("time parameter %q: want D_HH:MM", s)
		}
		day, err := strconv.Atoi(prefix)
		if err != nil || day < 1 || day > 31 {
			return TimeParam{}, fmt.Errorf("time parameter %q: day of month must be 1..31", s)
		}
		h, m, err := parseClock(clock)
		if err != nil {
			return TimeParam{}, err
		}
		return TimeParam{Hour: h, Minute: m, Day: day}, nil
	}
}

func parseClock(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, 0, fmt.Errorf("time parameter %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("time parameter %q: hour must be 00..23", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time parameter %q: minute must be 00..59", s)
	}
	return h, m, nil
}
