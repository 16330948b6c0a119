// Package recurrence computes the next occurrence of a repeating schedule.
//
// All arithmetic runs in the schedule's declared IANA timezone. Using the
// process-local zone here would shift wall-clock times across DST
// boundaries, which is exactly the class of bug this package exists to
// avoid.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"crosspost/internal/model"
)

// ErrInvalidRecurrence is wrapped by all validation failures so callers can
// reject bad schedules at creation time with errors.Is.
var ErrInvalidRecurrence = errors.New("invalid recurrence")

// Validate checks a schedule before it is accepted into the store.
// A nil Recurrence is valid (one-shot post); the timezone must still load.
func Validate(s model.Schedule) error {
	if _, err := loadLocation(s.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidRecurrence, s.Timezone, err)
	}
	r := s.Recurrence
	if r == nil {
		return nil
	}
	switch r.Frequency {
	case model.FreqDaily, model.FreqWeekly, model.FreqMonthly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidRecurrence, r.Frequency)
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval must be >= 1, got %d", ErrInvalidRecurrence, r.Interval)
	}
	for _, d := range r.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: day of week %d out of range 0..6", ErrInvalidRecurrence, d)
		}
	}
	if r.Frequency == model.FreqMonthly && r.DayOfMonth != 0 {
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return fmt.Errorf("%w: day of month %d out of range 1..31", ErrInvalidRecurrence, r.DayOfMonth)
		}
	}
	return nil
}

// NextOccurrence returns the next publish time strictly after
// s.PublishAt, or ok=false if the schedule is not recurring (or is
// misconfigured; a bad schedule that slipped past creation-time validation
// ends the series rather than erroring mid-materialization).
//
// Pure and deterministic: same schedule always yields the same result.
func NextOccurrence(s model.Schedule) (time.Time, bool) {
	r := s.Recurrence
	if r == nil {
		return time.Time{}, false
	}
	loc, err := loadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, false
	}
	if r.Interval < 1 {
		return time.Time{}, false
	}

	base := s.PublishAt.In(loc)

	switch r.Frequency {
	case model.FreqDaily:
		// AddDate preserves wall-clock time-of-day across DST changes.
		return base.AddDate(0, 0, r.Interval), true

	case model.FreqWeekly:
		if len(r.DaysOfWeek) == 0 {
			// No explicit days: same weekday, n weeks later.
			return base.AddDate(0, 0, 7*r.Interval), true
		}
		days := map[int]bool{}
		for _, d := range r.DaysOfWeek {
			if d < 0 || d > 6 {
				return time.Time{}, false
			}
			days[d] = true
		}
		// Step forward day-by-day; a non-empty weekday set is hit within 7 days.
		next := base.AddDate(0, 0, 1)
		for i := 0; i < 7; i++ {
			if days[int(next.Weekday())] {
				return next, true
			}
			next = next.AddDate(0, 0, 1)
		}
		return time.Time{}, false

	case model.FreqMonthly:
		day := r.DayOfMonth
		if day == 0 {
			day = base.Day()
		}
		if day < 1 || day > 31 {
			return time.Time{}, false
		}
		// First of the target month (time.Date normalizes month overflow),
		// then clamp the day to the month's length so e.g. Jan 31 + 1 month
		// lands on Feb 28/29 instead of skipping into March.
		first := time.Date(base.Year(), base.Month()+time.Month(r.Interval), 1,
			base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), loc)
		if last := daysInMonth(first.Year(), first.Month()); day > last {
			day = last
		}
		return time.Date(first.Year(), first.Month(), day,
			base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), loc), true
	}

	return time.Time{}, false
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}
