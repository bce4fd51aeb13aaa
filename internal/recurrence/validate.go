package recurrence

import (
	"fmt"
	"time"

	"taskrecur/internal/model"
)

// Validate checks the shape of r. Every failure wraps ErrInvalidRule.
func Validate(r model.Rule) error {
	switch r.Frequency {
	case model.Daily, model.Weekly, model.Monthly:
	default:
		return invalid("unknown frequency %q", r.Frequency)
	}
	if r.Interval < 1 {
		return invalid("interval must be >= 1, got %d", r.Interval)
	}
	if len(r.TimesOfDay) == 0 {
		return invalid("at least one time of day is required")
	}
	for i, tod := range r.TimesOfDay {
		if !tod.Valid() {
			return invalid("time of day %v out of range", tod)
		}
		if i > 0 && tod.Minutes() <= r.TimesOfDay[i-1].Minutes() {
			return invalid("times of day must be strictly increasing (%s after %s)", tod, r.TimesOfDay[i-1])
		}
	}
	if !r.StartDate.Valid() {
		return invalid("start date is required")
	}
	if r.EndDate != nil {
		if !r.EndDate.Valid() {
			return invalid("end date %v is not a valid date", *r.EndDate)
		}
		if r.EndDate.Before(r.StartDate) {
			return invalid("end date %s is before start date %s", r.EndDate, r.StartDate)
		}
	}
	if r.MaxOccurrences < 0 {
		return invalid("max occurrences must be >= 0, got %d", r.MaxOccurrences)
	}
	switch r.WeekStart {
	case "", model.WeekStartMonday, model.WeekStartSunday:
	default:
		return invalid("unknown week start %q", r.WeekStart)
	}

	switch r.Frequency {
	case model.Daily:
		if len(r.DaysOfWeek) > 0 || len(r.DaysOfMonth) > 0 {
			return invalid("daily rules take no day selectors")
		}
	case model.Weekly:
		if len(r.DaysOfWeek) == 0 {
			return invalid("weekly rules need at least one day of week")
		}
		if len(r.DaysOfMonth) > 0 {
			return invalid("weekly rules take no days of month")
		}
		for _, wd := range r.DaysOfWeek {
			if wd < time.Sunday || wd > time.Saturday {
				return invalid("day of week %d out of range", wd)
			}
		}
	case model.Monthly:
		if len(r.DaysOfMonth) == 0 {
			return invalid("monthly rules need at least one day of month")
		}
		if len(r.DaysOfWeek) > 0 {
			return invalid("monthly rules take no days of week")
		}
		for _, d := range r.DaysOfMonth {
			if d < 1 || d > 31 {
				return invalid("day of month %d out of range", d)
			}
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}
