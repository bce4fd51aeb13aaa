package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"taskrecur/internal/calendar"
	"taskrecur/internal/model"
)

var (
	// ErrInvalidRule is returned for rules that cannot be expanded. The
	// expander never substitutes defaults for missing fields.
	ErrInvalidRule = errors.New("invalid recurrence rule")
	// ErrInvalidWindow is returned when a window ends before it starts.
	ErrInvalidWindow = errors.New("invalid window")
)

// Occurrence is one logical (date, time slot) produced by a rule.
type Occurrence struct {
	Date calendar.Date
	Time calendar.TimeOfDay
	// Slot is the index into Rule.TimesOfDay.
	Slot int
	// Position is the 1-based index in the unwindowed sequence.
	Position int
}

var weekdays = map[time.Weekday]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// Expand returns the occurrences of r whose dates fall in
// [windowStart, windowEnd], strictly ordered by (date, time).
//
// The window is a view into the full sequence: positions and the
// MaxOccurrences bound are counted from StartDate, so a later window yields
// exactly what an unwindowed expansion would have at those positions.
func Expand(r model.Rule, windowStart, windowEnd calendar.Date) ([]Occurrence, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	if !windowStart.Valid() || !windowEnd.Valid() {
		return nil, fmt.Errorf("%w: window bounds must be valid dates", ErrInvalidWindow)
	}
	if windowEnd.Before(windowStart) {
		return nil, fmt.Errorf("%w: %s is before %s", ErrInvalidWindow, windowEnd, windowStart)
	}

	from := windowStart
	if from.Before(r.StartDate) {
		from = r.StartDate
	}
	to := windowEnd
	if r.EndDate != nil && r.EndDate.Before(to) {
		to = *r.EndDate
	}
	out := make([]Occurrence, 0)
	if to.Before(from) {
		return out, nil
	}

	rr, err := buildRRule(r)
	if err != nil {
		return nil, err
	}

	// Dates preceding the window only matter for positions.
	before := 0
	if r.StartDate.Before(from) {
		before = len(rr.Between(r.StartDate.UTCMidnight(), from.AddDays(-1).UTCMidnight(), true))
	}

	slots := len(r.TimesOfDay)
	for i, day := range rr.Between(from.UTCMidnight(), to.UTCMidnight(), true) {
		d := calendar.DateOf(day)
		for slot, tod := range r.TimesOfDay {
			pos := (before+i)*slots + slot + 1
			if r.MaxOccurrences > 0 && pos > r.MaxOccurrences {
				return out, nil
			}
			out = append(out, Occurrence{Date: d, Time: tod, Slot: slot, Position: pos})
		}
	}
	return out, nil
}

// Contains reports whether (date, slot) is an occurrence of r.
func Contains(r model.Rule, date calendar.Date, slot int) (Occurrence, bool, error) {
	if err := Validate(r); err != nil {
		return Occurrence{}, false, err
	}
	if slot < 0 || slot >= len(r.TimesOfDay) || !date.Valid() {
		return Occurrence{}, false, nil
	}
	occs, err := Expand(r, date, date)
	if err != nil {
		return Occurrence{}, false, err
	}
	for _, o := range occs {
		if o.Slot == slot {
			return o, true, nil
		}
	}
	return Occurrence{}, false, nil
}

// buildRRule maps r onto an RRULE over floating UTC midnights, so the
// generated dates are wall-calendar dates unaffected by DST.
func buildRRule(r model.Rule) (*rrule.RRule, error) {
	opt := rrule.ROption{
		Dtstart:  r.StartDate.UTCMidnight(),
		Interval: r.Interval,
		Wkst:     rrule.MO,
	}
	if r.WeekStart == model.WeekStartSunday {
		opt.Wkst = rrule.SU
	}

	switch r.Frequency {
	case model.Daily:
		opt.Freq = rrule.DAILY
	case model.Weekly:
		opt.Freq = rrule.WEEKLY
		for _, wd := range r.DaysOfWeek {
			opt.Byweekday = append(opt.Byweekday, weekdays[wd])
		}
	case model.Monthly:
		// BYMONTHDAY skips months that lack the day, which is the policy we
		// want (no clamping to the last day).
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = append(opt.Bymonthday, r.DaysOfMonth...)
	}

	if r.EndDate != nil {
		opt.Until = r.EndDate.UTCMidnight()
	}
	if r.MaxOccurrences > 0 {
		slots := len(r.TimesOfDay)
		opt.Count = (r.MaxOccurrences + slots - 1) / slots
	}

	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return rr, nil
}
