package ics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"taskrecur/internal/calendar"
	"taskrecur/internal/instkey"
	appLog "taskrecur/internal/log"
	"taskrecur/internal/model"
	"taskrecur/internal/series"
)

// ImportedSeries is a VEVENT with a supported RRULE, mapped onto a template
// draft. ExDates are the EXDATE days in the draft's zone.
type ImportedSeries struct {
	UID     string
	Draft   series.TemplateDraft
	ExDates []calendar.Date
}

var errUnsupported = errors.New("unsupported recurrence")

// ParseSeries parses an ICS payload into series drafts.
//
//   - Only VEVENTs carrying an RRULE with FREQ=DAILY/WEEKLY/MONTHLY are
//     considered; single events and other rules are skipped and logged.
//   - The TZID of DTSTART becomes the template zone; floating and UTC
//     values use defaultZone. Floating times keep their wall clock.
//   - All-day events recur at 00:00. A date-only or floating UNTIL
//     keeps its calendar day.
//   - A DTSTART whose day falls outside BYDAY/BYMONTHDAY is not an
//     instance of the template (RFC 5545 would count it). This is logged.
func ParseSeries(body []byte, defaultZone string) ([]ImportedSeries, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if _, err := calendar.LoadZone(defaultZone); err != nil {
		return nil, err
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics parse: %w", err)
	}

	out := make([]ImportedSeries, 0)
	for _, comp := range cal.Events() {
		s, perr := parseVEvent(comp, defaultZone)
		if perr != nil {
			if errors.Is(perr, errSkip) {
				continue
			}
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent skipped", perr, "uid", s.UID)
			continue
		}
		out = append(out, s)
	}

	appLog.Info("ics parse completed", "series_count", len(out))
	return out, nil
}

var errSkip = errors.New("not a recurring event")

func parseVEvent(ve *ical.VEvent, defaultZone string) (ImportedSeries, error) {
	var out ImportedSeries

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	rruleProp := ve.GetProperty(ical.ComponentPropertyRrule)
	if rruleProp == nil || rruleProp.Value == "" {
		return out, errSkip
	}

	d := &out.Draft
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		d.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		d.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyCategories); p != nil {
		d.Category = strings.TrimSpace(strings.Split(p.Value, ",")[0])
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	d.TimeZone = defaultZone
	if tz := param(dtStart, "TZID"); tz != "" {
		if _, err := calendar.LoadZone(tz); err == nil {
			d.TimeZone = tz
		}
	}
	loc, err := calendar.LoadZone(d.TimeZone)
	if err != nil {
		return out, err
	}

	// Detect all-day: VALUE=DATE or no 'T' in the value.
	allDay := strings.EqualFold(param(dtStart, "VALUE"), "DATE") || !strings.Contains(dtStart.Value, "T")
	zoned := param(dtStart, "TZID") != "" || strings.HasSuffix(dtStart.Value, "Z")
	var start time.Time
	if allDay || !zoned {
		// floating 값은 UTC 가 아니라 템플릿 zone 의 벽시계로 읽는다.
		start, err = parseICSTime(dtStart.Value, loc)
	} else {
		start, err = ve.GetStartAt()
	}
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	start = start.In(loc)

	rule, err := ruleFromRRule(rruleProp.Value, start, allDay, loc)
	if err != nil {
		return out, err
	}
	d.Rule = rule
	if !startMatchesRule(rule, start) {
		appLog.Info("ics dtstart outside rule; first instance not materialized",
			"uid", out.UID, "dtstart", calendar.DateOf(start).String(), "rrule", rruleProp.Value)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := loc
		if tz := param(p, "TZID"); tz != "" {
			if l, err := calendar.LoadZone(tz); err == nil {
				exLoc = l
			}
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, exLoc); err == nil {
				out.ExDates = append(out.ExDates, calendar.DateOf(t.In(loc)))
			}
		}
	}
	return out, nil
}

func ruleFromRRule(raw string, start time.Time, allDay bool, loc *time.Location) (model.Rule, error) {
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return model.Rule{}, fmt.Errorf("RRULE %q: %w", raw, err)
	}
	if len(opt.Bysetpos) > 0 || len(opt.Bymonth) > 0 || len(opt.Byyearday) > 0 ||
		len(opt.Byweekno) > 0 || len(opt.Byhour) > 0 || len(opt.Byminute) > 0 ||
		len(opt.Bysecond) > 0 || len(opt.Byeaster) > 0 {
		return model.Rule{}, fmt.Errorf("%w: %s", errUnsupported, raw)
	}

	r := model.Rule{
		Interval:       opt.Interval,
		StartDate:      calendar.DateOf(start),
		MaxOccurrences: opt.Count,
	}
	// RFC 5545 defaults INTERVAL to 1.
	if r.Interval == 0 {
		r.Interval = 1
	}
	if allDay {
		r.TimesOfDay = []calendar.TimeOfDay{{}}
	} else {
		r.TimesOfDay = []calendar.TimeOfDay{calendar.TimeOf(start)}
	}
	if opt.Wkst == rrule.SU {
		r.WeekStart = model.WeekStartSunday
	}
	if !opt.Until.IsZero() {
		// rrule reads date-only and floating UNTIL values as UTC wall clock.
		// Only a "Z" value is an instant to move into loc.
		end := calendar.DateOf(opt.Until.UTC())
		if strings.HasSuffix(untilValue(raw), "Z") {
			end = calendar.DateOf(opt.Until.In(loc))
		}
		r.EndDate = &end
	}

	switch opt.Freq {
	case rrule.DAILY:
		r.Frequency = model.Daily
		if len(opt.Byweekday) > 0 || len(opt.Bymonthday) > 0 {
			return model.Rule{}, fmt.Errorf("%w: %s", errUnsupported, raw)
		}
	case rrule.WEEKLY:
		r.Frequency = model.Weekly
		for _, wd := range opt.Byweekday {
			if wd.N() != 0 {
				return model.Rule{}, fmt.Errorf("%w: %s", errUnsupported, raw)
			}
			// rrule counts Monday as 0.
			r.DaysOfWeek = append(r.DaysOfWeek, time.Weekday((wd.Day()+1)%7))
		}
		if len(r.DaysOfWeek) == 0 {
			r.DaysOfWeek = []time.Weekday{start.Weekday()}
		}
	case rrule.MONTHLY:
		r.Frequency = model.Monthly
		if len(opt.Byweekday) > 0 {
			return model.Rule{}, fmt.Errorf("%w: %s", errUnsupported, raw)
		}
		for _, md := range opt.Bymonthday {
			if md < 1 {
				return model.Rule{}, fmt.Errorf("%w: %s", errUnsupported, raw)
			}
			r.DaysOfMonth = append(r.DaysOfMonth, md)
		}
		if len(r.DaysOfMonth) == 0 {
			r.DaysOfMonth = []int{start.Day()}
		}
	default:
		return model.Rule{}, fmt.Errorf("%w: %s", errUnsupported, raw)
	}
	return r, nil
}

// Import parses body and creates one template per supported series,
// deleting the EXDATE occurrences from each.
func Import(ctx context.Context, mgr *series.Manager, body []byte, defaultZone string) ([]model.RecurringTemplate, error) {
	parsed, err := ParseSeries(body, defaultZone)
	if err != nil {
		return nil, err
	}
	out := make([]model.RecurringTemplate, 0, len(parsed))
	for _, s := range parsed {
		t, err := mgr.CreateTemplate(ctx, s.Draft)
		if err != nil {
			return out, fmt.Errorf("import %s: %w", s.UID, err)
		}
		for _, ex := range s.ExDates {
			for slot := range t.Rule.TimesOfDay {
				key, err := instkey.Encode(t.ID, ex, slot)
				if err != nil {
					return out, err
				}
				if err := mgr.DeleteSingle(ctx, t.ID, key); err != nil && !errors.Is(err, series.ErrUnknownOccurrence) {
					return out, fmt.Errorf("import %s exdate %s: %w", s.UID, ex, err)
				}
			}
		}
		if len(s.ExDates) > 0 {
			if t, err = mgr.Template(ctx, t.ID); err != nil {
				return out, err
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// untilValue returns the raw UNTIL part of an RRULE value.
func untilValue(raw string) string {
	for _, part := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "UNTIL") {
			return v
		}
	}
	return ""
}

// startMatchesRule reports whether DTSTART's own day is produced by rule.
// RFC 5545 always counts DTSTART as an instance; templates do not.
func startMatchesRule(r model.Rule, start time.Time) bool {
	switch r.Frequency {
	case model.Weekly:
		return slices.Contains(r.DaysOfWeek, start.Weekday())
	case model.Monthly:
		return slices.Contains(r.DaysOfMonth, start.Day())
	}
	return true
}

func param(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseICSTime parses a basic ICS date/date-time string. Floating values are
// read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		const layout = "20060102T150405Z"
		return time.Parse(layout, v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		const layout = "20060102T150405"
		return time.ParseInLocation(layout, v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	const layoutDate = "20060102"
	return time.ParseInLocation(layoutDate, v, loc)
}
