// Package ics moves series in and out of iCalendar: materialized instances
// are exported as VEVENTs and RRULE-bearing VEVENTs are imported as templates.
package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"taskrecur/internal/calendar"
	"taskrecur/internal/model"
)

const (
	productID = "-//taskrecur//series export//EN"

	// PropertyStatus carries the stored instance status. VEVENT has no
	// COMPLETED status of its own.
	PropertyStatus = ical.ComponentProperty("X-TASKRECUR-STATUS")
	// PropertyKey carries the occurrence key of a generated or edited instance.
	PropertyKey = ical.ComponentProperty("X-TASKRECUR-KEY")
)

// ExportInstances renders instances as a PUBLISH calendar. Dated instances
// with a time become timed events in zone; the rest become all-day events.
// Instances without any date are skipped.
func ExportInstances(name string, instances []model.TaskInstance, zone string, stamp time.Time) (string, error) {
	if _, err := calendar.LoadZone(zone); err != nil {
		return "", err
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if name != "" {
		cal.SetXWRCalName(name)
	}
	cal.SetXWRTimezone(zone)

	for _, inst := range instances {
		start, end, timed, ok, err := span(inst, zone)
		if err != nil {
			return "", fmt.Errorf("instance %s: %w", inst.ID, err)
		}
		if !ok {
			continue
		}

		ev := cal.AddEvent(uid(inst))
		ev.SetDtStampTime(stamp.UTC())
		ev.SetSummary(inst.Title)
		if inst.Context != "" {
			ev.SetDescription(inst.Context)
		}
		if timed {
			ev.SetStartAt(start)
			ev.SetEndAt(end)
		} else {
			ev.SetAllDayStartAt(start)
			ev.SetAllDayEndAt(end)
		}
		if inst.Category != "" {
			ev.SetProperty(ical.ComponentPropertyCategories, inst.Category)
		}
		status := inst.Status
		if status == "" {
			status = model.StatusPending
		}
		ev.SetProperty(PropertyStatus, strings.ToUpper(string(status)))
		if inst.RecurrenceInstanceKey != "" {
			ev.SetProperty(PropertyKey, inst.RecurrenceInstanceKey)
		}
	}
	return cal.Serialize(), nil
}

func uid(inst model.TaskInstance) string {
	if inst.RecurrenceInstanceKey != "" {
		return inst.RecurrenceInstanceKey + "@taskrecur"
	}
	return inst.ID + "@taskrecur"
}

// span picks DTSTART/DTEND. The start date (or the due date when there is
// none) opens the event; a later due date closes it.
func span(inst model.TaskInstance, zone string) (start, end time.Time, timed, ok bool, err error) {
	var (
		sd *calendar.Date
		st *calendar.TimeOfDay
	)
	switch {
	case inst.StartDate != nil:
		sd, st = inst.StartDate, inst.StartTime
	case inst.DueDate != nil:
		sd, st = inst.DueDate, inst.DueTime
	default:
		return time.Time{}, time.Time{}, false, false, nil
	}
	ed, et := sd, st
	if inst.StartDate != nil && inst.DueDate != nil && !inst.DueDate.Before(*inst.StartDate) {
		ed, et = inst.DueDate, inst.DueTime
	}

	if st == nil {
		// All-day: DTEND is exclusive.
		return sd.UTCMidnight(), ed.AddDays(1).UTCMidnight(), false, true, nil
	}
	start, err = calendar.ToUTC(*sd, st, zone)
	if err != nil {
		return
	}
	if et == nil {
		end = start
	} else if end, err = calendar.ToUTC(*ed, et, zone); err != nil {
		return
	}
	if end.Before(start) {
		end = start
	}
	return start, end, true, true, nil
}
