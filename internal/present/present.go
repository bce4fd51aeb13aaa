// Package present derives render-time views of task instances. Nothing here
// is persisted.
package present

import (
	"strings"
	"time"

	"github.com/goodsign/monday"
	"golang.org/x/text/language"

	"taskrecur/internal/calendar"
	"taskrecur/internal/model"
)

// StatusOf returns completed for completed instances, overdue when the due
// date is before today (today being now's date in now's location) or is
// today with a due time already passed, and pending otherwise. The due
// instant itself still counts as pending.
func StatusOf(inst model.TaskInstance, now time.Time) model.Status {
	if inst.Status == model.StatusCompleted {
		return model.StatusCompleted
	}
	if inst.DueDate == nil {
		return model.StatusPending
	}
	today := calendar.DateOf(now)
	switch inst.DueDate.Compare(today) {
	case -1:
		return model.StatusOverdue
	case 0:
		if !inst.HasDueTime() {
			break
		}
		d, tod := inst.DueDate, *inst.DueTime
		due := time.Date(d.Year, d.Month, d.Day, tod.Hour, tod.Minute, 0, 0, now.Location())
		if now.After(due) {
			return model.StatusOverdue
		}
	}
	return model.StatusPending
}

type localeFormat struct {
	tag    language.Tag
	locale monday.Locale
	date   string
}

// The first entry is the fallback for unknown or unparsable locales.
var formats = []localeFormat{
	{language.AmericanEnglish, monday.LocaleEnUS, "Mon, Jan 2, 2006"},
	{language.BritishEnglish, monday.LocaleEnGB, "Mon 2 Jan 2006"},
	{language.Korean, monday.LocaleKoKR, "2006년 1월 2일 (Mon)"},
	{language.German, monday.LocaleDeDE, "Mon, 2. Jan 2006"},
	{language.French, monday.LocaleFrFR, "Mon 2 Jan 2006"},
	{language.Japanese, monday.LocaleJaJP, "2006年1月2日 (Mon)"},
	{language.Spanish, monday.LocaleEsES, "Mon, 2 Jan 2006"},
}

var matcher = func() language.Matcher {
	tags := make([]language.Tag, 0, len(formats))
	for _, f := range formats {
		tags = append(tags, f.tag)
	}
	return language.NewMatcher(tags)
}()

func formatFor(locale string) localeFormat {
	tag, err := language.Parse(strings.ReplaceAll(strings.TrimSpace(locale), "_", "-"))
	if err != nil {
		return formats[0]
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return formats[0]
	}
	return formats[idx]
}

// Label summarizes the start and due of inst, e.g.
// "Start Mon, Jan 1, 2024 · Due Wed, Jan 3, 2024 09:00 EST". It returns ""
// when neither date is set. Dates are civil values interpreted in timeZone.
func Label(inst model.TaskInstance, locale, timeZone string) (string, error) {
	loc, err := calendar.LoadZone(timeZone)
	if err != nil {
		return "", err
	}
	f := formatFor(locale)

	parts := make([]string, 0, 2)
	if inst.StartDate != nil {
		parts = append(parts, "Start "+f.render(*inst.StartDate, inst.StartTime, loc))
	}
	if inst.DueDate != nil {
		parts = append(parts, "Due "+f.render(*inst.DueDate, inst.DueTime, loc))
	}
	return strings.Join(parts, " · "), nil
}

func (f localeFormat) render(d calendar.Date, tod *calendar.TimeOfDay, loc *time.Location) string {
	layout := f.date
	h, m := 0, 0
	if tod != nil {
		layout += " 15:04 MST"
		h, m = tod.Hour, tod.Minute
	}
	t := time.Date(d.Year, d.Month, d.Day, h, m, 0, 0, loc)
	return monday.Format(t, layout, f.locale)
}
