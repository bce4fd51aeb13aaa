// Package agenda builds the cross-series view of upcoming work and runs the
// periodic digest.
package agenda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"taskrecur/internal/calendar"
	appLog "taskrecur/internal/log"
	"taskrecur/internal/model"
	"taskrecur/internal/present"
	"taskrecur/internal/series"
	"taskrecur/internal/store"
)

// Entry is one instance as it would be rendered.
type Entry struct {
	TemplateID string             `json:"template_id"`
	Instance   model.TaskInstance `json:"instance"`
	Status     model.Status       `json:"status"`
	Label      string             `json:"label"`
	TimeZone   string             `json:"time_zone"`
}

// Summary counts entries by derived status.
type Summary struct {
	Pending   int `json:"pending"`
	Overdue   int `json:"overdue"`
	Completed int `json:"completed"`
}

// Builder materializes every series for a horizon.
type Builder struct {
	mgr    *series.Manager
	locale string
}

func NewBuilder(mgr *series.Manager, locale string) *Builder {
	return &Builder{mgr: mgr, locale: locale}
}

// Build returns the entries of all templates whose occurrences fall in
// [today-backfill, today+days) where "today" is evaluated in each template's
// own zone. Entries are ordered by instant, then template id.
func (b *Builder) Build(ctx context.Context, now time.Time, backfill, days int) ([]Entry, error) {
	if days <= 0 {
		return nil, fmt.Errorf("agenda: days must be positive, got %d", days)
	}
	if backfill < 0 {
		backfill = 0
	}

	templates, err := b.mgr.Templates(ctx)
	if err != nil {
		return nil, err
	}

	type sortable struct {
		at    time.Time
		entry Entry
	}
	all := make([]sortable, 0)
	for _, t := range templates {
		loc, err := calendar.LoadZone(t.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", t.ID, err)
		}
		localNow := now.In(loc)
		today := calendar.DateOf(localNow)
		insts, err := b.mgr.Materialize(ctx, t.ID, today.AddDays(-backfill), today.AddDays(days-1))
		if err != nil {
			// A template deleted between listing and materializing is not an error.
			if errors.Is(err, store.ErrTemplateNotFound) {
				continue
			}
			return nil, fmt.Errorf("template %s: %w", t.ID, err)
		}
		for _, inst := range insts {
			label, err := present.Label(inst, b.locale, t.TimeZone)
			if err != nil {
				return nil, err
			}
			all = append(all, sortable{
				at: instantOf(inst, loc),
				entry: Entry{
					TemplateID: t.ID,
					Instance:   inst,
					Status:     present.StatusOf(inst, localNow),
					Label:      label,
					TimeZone:   t.TimeZone,
				},
			})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].at.Equal(all[j].at) {
			return all[i].at.Before(all[j].at)
		}
		return all[i].entry.TemplateID < all[j].entry.TemplateID
	})
	out := make([]Entry, 0, len(all))
	for _, s := range all {
		out = append(out, s.entry)
	}
	return out, nil
}

// Summarize counts entries by status.
func Summarize(entries []Entry) Summary {
	var s Summary
	for _, e := range entries {
		switch e.Status {
		case model.StatusCompleted:
			s.Completed++
		case model.StatusOverdue:
			s.Overdue++
		default:
			s.Pending++
		}
	}
	return s
}

func instantOf(inst model.TaskInstance, loc *time.Location) time.Time {
	d, tod, ok := inst.EffectiveDate()
	if !ok {
		return time.Time{}
	}
	h, m := 0, 0
	if tod != nil {
		h, m = tod.Hour, tod.Minute
	}
	return time.Date(d.Year, d.Month, d.Day, h, m, 0, 0, loc)
}

// Digest builds the agenda and logs one line per overdue entry plus totals.
func (b *Builder) Digest(ctx context.Context, now time.Time, days int) (Summary, error) {
	entries, err := b.Build(ctx, now, 1, days)
	if err != nil {
		return Summary{}, err
	}
	sum := Summarize(entries)
	for _, e := range entries {
		if e.Status == model.StatusOverdue {
			appLog.Info("agenda: overdue", "template_id", e.TemplateID, "title", e.Instance.Title, "label", e.Label)
		}
	}
	appLog.Info("agenda digest",
		"horizon_days", days,
		"entries", len(entries),
		"pending", sum.Pending,
		"overdue", sum.Overdue,
		"completed", sum.Completed,
	)
	return sum, nil
}
