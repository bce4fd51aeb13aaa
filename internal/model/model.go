package model

import (
	"slices"
	"time"

	"taskrecur/internal/calendar"
)

// Frequency is the base period of a recurrence rule.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Week starts accepted by Rule.WeekStart. Empty means monday.
const (
	WeekStartMonday = "monday"
	WeekStartSunday = "sunday"
)

// Rule describes when a template produces occurrences. Dates and times are
// civil values in the owning template's TimeZone.
type Rule struct {
	Frequency Frequency `json:"frequency" yaml:"frequency"`
	Interval  int       `json:"interval" yaml:"interval"`

	// DaysOfWeek uses time.Weekday numbering (0 = Sunday). Weekly only.
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"`
	// DaysOfMonth are 1..31. Days a month does not have are skipped. Monthly only.
	DaysOfMonth []int `json:"days_of_month,omitempty" yaml:"days_of_month,omitempty"`

	// TimesOfDay is strictly increasing; each entry yields one occurrence per
	// matched date and its index is the occurrence's time slot.
	TimesOfDay []calendar.TimeOfDay `json:"times_of_day" yaml:"times_of_day"`

	StartDate calendar.Date  `json:"start_date" yaml:"start_date"`
	EndDate   *calendar.Date `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	// MaxOccurrences bounds the global occurrence count; 0 means unbounded.
	MaxOccurrences int `json:"max_occurrences,omitempty" yaml:"max_occurrences,omitempty"`

	WeekStart string `json:"week_start,omitempty" yaml:"week_start,omitempty"`
}

// Clone returns a deep copy of r.
func (r Rule) Clone() Rule {
	out := r
	out.DaysOfWeek = slices.Clone(r.DaysOfWeek)
	out.DaysOfMonth = slices.Clone(r.DaysOfMonth)
	out.TimesOfDay = slices.Clone(r.TimesOfDay)
	if r.EndDate != nil {
		d := *r.EndDate
		out.EndDate = &d
	}
	return out
}

// RecurringTemplate is the rule plus shared content of a series. It holds no
// pointers to its instances; the two key sets are the only record of
// exceptions.
type RecurringTemplate struct {
	ID string `json:"id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	XPValue     int    `json:"xp_value"`

	// TimeZone is the IANA zone the rule's civil dates live in.
	TimeZone string `json:"time_zone"`
	Rule     Rule   `json:"rule"`

	// EditedInstanceKeys and DeletedInstanceKeys are sorted and disjoint.
	EditedInstanceKeys  []string `json:"edited_instance_keys"`
	DeletedInstanceKeys []string `json:"deleted_instance_keys"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of t.
func (t RecurringTemplate) Clone() RecurringTemplate {
	out := t
	out.Rule = t.Rule.Clone()
	out.EditedInstanceKeys = slices.Clone(t.EditedInstanceKeys)
	out.DeletedInstanceKeys = slices.Clone(t.DeletedInstanceKeys)
	return out
}

func (t *RecurringTemplate) IsEdited(key string) bool {
	_, ok := slices.BinarySearch(t.EditedInstanceKeys, key)
	return ok
}

func (t *RecurringTemplate) IsDeleted(key string) bool {
	_, ok := slices.BinarySearch(t.DeletedInstanceKeys, key)
	return ok
}

// MarkEdited records key as detached. Deleted keys stay deleted.
func (t *RecurringTemplate) MarkEdited(key string) {
	if t.IsDeleted(key) {
		return
	}
	t.EditedInstanceKeys = insertSorted(t.EditedInstanceKeys, key)
}

// MarkDeleted moves key into the deleted set, removing it from the edited
// set so the two never overlap.
func (t *RecurringTemplate) MarkDeleted(key string) {
	t.EditedInstanceKeys = removeSorted(t.EditedInstanceKeys, key)
	t.DeletedInstanceKeys = insertSorted(t.DeletedInstanceKeys, key)
}

func insertSorted(s []string, v string) []string {
	i, ok := slices.BinarySearch(s, v)
	if ok {
		return s
	}
	return slices.Insert(s, i, v)
}

func removeSorted(s []string, v string) []string {
	i, ok := slices.BinarySearch(s, v)
	if !ok {
		return s
	}
	return slices.Delete(s, i, i+1)
}

// Status is the stored completion state. Overdue is derived at render time
// and never stored.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusOverdue   Status = "overdue"
)

// TaskInstance is a concrete task: standalone, generated from a template
// occurrence, or detached from one by a single-occurrence edit.
type TaskInstance struct {
	ID string `json:"id"`

	Title    string `json:"title"`
	Context  string `json:"context,omitempty"`
	Category string `json:"category,omitempty"`
	XPValue  int    `json:"xp_value"`

	StartDate *calendar.Date      `json:"start_date,omitempty"`
	StartTime *calendar.TimeOfDay `json:"start_time,omitempty"`
	DueDate   *calendar.Date      `json:"due_date,omitempty"`
	DueTime   *calendar.TimeOfDay `json:"due_time,omitempty"`

	Status Status `json:"status"`

	// SourceRecurringTaskID is a weak reference to the template; it never
	// implies ownership.
	SourceRecurringTaskID string `json:"source_recurring_task_id,omitempty"`
	RecurrenceInstanceKey string `json:"recurrence_instance_key,omitempty"`
	IsEditedInstance      bool   `json:"is_edited_instance,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

func (i TaskInstance) HasDueTime() bool { return i.DueTime != nil }

// IsRecurring reports whether the instance is linked to a template.
func (i TaskInstance) IsRecurring() bool { return i.SourceRecurringTaskID != "" }

// EffectiveDate is the date used for ordering: due, else start.
func (i TaskInstance) EffectiveDate() (calendar.Date, *calendar.TimeOfDay, bool) {
	if i.DueDate != nil {
		return *i.DueDate, i.DueTime, true
	}
	if i.StartDate != nil {
		return *i.StartDate, i.StartTime, true
	}
	return calendar.Date{}, nil, false
}

// Clone returns a deep copy of i.
func (i TaskInstance) Clone() TaskInstance {
	out := i
	out.StartDate = clonePtr(i.StartDate)
	out.StartTime = clonePtr(i.StartTime)
	out.DueDate = clonePtr(i.DueDate)
	out.DueTime = clonePtr(i.DueTime)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
