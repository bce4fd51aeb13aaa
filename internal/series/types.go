package series

import (
	"errors"
	"fmt"

	"taskrecur/internal/calendar"
	"taskrecur/internal/model"
)

var (
	// ErrUnknownOccurrence is returned for keys outside a template's logical
	// sequence, keys of another template, and keys already deleted.
	ErrUnknownOccurrence = errors.New("unknown occurrence")
	// ErrNotConfirmed guards operations that cascade-delete a series.
	ErrNotConfirmed = errors.New("destructive operation not confirmed")
	// ErrInvalidTemplate covers content problems outside the rule itself.
	ErrInvalidTemplate = errors.New("invalid template")
	// ErrInvalidInstance covers patches that leave an instance inconsistent.
	ErrInvalidInstance = errors.New("invalid instance")
)

// TemplateDraft is the input for CreateTemplate.
type TemplateDraft struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	XPValue     int        `json:"xp_value"`
	TimeZone    string     `json:"time_zone"`
	Rule        model.Rule `json:"rule"`
}

// TemplateUpdate replaces the non-nil fields of a template.
type TemplateUpdate struct {
	Title       *string     `json:"title,omitempty"`
	Description *string     `json:"description,omitempty"`
	Category    *string     `json:"category,omitempty"`
	XPValue     *int        `json:"xp_value,omitempty"`
	TimeZone    *string     `json:"time_zone,omitempty"`
	Rule        *model.Rule `json:"rule,omitempty"`
}

// InstancePatch replaces the non-nil fields of an instance. ClearStart and
// ClearDue drop the date and time together and win over the setters.
type InstancePatch struct {
	Title     *string             `json:"title,omitempty"`
	Context   *string             `json:"context,omitempty"`
	Category  *string             `json:"category,omitempty"`
	XPValue   *int                `json:"xp_value,omitempty"`
	StartDate *calendar.Date      `json:"start_date,omitempty"`
	StartTime *calendar.TimeOfDay `json:"start_time,omitempty"`
	DueDate   *calendar.Date      `json:"due_date,omitempty"`
	DueTime   *calendar.TimeOfDay `json:"due_time,omitempty"`
	Status    *model.Status       `json:"status,omitempty"`

	ClearStart bool `json:"clear_start,omitempty"`
	ClearDue   bool `json:"clear_due,omitempty"`
}

// ConvertOptions must carry an explicit acknowledgement; the conversion
// deletes the whole series.
type ConvertOptions struct {
	Confirmed bool `json:"confirm"`
}

func (p InstancePatch) apply(i *model.TaskInstance) error {
	if p.Title != nil {
		i.Title = *p.Title
	}
	if p.Context != nil {
		i.Context = *p.Context
	}
	if p.Category != nil {
		i.Category = *p.Category
	}
	if p.XPValue != nil {
		i.XPValue = *p.XPValue
	}
	if p.StartDate != nil {
		d := *p.StartDate
		i.StartDate = &d
	}
	if p.StartTime != nil {
		t := *p.StartTime
		i.StartTime = &t
	}
	if p.DueDate != nil {
		d := *p.DueDate
		i.DueDate = &d
	}
	if p.DueTime != nil {
		t := *p.DueTime
		i.DueTime = &t
	}
	if p.ClearStart {
		i.StartDate, i.StartTime = nil, nil
	}
	if p.ClearDue {
		i.DueDate, i.DueTime = nil, nil
	}
	if p.Status != nil {
		switch *p.Status {
		case model.StatusPending, model.StatusCompleted:
			i.Status = *p.Status
		default:
			return fmt.Errorf("%w: status %q cannot be stored", ErrInvalidInstance, *p.Status)
		}
	}
	return validateInstance(*i)
}

func validateInstance(i model.TaskInstance) error {
	if i.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInstance)
	}
	if i.StartTime != nil && i.StartDate == nil {
		return fmt.Errorf("%w: start time without start date", ErrInvalidInstance)
	}
	if i.DueTime != nil && i.DueDate == nil {
		return fmt.Errorf("%w: due time without due date", ErrInvalidInstance)
	}
	for _, d := range []*calendar.Date{i.StartDate, i.DueDate} {
		if d != nil && !d.Valid() {
			return fmt.Errorf("%w: %v is not a valid date", ErrInvalidInstance, *d)
		}
	}
	for _, t := range []*calendar.TimeOfDay{i.StartTime, i.DueTime} {
		if t != nil && !t.Valid() {
			return fmt.Errorf("%w: %v is not a valid time", ErrInvalidInstance, *t)
		}
	}
	return nil
}
