// Package series owns the lifecycle of recurring templates and the
// instances derived from them.
//
// Per occurrence key the lifecycle is
//
//	PLANNED --EditSingle--> EDITED --DeleteSingle--> DELETED
//	PLANNED --DeleteSingle--> DELETED
//
// EDITED and DELETED are permanent: rule changes only re-evaluate PLANNED
// keys, and an edited instance is never re-attached to the series.
// DeleteSeries and ConvertToOneTime remove the template and every instance
// that references it.
package series

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"taskrecur/internal/calendar"
	"taskrecur/internal/instkey"
	appLog "taskrecur/internal/log"
	"taskrecur/internal/model"
	"taskrecur/internal/recurrence"
	"taskrecur/internal/store"
)

const defaultMaxWindowDays = 731

// Options tunes a Manager.
type Options struct {
	// MaxWindowDays caps the span Materialize accepts. Zero uses the default.
	MaxWindowDays int
	// NewID generates template and instance ids. Defaults to UUID v4.
	NewID func() string
}

// Manager reconciles rule expansion with the stored exceptions. It keeps no
// state between calls beyond what lives in the store; every multi-write
// operation runs inside one store transaction and saves the template under
// its version, so concurrent mutations of one template conflict instead of
// merging.
type Manager struct {
	store store.Store
	opts  Options
}

// NewManager wraps s. Zero Options fields take defaults: a 731-day window
// cap and uuid template IDs.
func NewManager(s store.Store, opts Options) *Manager {
	if opts.MaxWindowDays <= 0 {
		opts.MaxWindowDays = defaultMaxWindowDays
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Manager{store: s, opts: opts}
}

// CreateTemplate validates and stores a new series.
func (m *Manager) CreateTemplate(ctx context.Context, d TemplateDraft) (model.RecurringTemplate, error) {
	if strings.TrimSpace(d.Title) == "" {
		return model.RecurringTemplate{}, fmt.Errorf("%w: title is required", ErrInvalidTemplate)
	}
	if _, err := calendar.LoadZone(d.TimeZone); err != nil {
		return model.RecurringTemplate{}, err
	}
	if err := recurrence.Validate(d.Rule); err != nil {
		return model.RecurringTemplate{}, err
	}

	t := model.RecurringTemplate{
		ID:                  m.opts.NewID(),
		Title:               d.Title,
		Description:         d.Description,
		Category:            d.Category,
		XPValue:             d.XPValue,
		TimeZone:            d.TimeZone,
		Rule:                d.Rule.Clone(),
		EditedInstanceKeys:  []string{},
		DeletedInstanceKeys: []string{},
	}
	if err := m.store.CreateTemplate(ctx, &t); err != nil {
		return model.RecurringTemplate{}, err
	}
	appLog.Info("series created", "template_id", t.ID, "frequency", t.Rule.Frequency, "time_zone", t.TimeZone)
	return t, nil
}

// Template loads one template by ID. Unknown IDs return
// store.ErrTemplateNotFound.
func (m *Manager) Template(ctx context.Context, id string) (model.RecurringTemplate, error) {
	return m.store.LoadTemplate(ctx, id)
}

// Templates lists every stored template.
func (m *Manager) Templates(ctx context.Context) ([]model.RecurringTemplate, error) {
	return m.store.ListTemplates(ctx)
}

// Materialize returns the instances of a template whose occurrence dates
// fall in [from, to]: generated instances for planned keys plus the stored
// edited instances, ordered by date. It never writes.
func (m *Manager) Materialize(ctx context.Context, templateID string, from, to calendar.Date) ([]model.TaskInstance, error) {
	if err := m.checkWindow(from, to); err != nil {
		return nil, err
	}
	t, err := m.store.LoadTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	occs, err := recurrence.Expand(t.Rule, from, to)
	if err != nil {
		return nil, err
	}

	out := make([]placed, 0, len(occs))
	for _, o := range occs {
		key, err := instkey.Encode(t.ID, o.Date, o.Slot)
		if err != nil {
			return nil, err
		}
		if t.IsDeleted(key) || t.IsEdited(key) {
			continue
		}
		out = append(out, placed{inst: generate(t, o, key), occurrence: o.Date})
	}

	if len(t.EditedInstanceKeys) > 0 {
		stored, err := m.store.ListInstancesBySource(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		for _, inst := range stored {
			if !inst.IsEditedInstance || !t.IsEdited(inst.RecurrenceInstanceKey) {
				continue
			}
			k, err := instkey.Decode(inst.RecurrenceInstanceKey)
			if err != nil {
				appLog.Error("materialize: stored instance has undecodable key", err,
					"template_id", t.ID, "instance_id", inst.ID)
				continue
			}
			if calendar.IsBetween(k.Date, from, to) {
				out = append(out, placed{inst: inst, occurrence: k.Date})
			}
		}
	}

	sortPlaced(out)
	result := make([]model.TaskInstance, 0, len(out))
	for _, p := range out {
		result = append(result, p.inst)
	}
	appLog.Debug("series materialized", "template_id", t.ID, "from", from, "to", to, "count", len(result))
	return result, nil
}

// Occurrence resolves one key to its current instance.
func (m *Manager) Occurrence(ctx context.Context, templateID, key string) (model.TaskInstance, error) {
	t, err := m.store.LoadTemplate(ctx, templateID)
	if err != nil {
		return model.TaskInstance{}, err
	}
	return m.currentInstance(ctx, m.store, t, key)
}

// EditSingle detaches one occurrence into a standalone edited instance, or
// updates it if it is already detached.
func (m *Manager) EditSingle(ctx context.Context, templateID, key string, patch InstancePatch) (model.TaskInstance, error) {
	var result model.TaskInstance
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		t, err := tx.LoadTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		inst, err := m.currentInstance(ctx, tx, t, key)
		if err != nil {
			return err
		}

		expected := inst.Version
		if !inst.IsEditedInstance {
			inst.ID = m.opts.NewID()
			inst.IsEditedInstance = true
		}
		if err := patch.apply(&inst); err != nil {
			return err
		}
		if err := tx.SaveInstance(ctx, &inst, expected); err != nil {
			return err
		}

		t.MarkEdited(key)
		if err := tx.SaveTemplate(ctx, &t, t.Version); err != nil {
			return err
		}
		result = inst
		return nil
	})
	if err != nil {
		return model.TaskInstance{}, err
	}
	appLog.Info("occurrence edited", "template_id", templateID, "key", key, "instance_id", result.ID)
	return result, nil
}

// EditSeries replaces rule and content of a template. Edited and deleted
// keys are left alone; only future expansion of planned keys changes.
func (m *Manager) EditSeries(ctx context.Context, templateID string, expectedVersion int64, upd TemplateUpdate) (model.RecurringTemplate, error) {
	if upd.Rule != nil {
		if err := recurrence.Validate(*upd.Rule); err != nil {
			return model.RecurringTemplate{}, err
		}
	}
	if upd.TimeZone != nil {
		if _, err := calendar.LoadZone(*upd.TimeZone); err != nil {
			return model.RecurringTemplate{}, err
		}
	}
	if upd.Title != nil && strings.TrimSpace(*upd.Title) == "" {
		return model.RecurringTemplate{}, fmt.Errorf("%w: title is required", ErrInvalidTemplate)
	}

	t, err := m.store.LoadTemplate(ctx, templateID)
	if err != nil {
		return model.RecurringTemplate{}, err
	}
	if t.Version != expectedVersion {
		return model.RecurringTemplate{}, fmt.Errorf("%w: template %s at version %d, expected %d",
			store.ErrConflict, templateID, t.Version, expectedVersion)
	}

	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Category != nil {
		t.Category = *upd.Category
	}
	if upd.XPValue != nil {
		t.XPValue = *upd.XPValue
	}
	if upd.TimeZone != nil {
		t.TimeZone = *upd.TimeZone
	}
	if upd.Rule != nil {
		t.Rule = upd.Rule.Clone()
	}

	if err := m.store.SaveTemplate(ctx, &t, expectedVersion); err != nil {
		return model.RecurringTemplate{}, err
	}
	appLog.Info("series edited", "template_id", t.ID, "version", t.Version)
	return t, nil
}

// DeleteSingle removes one occurrence from the series. An edited
// occurrence loses its standalone instance as well.
//
// If the template lists key as edited but no stored instance exists, the
// dangling key is logged and the delete still goes through. This repairs
// the template instead of leaving the occurrence undeletable.
func (m *Manager) DeleteSingle(ctx context.Context, templateID, key string) error {
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		t, err := tx.LoadTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		if _, err := m.resolveKey(t, key); err != nil {
			return err
		}
		if t.IsEdited(key) {
			inst, err := tx.LoadInstance(ctx, key)
			switch {
			case err == nil:
				if err := tx.DeleteInstance(ctx, inst.ID); err != nil {
					return err
				}
			case errors.Is(err, store.ErrInstanceNotFound):
				// self-repair: edited 표시만 남은 key 는 삭제로 정리한다.
				appLog.Error("delete single: edited instance missing", err, "template_id", t.ID, "key", key)
			default:
				return err
			}
		}
		t.MarkDeleted(key)
		return tx.SaveTemplate(ctx, &t, t.Version)
	})
	if err != nil {
		return err
	}
	appLog.Info("occurrence deleted", "template_id", templateID, "key", key)
	return nil
}

// DeleteSeries removes the template and every instance referencing it.
func (m *Manager) DeleteSeries(ctx context.Context, templateID string) error {
	var removed int
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		t, err := tx.LoadTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		removed, err = deleteSeries(ctx, tx, t)
		return err
	})
	if err != nil {
		return err
	}
	appLog.Info("series deleted", "template_id", templateID, "instances_removed", removed)
	return nil
}

// ConvertToOneTime promotes one occurrence to a standalone task and deletes
// the series. The new instance starts from the occurrence's current state
// with patch applied and carries no recurrence linkage. Nothing changes
// unless every step succeeds.
func (m *Manager) ConvertToOneTime(ctx context.Context, templateID, key string, patch InstancePatch, opts ConvertOptions) (model.TaskInstance, error) {
	if !opts.Confirmed {
		return model.TaskInstance{}, ErrNotConfirmed
	}

	var result model.TaskInstance
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		t, err := tx.LoadTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		inst, err := m.currentInstance(ctx, tx, t, key)
		if err != nil {
			return err
		}

		inst.ID = m.opts.NewID()
		inst.Version = 0
		inst.SourceRecurringTaskID = ""
		inst.RecurrenceInstanceKey = ""
		inst.IsEditedInstance = false
		if err := patch.apply(&inst); err != nil {
			return err
		}

		if _, err := deleteSeries(ctx, tx, t); err != nil {
			return err
		}
		if err := tx.SaveInstance(ctx, &inst, 0); err != nil {
			return err
		}
		result = inst
		return nil
	})
	if err != nil {
		return model.TaskInstance{}, err
	}
	appLog.Info("series converted to one-time task", "template_id", templateID, "key", key, "instance_id", result.ID)
	return result, nil
}

func deleteSeries(ctx context.Context, tx store.Store, t model.RecurringTemplate) (int, error) {
	insts, err := tx.ListInstancesBySource(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	for _, inst := range insts {
		if err := tx.DeleteInstance(ctx, inst.ID); err != nil {
			return 0, err
		}
	}
	if err := tx.DeleteTemplate(ctx, t.ID, t.Version); err != nil {
		return 0, err
	}
	return len(insts), nil
}

// resolveKey checks that key names a live occurrence of t. Edited keys stay
// valid even if the current rule no longer produces them.
func (m *Manager) resolveKey(t model.RecurringTemplate, key string) (recurrence.Occurrence, error) {
	k, err := instkey.Decode(key)
	if err != nil {
		return recurrence.Occurrence{}, err
	}
	if k.TemplateID != t.ID {
		return recurrence.Occurrence{}, fmt.Errorf("%w: key belongs to another template", ErrUnknownOccurrence)
	}
	if t.IsDeleted(key) {
		return recurrence.Occurrence{}, fmt.Errorf("%w: %s was deleted", ErrUnknownOccurrence, key)
	}
	if t.IsEdited(key) {
		return recurrence.Occurrence{Date: k.Date, Slot: k.Slot}, nil
	}
	occ, ok, err := recurrence.Contains(t.Rule, k.Date, k.Slot)
	if err != nil {
		return recurrence.Occurrence{}, err
	}
	if !ok {
		return recurrence.Occurrence{}, fmt.Errorf("%w: %s slot %d is not in the series", ErrUnknownOccurrence, k.Date, k.Slot)
	}
	return occ, nil
}

// currentInstance returns the stored edited instance for key, or the
// instance the rule generates for it.
func (m *Manager) currentInstance(ctx context.Context, s store.Store, t model.RecurringTemplate, key string) (model.TaskInstance, error) {
	occ, err := m.resolveKey(t, key)
	if err != nil {
		return model.TaskInstance{}, err
	}
	if t.IsEdited(key) {
		return s.LoadInstance(ctx, key)
	}
	return generate(t, occ, key), nil
}

// generate builds the transient instance for a planned occurrence. Its id is
// the occurrence key and its version 0, marking it as never stored.
func generate(t model.RecurringTemplate, o recurrence.Occurrence, key string) model.TaskInstance {
	d, tod := o.Date, o.Time
	return model.TaskInstance{
		ID:                    key,
		Title:                 t.Title,
		Context:               t.Description,
		Category:              t.Category,
		XPValue:               t.XPValue,
		DueDate:               &d,
		DueTime:               &tod,
		Status:                model.StatusPending,
		SourceRecurringTaskID: t.ID,
		RecurrenceInstanceKey: key,
	}
}

func (m *Manager) checkWindow(from, to calendar.Date) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: window bounds must be valid dates", recurrence.ErrInvalidWindow)
	}
	if to.Before(from) {
		return fmt.Errorf("%w: %s is before %s", recurrence.ErrInvalidWindow, to, from)
	}
	if span := from.DaysUntil(to) + 1; span > m.opts.MaxWindowDays {
		return fmt.Errorf("%w: %d days exceeds the %d day limit", recurrence.ErrInvalidWindow, span, m.opts.MaxWindowDays)
	}
	return nil
}

type placed struct {
	inst       model.TaskInstance
	occurrence calendar.Date
}

// sortPlaced orders by effective date (falling back to the occurrence date
// for instances with no dates), then time, then id.
func sortPlaced(ps []placed) {
	minutes := func(t *calendar.TimeOfDay) int {
		if t == nil {
			return -1
		}
		return t.Minutes()
	}
	key := func(p placed) (calendar.Date, int) {
		if d, t, ok := p.inst.EffectiveDate(); ok {
			return d, minutes(t)
		}
		return p.occurrence, -1
	}
	sort.SliceStable(ps, func(i, j int) bool {
		di, ti := key(ps[i])
		dj, tj := key(ps[j])
		if c := di.Compare(dj); c != 0 {
			return c < 0
		}
		if ti != tj {
			return ti < tj
		}
		return ps[i].inst.ID < ps[j].inst.ID
	})
}
