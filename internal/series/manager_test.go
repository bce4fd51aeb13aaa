package series

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"taskrecur/internal/calendar"
	"taskrecur/internal/instkey"
	"taskrecur/internal/model"
	"taskrecur/internal/recurrence"
	"taskrecur/internal/store"
)

func day(s string) calendar.Date {
	d, err := calendar.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr[T any](v T) *T { return &v }

func weeklyDraft() TemplateDraft {
	return TemplateDraft{
		Title:    "Standup",
		Category: "work",
		XPValue:  5,
		TimeZone: "America/New_York",
		Rule: model.Rule{
			Frequency:  model.Weekly,
			Interval:   1,
			DaysOfWeek: []time.Weekday{time.Monday, time.Wednesday},
			TimesOfDay: []calendar.TimeOfDay{{Hour: 9}},
			StartDate:  day("2024-01-01"),
		},
	}
}

type fixture struct {
	ctx   context.Context
	store store.Store
	mgr   *Manager
	tmpl  model.RecurringTemplate
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	n := 0
	mgr := NewManager(s, Options{NewID: func() string { n++; return fmt.Sprintf("id-%d", n) }})
	tmpl, err := mgr.CreateTemplate(ctx, weeklyDraft())
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	return fixture{ctx: ctx, store: s, mgr: mgr, tmpl: tmpl}
}

func (f fixture) key(t *testing.T, d string, slot int) string {
	t.Helper()
	k, err := instkey.Encode(f.tmpl.ID, day(d), slot)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return k
}

func dueDates(insts []model.TaskInstance) []string {
	out := make([]string, 0, len(insts))
	for _, i := range insts {
		out = append(out, i.DueDate.String())
	}
	return out
}

func TestMaterializeGeneratesFromTemplate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	got, err := f.mgr.Materialize(f.ctx, f.tmpl.ID, day("2024-01-01"), day("2024-01-15"))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	want := []string{"2024-01-01", "2024-01-03", "2024-01-08", "2024-01-10", "2024-01-15"}
	if !reflect.DeepEqual(dueDates(got), want) {
		t.Fatalf("got %v, want %v", dueDates(got), want)
	}
	first := got[0]
	if first.Title != "Standup" || first.SourceRecurringTaskID != f.tmpl.ID || first.IsEditedInstance {
		t.Fatalf("generated instance = %+v", first)
	}
	if first.RecurrenceInstanceKey != f.key(t, "2024-01-01", 0) || first.ID != first.RecurrenceInstanceKey {
		t.Fatalf("generated instance key/id = %q/%q", first.RecurrenceInstanceKey, first.ID)
	}
	if !first.HasDueTime() || *first.DueTime != (calendar.TimeOfDay{Hour: 9}) {
		t.Fatalf("due time = %v", first.DueTime)
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, f.key(t, "2024-01-03", 0), InstancePatch{Title: ptr("moved")}); err != nil {
		t.Fatalf("EditSingle: %v", err)
	}
	a, err := f.mgr.Materialize(f.ctx, f.tmpl.ID, day("2024-01-01"), day("2024-02-01"))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	b, _ := f.mgr.Materialize(f.ctx, f.tmpl.ID, day("2024-01-01"), day("2024-02-01"))
	if !reflect.DeepEqual(a, b) {
		t.Fatal("Materialize returned different results for the same window")
	}
}

func TestEditSingleDetachesOccurrence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	key := f.key(t, "2024-01-03", 0)

	edited, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, key, InstancePatch{
		Title:   ptr("Standup (remote)"),
		DueDate: ptr(day("2024-01-04")),
		DueTime: &calendar.TimeOfDay{Hour: 14},
	})
	if err != nil {
		t.Fatalf("EditSingle: %v", err)
	}
	if !edited.IsEditedInstance || edited.RecurrenceInstanceKey != key || edited.ID == key {
		t.Fatalf("edited instance = %+v", edited)
	}

	tmpl, _ := f.mgr.Template(f.ctx, f.tmpl.ID)
	if !tmpl.IsEdited(key) {
		t.Fatal("key not recorded as edited")
	}

	// Content changes to the series must not reach the edited instance.
	if _, err := f.mgr.EditSeries(f.ctx, f.tmpl.ID, tmpl.Version, TemplateUpdate{Title: ptr("Daily sync")}); err != nil {
		t.Fatalf("EditSeries: %v", err)
	}

	got, err := f.mgr.Materialize(f.ctx, f.tmpl.ID, day("2024-01-01"), day("2024-01-08"))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d instances: %v", len(got), dueDates(got))
	}
	if got[1].ID != edited.ID || got[1].Title != "Standup (remote)" || got[1].DueDate.String() != "2024-01-04" {
		t.Fatalf("edited instance not overlaid: %+v", got[1])
	}
	if got[0].Title != "Daily sync" || got[2].Title != "Daily sync" {
		t.Fatalf("planned instances did not pick up the series edit: %q %q", got[0].Title, got[2].Title)
	}

	// A second edit updates the same stored instance.
	again, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, key, InstancePatch{Status: ptr(model.StatusCompleted)})
	if err != nil {
		t.Fatalf("second EditSingle: %v", err)
	}
	if again.ID != edited.ID || again.Status != model.StatusCompleted || again.Title != "Standup (remote)" {
		t.Fatalf("second edit = %+v", again)
	}
}

func TestEditSingleRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	other, _ := instkey.Encode("someone-else", day("2024-01-01"), 0)
	tests := []struct {
		name string
		key  string
		want error
	}{
		{"not in rule", f.key(t, "2024-01-02", 0), ErrUnknownOccurrence},
		{"slot out of range", f.key(t, "2024-01-01", 1), ErrUnknownOccurrence},
		{"before start", f.key(t, "2023-12-25", 0), ErrUnknownOccurrence},
		{"other template", other, ErrUnknownOccurrence},
		{"garbage", "not-a-key", instkey.ErrMalformedKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, tt.key, InstancePatch{Title: ptr("x")})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	key := f.key(t, "2024-01-08", 0)
	if err := f.mgr.DeleteSingle(f.ctx, f.tmpl.ID, key); err != nil {
		t.Fatalf("DeleteSingle: %v", err)
	}
	if _, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, key, InstancePatch{}); !errors.Is(err, ErrUnknownOccurrence) {
		t.Fatalf("edit of deleted key err = %v", err)
	}
	if _, err := f.mgr.EditSingle(f.ctx, "missing", key, InstancePatch{}); !errors.Is(err, store.ErrTemplateNotFound) {
		t.Fatalf("edit on missing template err = %v", err)
	}
}

func TestEditSingleRejectsInvalidPatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	key := f.key(t, "2024-01-01", 0)
	bad := []InstancePatch{
		{Title: ptr("")},
		{DueDate: &calendar.Date{Year: 2024, Month: time.February, Day: 30}},
		{StartTime: &calendar.TimeOfDay{Hour: 1}},
		{Status: ptr(model.StatusOverdue)},
	}
	for i, p := range bad {
		if _, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, key, p); !errors.Is(err, ErrInvalidInstance) {
			t.Fatalf("patch %d err = %v", i, err)
		}
	}
	tmpl, _ := f.mgr.Template(f.ctx, f.tmpl.ID)
	if tmpl.IsEdited(key) || tmpl.Version != f.tmpl.Version {
		t.Fatal("rejected patch mutated the template")
	}
}

func TestDeleteSingleThenRuleChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	deleted := f.key(t, "2024-01-03", 0)
	if err := f.mgr.DeleteSingle(f.ctx, f.tmpl.ID, deleted); err != nil {
		t.Fatalf("DeleteSingle: %v", err)
	}
	if err := f.mgr.DeleteSingle(f.ctx, f.tmpl.ID, deleted); !errors.Is(err, ErrUnknownOccurrence) {
		t.Fatalf("second DeleteSingle err = %v", err)
	}

	tmpl, _ := f.mgr.Template(f.ctx, f.tmpl.ID)
	rule := tmpl.Rule.Clone()
	rule.Frequency = model.Daily
	rule.DaysOfWeek = nil
	if _, err := f.mgr.EditSeries(f.ctx, f.tmpl.ID, tmpl.Version, TemplateUpdate{Rule: &rule}); err != nil {
		t.Fatalf("EditSeries: %v", err)
	}

	got, err := f.mgr.Materialize(f.ctx, f.tmpl.ID, day("2024-01-01"), day("2024-01-05"))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	want := []string{"2024-01-01", "2024-01-02", "2024-01-04", "2024-01-05"}
	if !reflect.DeepEqual(dueDates(got), want) {
		t.Fatalf("got %v, want %v", dueDates(got), want)
	}
}

func TestDeleteSingleOfEditedInstance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	key := f.key(t, "2024-01-10", 0)
	edited, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, key, InstancePatch{Title: ptr("special")})
	if err != nil {
		t.Fatalf("EditSingle: %v", err)
	}
	if err := f.mgr.DeleteSingle(f.ctx, f.tmpl.ID, key); err != nil {
		t.Fatalf("DeleteSingle: %v", err)
	}
	if _, err := f.store.LoadInstanceByID(f.ctx, edited.ID); !errors.Is(err, store.ErrInstanceNotFound) {
		t.Fatalf("edited instance still stored: %v", err)
	}
	tmpl, _ := f.mgr.Template(f.ctx, f.tmpl.ID)
	if tmpl.IsEdited(key) || !tmpl.IsDeleted(key) {
		t.Fatalf("edited=%v deleted=%v", tmpl.EditedInstanceKeys, tmpl.DeletedInstanceKeys)
	}
	got, _ := f.mgr.Materialize(f.ctx, f.tmpl.ID, day("2024-01-10"), day("2024-01-10"))
	if len(got) != 0 {
		t.Fatalf("deleted occurrence reappeared: %+v", got)
	}
}

func TestDeleteSingleRepairsDanglingEditedKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	key := f.key(t, "2024-01-10", 0)
	edited, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, key, InstancePatch{Title: ptr("special")})
	if err != nil {
		t.Fatalf("EditSingle: %v", err)
	}
	// Lose the stored instance behind the manager's back.
	if err := f.store.DeleteInstance(f.ctx, edited.ID); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}

	if err := f.mgr.DeleteSingle(f.ctx, f.tmpl.ID, key); err != nil {
		t.Fatalf("DeleteSingle: %v", err)
	}
	tmpl, _ := f.mgr.Template(f.ctx, f.tmpl.ID)
	if tmpl.IsEdited(key) || !tmpl.IsDeleted(key) {
		t.Fatalf("edited=%v deleted=%v", tmpl.EditedInstanceKeys, tmpl.DeletedInstanceKeys)
	}
	if tmpl.Version != f.tmpl.Version+2 {
		t.Fatalf("version = %d, want %d", tmpl.Version, f.tmpl.Version+2)
	}
}

func TestEditedKeySurvivesRuleChangeThatDropsIt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	key := f.key(t, "2024-01-03", 0)
	if _, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, key, InstancePatch{Title: ptr("kept")}); err != nil {
		t.Fatalf("EditSingle: %v", err)
	}
	tmpl, _ := f.mgr.Template(f.ctx, f.tmpl.ID)
	rule := tmpl.Rule.Clone()
	rule.DaysOfWeek = []time.Weekday{time.Friday}
	if _, err := f.mgr.EditSeries(f.ctx, f.tmpl.ID, tmpl.Version, TemplateUpdate{Rule: &rule}); err != nil {
		t.Fatalf("EditSeries: %v", err)
	}

	got, _ := f.mgr.Materialize(f.ctx, f.tmpl.ID, day("2024-01-01"), day("2024-01-07"))
	if len(got) != 2 || got[0].Title != "kept" || got[1].DueDate.String() != "2024-01-05" {
		t.Fatalf("got %+v", got)
	}
	occ, err := f.mgr.Occurrence(f.ctx, f.tmpl.ID, key)
	if err != nil || occ.Title != "kept" {
		t.Fatalf("Occurrence = %+v, %v", occ, err)
	}
}

func TestEditSeriesValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	bad := f.tmpl.Rule.Clone()
	bad.Interval = 0
	if _, err := f.mgr.EditSeries(f.ctx, f.tmpl.ID, f.tmpl.Version, TemplateUpdate{Rule: &bad}); !errors.Is(err, recurrence.ErrInvalidRule) {
		t.Fatalf("err = %v, want ErrInvalidRule", err)
	}
	if _, err := f.mgr.EditSeries(f.ctx, f.tmpl.ID, f.tmpl.Version, TemplateUpdate{TimeZone: ptr("Nowhere/Land")}); !errors.Is(err, calendar.ErrInvalidTimeZone) {
		t.Fatalf("err = %v, want ErrInvalidTimeZone", err)
	}
	if _, err := f.mgr.EditSeries(f.ctx, f.tmpl.ID, f.tmpl.Version+1, TemplateUpdate{Title: ptr("x")}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if _, err := f.mgr.EditSeries(f.ctx, "missing", 1, TemplateUpdate{}); !errors.Is(err, store.ErrTemplateNotFound) {
		t.Fatalf("err = %v, want ErrTemplateNotFound", err)
	}
}

func TestConcurrentEditSeriesConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.mgr.EditSeries(f.ctx, f.tmpl.ID, f.tmpl.Version, TemplateUpdate{Title: ptr(fmt.Sprintf("writer %d", i))})
		}(i)
	}
	close(start)
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("ok=%d conflicts=%d, want 1 and 1", ok, conflicts)
	}
	tmpl, _ := f.mgr.Template(f.ctx, f.tmpl.ID)
	if tmpl.Version != f.tmpl.Version+1 {
		t.Fatalf("version = %d", tmpl.Version)
	}
}

func TestDeleteSeriesCascades(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, d := range []string{"2024-01-01", "2024-01-08"} {
		if _, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, f.key(t, d, 0), InstancePatch{Title: ptr("e")}); err != nil {
			t.Fatalf("EditSingle: %v", err)
		}
	}
	standalone := model.TaskInstance{ID: "standalone", Title: "unrelated"}
	if err := f.store.SaveInstance(f.ctx, &standalone, 0); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	if err := f.mgr.DeleteSeries(f.ctx, f.tmpl.ID); err != nil {
		t.Fatalf("DeleteSeries: %v", err)
	}
	if _, err := f.mgr.Template(f.ctx, f.tmpl.ID); !errors.Is(err, store.ErrTemplateNotFound) {
		t.Fatalf("template still present: %v", err)
	}
	left, _ := f.store.ListInstancesBySource(f.ctx, f.tmpl.ID)
	if len(left) != 0 {
		t.Fatalf("instances left: %+v", left)
	}
	if _, err := f.store.LoadInstanceByID(f.ctx, "standalone"); err != nil {
		t.Fatalf("unrelated instance removed: %v", err)
	}
	if err := f.mgr.DeleteSeries(f.ctx, f.tmpl.ID); !errors.Is(err, store.ErrTemplateNotFound) {
		t.Fatalf("second DeleteSeries err = %v", err)
	}
}

func TestConvertToOneTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	other := f.key(t, "2024-01-01", 0)
	if _, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, other, InstancePatch{Title: ptr("edited")}); err != nil {
		t.Fatalf("EditSingle: %v", err)
	}
	key := f.key(t, "2024-01-10", 0)

	if _, err := f.mgr.ConvertToOneTime(f.ctx, f.tmpl.ID, key, InstancePatch{}, ConvertOptions{}); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("unconfirmed err = %v", err)
	}
	if _, err := f.mgr.Template(f.ctx, f.tmpl.ID); err != nil {
		t.Fatalf("unconfirmed conversion touched the template: %v", err)
	}
	if _, err := f.mgr.ConvertToOneTime(f.ctx, f.tmpl.ID, f.key(t, "2024-01-11", 0), InstancePatch{}, ConvertOptions{Confirmed: true}); !errors.Is(err, ErrUnknownOccurrence) {
		t.Fatalf("invalid key err = %v", err)
	}

	inst, err := f.mgr.ConvertToOneTime(f.ctx, f.tmpl.ID, key, InstancePatch{Title: ptr("One-off standup")}, ConvertOptions{Confirmed: true})
	if err != nil {
		t.Fatalf("ConvertToOneTime: %v", err)
	}
	if inst.SourceRecurringTaskID != "" || inst.RecurrenceInstanceKey != "" || inst.IsEditedInstance {
		t.Fatalf("converted instance keeps linkage: %+v", inst)
	}
	if inst.Title != "One-off standup" || inst.DueDate.String() != "2024-01-10" || inst.Version != 1 {
		t.Fatalf("converted instance = %+v", inst)
	}

	if _, err := f.store.LoadTemplate(f.ctx, f.tmpl.ID); !errors.Is(err, store.ErrTemplateNotFound) {
		t.Fatalf("template survived conversion: %v", err)
	}
	if left, _ := f.store.ListInstancesBySource(f.ctx, f.tmpl.ID); len(left) != 0 {
		t.Fatalf("series instances survived: %+v", left)
	}
	if _, err := f.store.LoadInstanceByID(f.ctx, inst.ID); err != nil {
		t.Fatalf("converted instance not stored: %v", err)
	}
}

// failingStore fails every SaveInstance issued inside a transaction.
type failingStore struct {
	store.Store
}

type failingTx struct {
	store.Store
}

var errInjected = errors.New("injected failure")

func (f failingStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return f.Store.WithTx(ctx, func(tx store.Store) error {
		return fn(failingTx{tx})
	})
}

func (failingTx) SaveInstance(context.Context, *model.TaskInstance, int64) error {
	return errInjected
}

func TestConvertToOneTimeIsAtomic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	edited := f.key(t, "2024-01-01", 0)
	if _, err := f.mgr.EditSingle(f.ctx, f.tmpl.ID, edited, InstancePatch{Title: ptr("edited")}); err != nil {
		t.Fatalf("EditSingle: %v", err)
	}
	before, _ := f.store.ListInstancesBySource(f.ctx, f.tmpl.ID)

	broken := NewManager(failingStore{f.store}, Options{})
	_, err := broken.ConvertToOneTime(f.ctx, f.tmpl.ID, f.key(t, "2024-01-03", 0), InstancePatch{}, ConvertOptions{Confirmed: true})
	if !errors.Is(err, errInjected) {
		t.Fatalf("err = %v, want injected failure", err)
	}

	if _, err := f.store.LoadTemplate(f.ctx, f.tmpl.ID); err != nil {
		t.Fatalf("template lost after failed conversion: %v", err)
	}
	after, _ := f.store.ListInstancesBySource(f.ctx, f.tmpl.ID)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("instances changed: before %+v after %+v", before, after)
	}
}

func TestMaterializeWindowLimits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	small := NewManager(f.store, Options{MaxWindowDays: 10})
	if _, err := small.Materialize(f.ctx, f.tmpl.ID, day("2024-01-01"), day("2024-01-10")); err != nil {
		t.Fatalf("10 day window: %v", err)
	}
	if _, err := small.Materialize(f.ctx, f.tmpl.ID, day("2024-01-01"), day("2024-01-11")); !errors.Is(err, recurrence.ErrInvalidWindow) {
		t.Fatalf("11 day window err = %v", err)
	}
	if _, err := f.mgr.Materialize(f.ctx, f.tmpl.ID, day("2024-01-11"), day("2024-01-01")); !errors.Is(err, recurrence.ErrInvalidWindow) {
		t.Fatalf("reversed window err = %v", err)
	}
	if _, err := f.mgr.Materialize(f.ctx, "missing", day("2024-01-01"), day("2024-01-02")); !errors.Is(err, store.ErrTemplateNotFound) {
		t.Fatalf("missing template err = %v", err)
	}
}

func TestCreateTemplateValidation(t *testing.T) {
	t.Parallel()
	mgr := NewManager(store.NewMemory(), Options{})
	ctx := context.Background()

	d := weeklyDraft()
	d.Title = " "
	if _, err := mgr.CreateTemplate(ctx, d); !errors.Is(err, ErrInvalidTemplate) {
		t.Fatalf("empty title err = %v", err)
	}
	d = weeklyDraft()
	d.TimeZone = "Invalid/Zone"
	if _, err := mgr.CreateTemplate(ctx, d); !errors.Is(err, calendar.ErrInvalidTimeZone) {
		t.Fatalf("bad zone err = %v", err)
	}
	d = weeklyDraft()
	d.Rule.TimesOfDay = nil
	if _, err := mgr.CreateTemplate(ctx, d); !errors.Is(err, recurrence.ErrInvalidRule) {
		t.Fatalf("bad rule err = %v", err)
	}
	if list, _ := mgr.Templates(ctx); len(list) != 0 {
		t.Fatalf("invalid drafts were stored: %+v", list)
	}
}

func TestExceptionSetsStayDisjointAcrossOperations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ops := []struct {
		edit bool
		day  string
	}{
		{true, "2024-01-01"}, {true, "2024-01-03"}, {false, "2024-01-03"},
		{false, "2024-01-08"}, {true, "2024-01-10"}, {false, "2024-01-01"},
	}
	for _, op := range ops {
		key := f.key(t, op.day, 0)
		var err error
		if op.edit {
			_, err = f.mgr.EditSingle(f.ctx, f.tmpl.ID, key, InstancePatch{Title: ptr("e")})
		} else {
			err = f.mgr.DeleteSingle(f.ctx, f.tmpl.ID, key)
		}
		if err != nil {
			t.Fatalf("op %+v: %v", op, err)
		}
		tmpl, _ := f.mgr.Template(f.ctx, f.tmpl.ID)
		for _, k := range tmpl.EditedInstanceKeys {
			if tmpl.IsDeleted(k) {
				t.Fatalf("key %s is both edited and deleted", k)
			}
		}
	}
	tmpl, _ := f.mgr.Template(f.ctx, f.tmpl.ID)
	if len(tmpl.EditedInstanceKeys) != 1 || len(tmpl.DeletedInstanceKeys) != 3 {
		t.Fatalf("edited=%v deleted=%v", tmpl.EditedInstanceKeys, tmpl.DeletedInstanceKeys)
	}
}

func TestManagerOnSQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := store.OpenSQLite(t.TempDir() + "/series.db")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	mgr := NewManager(s, Options{})

	tmpl, err := mgr.CreateTemplate(ctx, weeklyDraft())
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	key, _ := instkey.Encode(tmpl.ID, day("2024-01-03"), 0)
	if _, err := mgr.EditSingle(ctx, tmpl.ID, key, InstancePatch{Title: ptr("sql edit")}); err != nil {
		t.Fatalf("EditSingle: %v", err)
	}
	got, err := mgr.Materialize(ctx, tmpl.ID, day("2024-01-01"), day("2024-01-03"))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(got) != 2 || got[1].Title != "sql edit" {
		t.Fatalf("got %+v", got)
	}
	inst, err := mgr.ConvertToOneTime(ctx, tmpl.ID, key, InstancePatch{}, ConvertOptions{Confirmed: true})
	if err != nil {
		t.Fatalf("ConvertToOneTime: %v", err)
	}
	if inst.Title != "sql edit" {
		t.Fatalf("converted = %+v", inst)
	}
	if _, err := s.LoadTemplate(ctx, tmpl.ID); !errors.Is(err, store.ErrTemplateNotFound) {
		t.Fatalf("template survived: %v", err)
	}
}
