package model

import (
	"slices"
	"testing"

	"taskrecur/internal/calendar"
)

func TestExceptionSetsStayDisjoint(t *testing.T) {
	t.Parallel()
	var tmpl RecurringTemplate

	tmpl.MarkEdited("k2")
	tmpl.MarkEdited("k1")
	tmpl.MarkEdited("k1")
	if !slices.Equal(tmpl.EditedInstanceKeys, []string{"k1", "k2"}) {
		t.Fatalf("edited = %v", tmpl.EditedInstanceKeys)
	}

	tmpl.MarkDeleted("k1")
	tmpl.MarkDeleted("k3")
	if tmpl.IsEdited("k1") || !tmpl.IsDeleted("k1") || !tmpl.IsDeleted("k3") {
		t.Fatalf("edited=%v deleted=%v", tmpl.EditedInstanceKeys, tmpl.DeletedInstanceKeys)
	}

	tmpl.MarkEdited("k3")
	if tmpl.IsEdited("k3") {
		t.Fatal("deleted key must not become edited")
	}
	for _, k := range tmpl.EditedInstanceKeys {
		if tmpl.IsDeleted(k) {
			t.Fatalf("key %s in both sets", k)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	end := calendar.Date{Year: 2024, Month: 2, Day: 1}
	orig := RecurringTemplate{
		Rule:               Rule{TimesOfDay: []calendar.TimeOfDay{{Hour: 9}}, EndDate: &end},
		EditedInstanceKeys: []string{"a"},
	}
	cp := orig.Clone()
	cp.Rule.TimesOfDay[0].Hour = 10
	cp.Rule.EndDate.Day = 5
	cp.EditedInstanceKeys[0] = "b"
	if orig.Rule.TimesOfDay[0].Hour != 9 || orig.Rule.EndDate.Day != 1 || orig.EditedInstanceKeys[0] != "a" {
		t.Fatalf("clone shares memory with original: %+v", orig)
	}

	due := calendar.Date{Year: 2024, Month: 1, Day: 1}
	inst := TaskInstance{DueDate: &due}
	ic := inst.Clone()
	ic.DueDate.Day = 9
	if inst.DueDate.Day != 1 {
		t.Fatal("instance clone shares DueDate")
	}
}
