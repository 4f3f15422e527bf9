package core

import (
	"testing"
	"time"
)

func baseEvent() Event {
	created := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	return Event{
		ID:             NewID(),
		Title:          "Family dinner",
		Location:       "Home",
		Day:            12,
		Month:          3,
		CreatedAt:      created,
		LastModifiedAt: created,
		LastModifiedBy: "device-a",
		Color:          "blue",
	}
}

func TestMergeEventNoConflictWhenOnlyOneSideChanged(t *testing.T) {
	base := baseEvent()
	local := base
	remote := base
	remote.Title = "Family dinner (updated)"
	remote.LastModifiedAt = base.LastModifiedAt.Add(time.Hour)

	m := NewMergeEngine(func() time.Time { return remote.LastModifiedAt })
	result := m.MergeEvent(&base, local, remote, ResolutionConfig{Global: PreferManual})
	if len(result.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %v", result.Conflicts)
	}
	if result.Merged.Title != remote.Title {
		t.Fatalf("expected remote-only change to win, got %q", result.Merged.Title)
	}
}

func TestMergeEventPreserveBothConcatenatesDistinctTitles(t *testing.T) {
	base := baseEvent()
	local := base
	local.Title = "Family dinner at grandma's"
	local.LastModifiedAt = base.LastModifiedAt.Add(time.Hour)
	remote := base
	remote.Title = "Dinner with the Smiths"
	remote.LastModifiedAt = base.LastModifiedAt.Add(2 * time.Hour)

	m := NewMergeEngine(nil)
	result := m.MergeEvent(&base, local, remote, ResolutionConfig{Global: PreferManual, PreserveDeletedFields: true})
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %d", len(result.Conflicts))
	}
	if result.Merged.LastModifiedBy != "conflict_resolution" {
		t.Fatalf("expected last_modified_by to be stamped conflict_resolution, got %q", result.Merged.LastModifiedBy)
	}
	if want := "Family dinner at grandma's [title also changed to: Dinner with the Smiths]"; result.Merged.Title != want {
		t.Fatalf("expected preserve_both title %q, got %q", want, result.Merged.Title)
	}
}

func TestMergeEventPreferLocalOverridesStrategy(t *testing.T) {
	base := baseEvent()
	local := base
	local.Color = "red"
	remote := base
	remote.Color = "green"

	m := NewMergeEngine(nil)
	result := m.MergeEvent(&base, local, remote, ResolutionConfig{Global: PreferLocal})
	if result.Merged.Color != "red" {
		t.Fatalf("expected prefer_local to win, got %q", result.Merged.Color)
	}
}

func TestMergeEventFieldOverrideBeatsGlobalPreference(t *testing.T) {
	base := baseEvent()
	local := base
	local.Color = "red"
	remote := base
	remote.Color = "green"

	m := NewMergeEngine(nil)
	cfg := ResolutionConfig{
		Global:         PreferLocal,
		FieldOverrides: map[EventField]ResolutionPreference{FieldColor: PreferRemote},
	}
	result := m.MergeEvent(&base, local, remote, cfg)
	if result.Merged.Color != "green" {
		t.Fatalf("expected field override to win, got %q", result.Merged.Color)
	}
}

func TestMergeEventLatestStrategyOnDayField(t *testing.T) {
	base := baseEvent()
	local := base
	local.Day = 15
	local.LastModifiedAt = base.LastModifiedAt.Add(time.Hour)
	remote := base
	remote.Day = 20
	remote.LastModifiedAt = base.LastModifiedAt.Add(2 * time.Hour)

	m := NewMergeEngine(nil)
	result := m.MergeEvent(&base, local, remote, ResolutionConfig{Global: PreferManual})
	if result.Merged.Day != 20 {
		t.Fatalf("expected later-modified day to win, got %d", result.Merged.Day)
	}
}

func TestMergeEventCombineStrategyOnColor(t *testing.T) {
	base := baseEvent() // base.Color == "blue"
	local := base
	local.Color = "red"
	remote := base
	remote.Color = "green"

	m := NewMergeEngine(nil)
	result := m.MergeEvent(&base, local, remote, ResolutionConfig{Global: PreferManual})
	if result.Merged.Color != "red, green" {
		t.Fatalf("expected combined color value, got %q", result.Merged.Color)
	}
}

func TestMergeEventNoBaseTreatsDivergenceAsConflict(t *testing.T) {
	local := baseEvent()
	remote := local
	remote.ID = local.ID
	remote.Title = "Completely different title"

	m := NewMergeEngine(nil)
	result := m.MergeEvent(nil, local, remote, ResolutionConfig{Global: PreferManual})
	if len(result.Conflicts) == 0 {
		t.Fatalf("expected a conflict when no base is available and values diverge")
	}
}
