package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FieldType classifies a Field Policy's value domain (§4.3).
type FieldType int

const (
	FieldText FieldType = iota
	FieldNumber
	FieldDate
	FieldBoolean
	FieldReference
)

// MergeStrategy is the per-field conflict resolution algorithm (§4.3).
// The source's two conflicting `latest` variants (one for timestamps,
// one for dates) are collapsed into a single Latest strategy per the
// redesign note in §9: it compares the field's own comparable value
// when the field is itself a date, and otherwise falls back to the
// owning Event's last_modified_at as a tie-break.
type MergeStrategy int

const (
	StrategyLatest MergeStrategy = iota
	StrategyCombine
	StrategyLargest
	StrategyEarliest
	StrategyLogical
	StrategyPreserveBoth
)

// Importance weights a field for conflict severity scoring (§4.3).
type Importance int

const (
	ImportanceLow Importance = iota
	ImportanceMedium
	ImportanceHigh
	ImportanceCritical
)

// FieldPolicy declares how one Event field is typed and merged.
type FieldPolicy struct {
	Field       EventField
	FieldType   FieldType
	Required    bool
	Strategy    MergeStrategy
	Importance  Importance
}

// DefaultFieldPolicies is the policy table keyed by EventField, per the
// redesign note in §9 (explicit enum instead of reflection-based
// string-keyed lookup).
var DefaultFieldPolicies = map[EventField]FieldPolicy{
	FieldTitle:    {Field: FieldTitle, FieldType: FieldText, Required: true, Strategy: StrategyPreserveBoth, Importance: ImportanceCritical},
	FieldLocation: {Field: FieldLocation, FieldType: FieldText, Required: false, Strategy: StrategyPreserveBoth, Importance: ImportanceMedium},
	FieldDay:      {Field: FieldDay, FieldType: FieldNumber, Required: true, Strategy: StrategyLatest, Importance: ImportanceHigh},
	FieldMonth:    {Field: FieldMonth, FieldType: FieldNumber, Required: true, Strategy: StrategyLatest, Importance: ImportanceHigh},
	FieldColor:    {Field: FieldColor, FieldType: FieldText, Required: false, Strategy: StrategyCombine, Importance: ImportanceLow},
}

// MergeableFields lists the fields the per-field merge procedure walks,
// in a fixed order so resolution (and the EditHistory it produces) is
// deterministic across replicas.
var MergeableFields = []EventField{FieldTitle, FieldLocation, FieldDay, FieldMonth, FieldColor}

// ResolutionPreference is the overlay evaluated before merge_strategy
// (§4.3).
type ResolutionPreference int

const (
	PreferManual ResolutionPreference = iota
	PreferLocal
	PreferRemote
	PreferMergeAll
	PreferLatest
)

// ResolutionConfig is the pluggable preference model passed by value, as
// the redesign note in §9 requires (no singleton conflict engine).
type ResolutionConfig struct {
	Global                ResolutionPreference
	FieldOverrides        map[EventField]ResolutionPreference
	PreserveDeletedFields bool
}

func (c ResolutionConfig) preferenceFor(field EventField) ResolutionPreference {
	if c.FieldOverrides != nil {
		if p, ok := c.FieldOverrides[field]; ok {
			return p
		}
	}
	return c.Global
}

// FieldConflict records that one field was both locally and remotely
// changed to different values and how it was resolved.
type FieldConflict struct {
	Field       EventField
	LocalValue  any
	RemoteValue any
	Resolved    any
}

// MergeResult is the outcome of merging one Event (§4.3).
type MergeResult struct {
	Merged    Event
	Conflicts []FieldConflict
}

// MergeEngine reconciles base/local/remote Event triples at field
// granularity.
type MergeEngine struct {
	Policies map[EventField]FieldPolicy
	Now      func() time.Time
}

// NewMergeEngine builds a MergeEngine with the default policy table.
func NewMergeEngine(now func() time.Time) *MergeEngine {
	if now == nil {
		now = time.Now
	}
	return &MergeEngine{Policies: DefaultFieldPolicies, Now: now}
}

// BuildConflictHistory assembles the conflict-resolution EditHistory
// §4.3 requires for one resolved event: "on every resolved field the
// engine creates a conflict-resolution EditHistory ... recording both
// sides and the chosen value". EditHistory only carries a previous/new
// pair for title, location and day, so those three fields record the
// local (previous) and merged (new) value directly; month/color
// conflicts have no dedicated slot, so their values are not recorded in
// the returned history. parentIDs should be the ids of the specific local/remote
// history records that produced each conflicting field's value (§8
// scenario 3: parent_history_ids=[hA, hB]).
func (m *MergeEngine) BuildConflictHistory(eventID uuid.UUID, conflicts []FieldConflict, parentIDs []uuid.UUID) EditHistory {
	mergeID := NewID()
	h := EditHistory{
		ID:                   NewID(),
		EventID:              eventID,
		DeviceID:             "conflict_resolution",
		Timestamp:            m.Now(),
		SourceVersion:        HistoryMergeProtocolVersion,
		IsConflictResolution: true,
		MergeID:              &mergeID,
		ParentHistoryIDs:     parentIDs,
	}
	for _, c := range conflicts {
		switch c.Field {
		case FieldTitle:
			lv, _ := c.LocalValue.(string)
			nv, _ := c.Resolved.(string)
			h.PreviousTitle, h.NewTitle = ptrString(lv), ptrString(nv)
		case FieldLocation:
			lv, _ := c.LocalValue.(string)
			nv, _ := c.Resolved.(string)
			h.PreviousLoc, h.NewLoc = ptrString(lv), ptrString(nv)
		case FieldDay:
			lv, _ := c.LocalValue.(int)
			nv, _ := c.Resolved.(int)
			h.PreviousDay, h.NewDay = ptrInt(lv), ptrInt(nv)
		}
	}
	return h
}

func ptrString(s string) *string { return &s }
func ptrInt(n int) *int          { return &n }

// MergeEvent implements the per-field procedure from §4.3. base may be
// nil when no common ancestor is known (the event was created
// independently on both sides).
func (m *MergeEngine) MergeEvent(base *Event, local, remote Event, cfg ResolutionConfig) MergeResult {
	merged := local
	var conflicts []FieldConflict

	for _, field := range MergeableFields {
		policy := m.Policies[field]
		localVal := local.fieldValue(field)
		remoteVal := remote.fieldValue(field)

		var localChanged, remoteChanged bool
		if base != nil {
			baseVal := base.fieldValue(field)
			localChanged = !valuesEqual(baseVal, localVal)
			remoteChanged = !valuesEqual(baseVal, remoteVal)
		} else {
			// No common ancestor: both sides "introduced" the field
			// independently; a divergence is treated as a conflict,
			// agreement needs no resolution.
			localChanged = true
			remoteChanged = true
		}

		switch {
		case !localChanged && !remoteChanged:
			// keep local (no-op; merged already equals local)
		case localChanged && !remoteChanged:
			setFieldValue(&merged, field, localVal)
		case !localChanged && remoteChanged:
			setFieldValue(&merged, field, remoteVal)
		default:
			if valuesEqual(localVal, remoteVal) {
				setFieldValue(&merged, field, localVal)
				continue
			}
			resolved, resolvedByPreference := m.resolveByPreference(cfg, field, local, remote, localVal, remoteVal)
			if !resolvedByPreference {
				resolved = m.resolveByStrategy(policy, local, remote, localVal, remoteVal, cfg.PreserveDeletedFields)
			}
			setFieldValue(&merged, field, resolved)
			conflicts = append(conflicts, FieldConflict{
				Field:       field,
				LocalValue:  localVal,
				RemoteValue: remoteVal,
				Resolved:    resolved,
			})
		}
	}

	if len(conflicts) > 0 {
		merged.LastModifiedBy = "conflict_resolution"
		merged.LastModifiedAt = maxTime(m.Now(), maxTime(local.LastModifiedAt, remote.LastModifiedAt))
	}

	return MergeResult{Merged: merged, Conflicts: conflicts}
}

// resolveByPreference applies §4.3's preference overlay. manual always
// falls through to strategy-based resolution (returns false).
func (m *MergeEngine) resolveByPreference(cfg ResolutionConfig, field EventField, local, remote Event, localVal, remoteVal any) (any, bool) {
	switch cfg.preferenceFor(field) {
	case PreferLocal:
		return localVal, true
	case PreferRemote:
		return remoteVal, true
	case PreferLatest:
		if local.LastModifiedAt.After(remote.LastModifiedAt) {
			return localVal, true
		}
		return remoteVal, true
	case PreferMergeAll:
		return nil, false // defer to the field's merge_strategy, which is what "merge all fields" means per-field
	case PreferManual:
		return nil, false
	default:
		return nil, false
	}
}

// resolveByStrategy implements the six merge_strategy semantics from
// §4.3.
func (m *MergeEngine) resolveByStrategy(policy FieldPolicy, local, remote Event, localVal, remoteVal any, preserveDeleted bool) any {
	switch policy.Strategy {
	case StrategyLatest:
		if policy.FieldType == FieldDate {
			lt, lok := localVal.(time.Time)
			rt, rok := remoteVal.(time.Time)
			if lok && rok {
				if lt.After(rt) {
					return localVal
				}
				return remoteVal
			}
		}
		if local.LastModifiedAt.After(remote.LastModifiedAt) {
			return localVal
		}
		return remoteVal

	case StrategyEarliest:
		if policy.FieldType == FieldDate {
			lt, lok := localVal.(time.Time)
			rt, rok := remoteVal.(time.Time)
			if lok && rok {
				if lt.Before(rt) {
					return localVal
				}
				return remoteVal
			}
		}
		if local.LastModifiedAt.Before(remote.LastModifiedAt) {
			return localVal
		}
		return remoteVal

	case StrategyLargest:
		lf, lok := numericValue(localVal)
		rf, rok := numericValue(remoteVal)
		if lok && rok {
			if lf >= rf {
				return localVal
			}
			return remoteVal
		}
		return localVal

	case StrategyLogical:
		lb, _ := localVal.(bool)
		rb, _ := remoteVal.(bool)
		return lb || rb

	case StrategyCombine:
		ls, _ := localVal.(string)
		rs, _ := remoteVal.(string)
		if ls == "" {
			return rs
		}
		if rs == "" {
			return ls
		}
		if ls == rs {
			return ls
		}
		return ls + ", " + rs

	case StrategyPreserveBoth:
		return preserveBoth(localVal, remoteVal, preserveDeleted, fieldNameFor(policy.Field))

	default:
		return localVal
	}
}

// preserveBoth implements §4.3's preserve_both rules exactly in the
// order specified.
func preserveBoth(localVal, remoteVal any, preserveDeleted bool, fieldName string) any {
	ls, lok := localVal.(string)
	rs, rok := remoteVal.(string)
	if !lok || !rok {
		if localVal == remoteVal {
			return localVal
		}
		return localVal
	}
	if ls == rs {
		return ls
	}
	if ls == "" {
		return rs
	}
	if rs == "" {
		return ls
	}
	if strings.Contains(ls, rs) {
		return ls
	}
	if strings.Contains(rs, ls) {
		return rs
	}
	if strings.Contains(ls, ",") || strings.Contains(rs, ",") {
		return unionCommaList(ls, rs)
	}
	if preserveDeleted {
		return fmt.Sprintf("%s [%s also changed to: %s]", ls, fieldName, rs)
	}
	if len(ls) >= len(rs) {
		return ls
	}
	return rs
}

func unionCommaList(a, b string) string {
	set := map[string]struct{}{}
	add := func(s string) {
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				set[part] = struct{}{}
			}
		}
	}
	add(a)
	add(b)
	items := make([]string, 0, len(set))
	for k := range set {
		items = append(items, k)
	}
	sort.Strings(items)
	return strings.Join(items, ", ")
}

func fieldNameFor(f EventField) string { return f.String() }

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		if bt, ok2 := b.(time.Time); ok2 {
			return at.Equal(bt)
		}
	}
	return a == b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// setFieldValue writes value into e's field, per the enum dispatch the
// §9 redesign note requires in place of reflection.
func setFieldValue(e *Event, field EventField, value any) {
	switch field {
	case FieldTitle:
		e.Title, _ = value.(string)
	case FieldLocation:
		e.Location, _ = value.(string)
	case FieldDay:
		e.Day, _ = value.(int)
	case FieldMonth:
		e.Month, _ = value.(int)
	case FieldColor:
		e.Color, _ = value.(string)
	case FieldLastModifiedAt:
		e.LastModifiedAt, _ = value.(time.Time)
	case FieldLastModifiedBy:
		e.LastModifiedBy, _ = value.(string)
	}
}
