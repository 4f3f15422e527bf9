package core

import (
	"strings"

	"github.com/google/uuid"
)

// DifferenceShape classifies how two divergent field values relate,
// used to derive conflict severity (§4.3).
type DifferenceShape int

const (
	ShapeEmptyVsNonEmpty DifferenceShape = iota
	ShapeSubstring
	ShapeTotallyDistinct
)

// DetailedConflict is the ConflictDetector's output: a per-field
// severity record, distinct from the MergeEngine's resolution output so
// callers (the CLI, a future UI) can present "what would conflict"
// without actually resolving anything.
type DetailedConflict struct {
	EventID  uuid.UUID
	Field    EventField
	Shape    DifferenceShape
	Severity Importance
}

// ConflictDetector scans parallel local/remote/base event sets and
// reports per-field conflicts with severity derived from
// importance x difference-shape, without mutating anything (§4.3).
type ConflictDetector struct {
	Policies map[EventField]FieldPolicy
}

// NewConflictDetector builds a detector using the default policy table.
func NewConflictDetector() *ConflictDetector {
	return &ConflictDetector{Policies: DefaultFieldPolicies}
}

// Detect compares local and remote events keyed by id against an
// optional base set and returns every field-level conflict found.
func (d *ConflictDetector) Detect(base, local, remote map[uuid.UUID]Event) []DetailedConflict {
	var out []DetailedConflict
	for id, loc := range local {
		rem, ok := remote[id]
		if !ok {
			continue
		}
		var basePtr *Event
		if b, ok := base[id]; ok {
			basePtr = &b
		}
		for _, field := range MergeableFields {
			localVal := loc.fieldValue(field)
			remoteVal := rem.fieldValue(field)

			var localChanged, remoteChanged bool
			if basePtr != nil {
				baseVal := basePtr.fieldValue(field)
				localChanged = !valuesEqual(baseVal, localVal)
				remoteChanged = !valuesEqual(baseVal, remoteVal)
			} else {
				localChanged = true
				remoteChanged = true
			}
			if !(localChanged && remoteChanged) || valuesEqual(localVal, remoteVal) {
				continue
			}

			policy := d.Policies[field]
			shape := shapeOf(localVal, remoteVal)
			out = append(out, DetailedConflict{
				EventID:  id,
				Field:    field,
				Shape:    shape,
				Severity: severityFor(policy.Importance, shape),
			})
		}
	}
	return out
}

func shapeOf(localVal, remoteVal any) DifferenceShape {
	ls, lok := localVal.(string)
	rs, rok := remoteVal.(string)
	if lok && rok {
		if ls == "" || rs == "" {
			return ShapeEmptyVsNonEmpty
		}
		if len(ls) != len(rs) {
			longer, shorter := ls, rs
			if len(rs) > len(ls) {
				longer, shorter = rs, ls
			}
			if strings.Contains(longer, shorter) {
				return ShapeSubstring
			}
		}
	}
	return ShapeTotallyDistinct
}

// severityFor derives severity from importance x difference shape: a
// totally distinct divergence on a critical field is the worst case; an
// empty-vs-non-empty divergence on a low-importance field is the mildest.
func severityFor(importance Importance, shape DifferenceShape) Importance {
	bump := 0
	switch shape {
	case ShapeTotallyDistinct:
		bump = 1
	case ShapeSubstring:
		bump = 0
	case ShapeEmptyVsNonEmpty:
		bump = -1
	}
	sev := int(importance) + bump
	if sev < int(ImportanceLow) {
		sev = int(ImportanceLow)
	}
	if sev > int(ImportanceCritical) {
		sev = int(ImportanceCritical)
	}
	return Importance(sev)
}
