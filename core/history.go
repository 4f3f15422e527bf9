package core

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// HistoryMerger takes the union of remote and local EditHistory records,
// orders them causally/chronologically with deterministic tie-breaking,
// and guarantees idempotent application (§4.4). It is a plain value
// instantiated by the orchestrator, not a singleton, per the §9 redesign
// note.
type HistoryMerger struct {
	Logger *logrus.Logger
}

// NewHistoryMerger builds a HistoryMerger. A nil logger falls back to
// logrus's standard logger.
func NewHistoryMerger(logger *logrus.Logger) *HistoryMerger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HistoryMerger{Logger: logger}
}

// HistoryMergeResult is the output of one Merge call.
type HistoryMergeResult struct {
	// Merged is the full deduplicated set (local ∪ remote) in causal
	// order.
	Merged []EditHistory
	// Added counts genuinely new records introduced by this call. It is
	// 0 when Merge is re-run on an already-merged input (§8).
	Added int
	// Deferred holds records whose event_id isn't present in
	// knownEventIDs: their event link must be resolved later by
	// ReconcileDeferred once the event arrives (§4.4).
	Deferred []EditHistory
}

// Merge implements §4.4. knownEventIDs may be nil, in which case no
// record is deferred.
func (m *HistoryMerger) Merge(local, remote []EditHistory, knownEventIDs map[uuid.UUID]bool) HistoryMergeResult {
	seen := make(map[HistoryKey]EditHistory, len(local)+len(remote))
	for _, h := range local {
		seen[h.Key()] = h
	}
	added := 0
	for _, h := range remote {
		if _, dup := seen[h.Key()]; dup {
			continue
		}
		seen[h.Key()] = h
		added++
	}

	merged := make([]EditHistory, 0, len(seen))
	for _, h := range seen {
		merged = append(merged, h)
	}

	if err := m.checkCausality(merged); err != nil {
		m.Logger.Warnf("history merge: causality anomaly, progressing anyway: %v", err)
	}

	sort.Slice(merged, func(i, j int) bool { return lessHistory(merged[i], merged[j]) })

	var deferred []EditHistory
	if knownEventIDs != nil {
		for _, h := range merged {
			if !knownEventIDs[h.EventID] {
				deferred = append(deferred, h)
			}
		}
	}

	return HistoryMergeResult{Merged: merged, Added: added, Deferred: deferred}
}

// ReconcileDeferred re-checks a previously deferred batch against the
// now-current set of known events, returning the subset whose event has
// since arrived and can be linked (§4.4's "background pass").
func (m *HistoryMerger) ReconcileDeferred(deferred []EditHistory, knownEventIDs map[uuid.UUID]bool) []EditHistory {
	var resolved []EditHistory
	for _, h := range deferred {
		if knownEventIDs[h.EventID] {
			resolved = append(resolved, h)
		}
	}
	return resolved
}

// lessHistory is the total order from §4.4: timestamp ascending, ties
// broken by device_id, then by id string — identical on every replica.
func lessHistory(a, b EditHistory) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.DeviceID != b.DeviceID {
		return a.DeviceID < b.DeviceID
	}
	return a.ID.String() < b.ID.String()
}

// checkCausality builds, per event, a dependency graph (E1 -> E2 when
// E1.timestamp < E2.timestamp and both touch the same event) and walks
// it with a depth-first, temporary/permanent-mark topological traversal
// (§4.4). Because edges follow strict timestamp order the graph built
// here is acyclic; should the traversal meet a back edge anyway, it skips
// it and accumulates a warning instead of aborting. Progression is
// guaranteed either way since the caller always falls back to the
// timestamp sort for the actual output order.
func (m *HistoryMerger) checkCausality(records []EditHistory) error {
	byEvent := make(map[uuid.UUID][]EditHistory)
	for _, h := range records {
		byEvent[h.EventID] = append(byEvent[h.EventID], h)
	}

	var errs error
	for eventID, group := range byEvent {
		if len(group) < 2 {
			continue
		}
		if err := topoWalk(group); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("event %s: %w", eventID, err))
		}
	}
	return errs
}

const (
	markWhite = iota
	markGray
	markBlack
)

// topoWalk performs the DFS traversal described above over one event's
// history records, returning a non-nil error (never aborting) the first
// time a back edge is skipped.
func topoWalk(records []EditHistory) error {
	n := len(records)
	adj := make([][]int, n)
	for i := range records {
		for j := range records {
			if i != j && records[i].Timestamp.Before(records[j].Timestamp) {
				adj[i] = append(adj[i], j)
			}
		}
	}

	mark := make([]int, n)
	var errs error
	var visit func(i int)
	visit = func(i int) {
		switch mark[i] {
		case markBlack:
			return
		case markGray:
			errs = multierr.Append(errs, fmt.Errorf("cycle at history %s, skipping back edge", records[i].ID))
			return
		}
		mark[i] = markGray
		for _, j := range adj[i] {
			visit(j)
		}
		mark[i] = markBlack
	}
	for i := range records {
		if mark[i] == markWhite {
			visit(i)
		}
	}
	return errs
}
