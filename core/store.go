package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tx is an opaque transaction handle returned by Store.Begin. Concrete
// Store implementations assert it back to their own type; callers only
// ever pass it through.
type Tx interface{}

// Store is the abstract transactional API C3-C5 consume (§4.6). It is a
// collaborator fixed by §1/§6: the core never talks to a concrete
// database directly, only through this contract, so C3-C5 can be tested
// against MemoryStore and swapped onto a real persistence layer without
// touching merge/history/orchestration logic.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Commit(tx Tx) error
	Rollback(tx Tx) error

	GetEvent(tx Tx, id uuid.UUID) (*Event, error)
	ListEvents(tx Tx, predicate func(Event) bool) ([]Event, error)
	GetHistoryForEvent(tx Tx, eventID uuid.UUID) ([]EditHistory, error)
	ListHistory(tx Tx) ([]EditHistory, error)
	ListDevices(tx Tx) ([]FamilyDevice, error)
	GetDevice(tx Tx, id uuid.UUID) (*FamilyDevice, error)
	GetLocalDevice(tx Tx) (*FamilyDevice, error)

	UpsertEvent(tx Tx, e Event) error
	UpsertHistory(tx Tx, h EditHistory) error
	UpsertDevice(tx Tx, d FamilyDevice) error

	BatchCreateEvents(tx Tx, events []Event) error
	BatchDeleteHistoryOlderThan(tx Tx, cutoff time.Time) (int, error)
	BatchUpdateSyncTimestamps(tx Tx, deviceID uuid.UUID, ts time.Time) error

	AppendSyncLog(tx Tx, log SyncLog) error
	ListSyncLogs(tx Tx) ([]SyncLog, error)
}

// memTx is MemoryStore's transaction: a working copy of the whole
// dataset. Reads and writes against the Tx only ever touch this copy,
// so pending writes are visible within the same Tx for free; Commit
// swaps it in atomically, Rollback simply discards it.
type memTx struct {
	events  map[uuid.UUID]Event
	history map[HistoryKey]EditHistory
	devices map[uuid.UUID]FamilyDevice
	logs    []SyncLog
}

// MemoryStore is an in-process Store used by tests and the CLI demo. It
// is not meant to be the production persistence layer (§1 fixes that as
// an external collaborator); it exists so C3-C5 can be exercised without
// one.
type MemoryStore struct {
	mu      sync.Mutex
	events  map[uuid.UUID]Event
	history map[HistoryKey]EditHistory
	devices map[uuid.UUID]FamilyDevice
	logs    []SyncLog
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[uuid.UUID]Event),
		history: make(map[HistoryKey]EditHistory),
		devices: make(map[uuid.UUID]FamilyDevice),
	}
}

func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memTx{
		events:  cloneEventMap(s.events),
		history: cloneHistoryMap(s.history),
		devices: cloneDeviceMap(s.devices),
		logs:    append([]SyncLog(nil), s.logs...),
	}, nil
}

func (s *MemoryStore) asTx(tx Tx) (*memTx, error) {
	t, ok := tx.(*memTx)
	if !ok {
		return nil, &StoreError{Kind: StoreTxFailed, Message: "tx not issued by this store"}
	}
	return t, nil
}

func (s *MemoryStore) Commit(tx Tx) error {
	t, err := s.asTx(tx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = t.events
	s.history = t.history
	s.devices = t.devices
	s.logs = t.logs
	return nil
}

// Rollback is a no-op beyond validating the handle: a memTx's writes
// never touch the store until Commit, so discarding it restores
// pre-Tx state for free.
func (s *MemoryStore) Rollback(tx Tx) error {
	_, err := s.asTx(tx)
	return err
}

func (s *MemoryStore) GetEvent(tx Tx, id uuid.UUID) (*Event, error) {
	t, err := s.asTx(tx)
	if err != nil {
		return nil, err
	}
	e, ok := t.events[id]
	if !ok {
		return nil, &StoreError{Kind: StoreNotFound, Message: "event not found"}
	}
	return &e, nil
}

func (s *MemoryStore) ListEvents(tx Tx, predicate func(Event) bool) ([]Event, error) {
	t, err := s.asTx(tx)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, e := range t.events {
		if predicate == nil || predicate(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetHistoryForEvent(tx Tx, eventID uuid.UUID) ([]EditHistory, error) {
	t, err := s.asTx(tx)
	if err != nil {
		return nil, err
	}
	var out []EditHistory
	for _, h := range t.history {
		if h.EventID == eventID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListHistory(tx Tx) ([]EditHistory, error) {
	t, err := s.asTx(tx)
	if err != nil {
		return nil, err
	}
	out := make([]EditHistory, 0, len(t.history))
	for _, h := range t.history {
		out = append(out, h)
	}
	return out, nil
}

func (s *MemoryStore) ListDevices(tx Tx) ([]FamilyDevice, error) {
	t, err := s.asTx(tx)
	if err != nil {
		return nil, err
	}
	out := make([]FamilyDevice, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	return out, nil
}

func (s *MemoryStore) GetDevice(tx Tx, id uuid.UUID) (*FamilyDevice, error) {
	t, err := s.asTx(tx)
	if err != nil {
		return nil, err
	}
	d, ok := t.devices[id]
	if !ok {
		return nil, &StoreError{Kind: StoreNotFound, Message: "device not found"}
	}
	return &d, nil
}

func (s *MemoryStore) GetLocalDevice(tx Tx) (*FamilyDevice, error) {
	t, err := s.asTx(tx)
	if err != nil {
		return nil, err
	}
	for _, d := range t.devices {
		if d.IsLocal {
			return &d, nil
		}
	}
	return nil, &StoreError{Kind: StoreNotFound, Message: "no local device registered"}
}

func (s *MemoryStore) UpsertEvent(tx Tx, e Event) error {
	t, err := s.asTx(tx)
	if err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	t.events[e.ID] = e.clone()
	return nil
}

func (s *MemoryStore) UpsertHistory(tx Tx, h EditHistory) error {
	t, err := s.asTx(tx)
	if err != nil {
		return err
	}
	t.history[h.Key()] = h
	return nil
}

func (s *MemoryStore) UpsertDevice(tx Tx, d FamilyDevice) error {
	t, err := s.asTx(tx)
	if err != nil {
		return err
	}
	if d.IsLocal {
		for id, existing := range t.devices {
			if existing.IsLocal && id != d.ID {
				existing.IsLocal = false
				t.devices[id] = existing
			}
		}
	}
	t.devices[d.ID] = d
	return nil
}

func (s *MemoryStore) BatchCreateEvents(tx Tx, events []Event) error {
	t, err := s.asTx(tx)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	for _, e := range events {
		t.events[e.ID] = e.clone()
	}
	return nil
}

func (s *MemoryStore) BatchDeleteHistoryOlderThan(tx Tx, cutoff time.Time) (int, error) {
	t, err := s.asTx(tx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for key, h := range t.history {
		if h.Timestamp.Before(cutoff) {
			delete(t.history, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) BatchUpdateSyncTimestamps(tx Tx, deviceID uuid.UUID, ts time.Time) error {
	t, err := s.asTx(tx)
	if err != nil {
		return err
	}
	d, ok := t.devices[deviceID]
	if !ok {
		return &StoreError{Kind: StoreNotFound, Message: "device not found"}
	}
	stamp := ts
	d.LastSyncTimestamp = &stamp
	t.devices[deviceID] = d
	return nil
}

func (s *MemoryStore) AppendSyncLog(tx Tx, log SyncLog) error {
	t, err := s.asTx(tx)
	if err != nil {
		return err
	}
	t.logs = append(t.logs, log)
	return nil
}

func (s *MemoryStore) ListSyncLogs(tx Tx) ([]SyncLog, error) {
	t, err := s.asTx(tx)
	if err != nil {
		return nil, err
	}
	return append([]SyncLog(nil), t.logs...), nil
}

func cloneEventMap(m map[uuid.UUID]Event) map[uuid.UUID]Event {
	out := make(map[uuid.UUID]Event, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneHistoryMap(m map[HistoryKey]EditHistory) map[HistoryKey]EditHistory {
	out := make(map[HistoryKey]EditHistory, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneDeviceMap(m map[uuid.UUID]FamilyDevice) map[uuid.UUID]FamilyDevice {
	out := make(map[uuid.UUID]FamilyDevice, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
