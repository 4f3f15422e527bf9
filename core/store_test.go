package core

import (
	"context"
	"testing"
	"time"
)

func newTestEvent(title string) Event {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return Event{ID: NewID(), Title: title, Day: 1, Month: 1, CreatedAt: now, LastModifiedAt: now}
}

func TestMemoryStoreUpsertAndGetEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	e := newTestEvent("Piano recital")
	if err := store.UpsertEvent(tx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := store.Begin(ctx)
	got, err := store.GetEvent(tx2, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Piano recital" {
		t.Fatalf("unexpected title %q", got.Title)
	}
}

func TestMemoryStoreRollbackDiscardsWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	e := newTestEvent("Should not persist")
	if err := store.UpsertEvent(tx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Rollback(tx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	tx2, _ := store.Begin(ctx)
	if _, err := store.GetEvent(tx2, e.ID); err == nil {
		t.Fatalf("expected event to be absent after rollback")
	}
}

func TestMemoryStoreTransactionIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx1, _ := store.Begin(ctx)
	e := newTestEvent("In flight")
	if err := store.UpsertEvent(tx1, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	tx2, _ := store.Begin(ctx)
	if _, err := store.GetEvent(tx2, e.ID); err == nil {
		t.Fatalf("expected uncommitted write to be invisible to a concurrent transaction")
	}

	if err := store.Commit(tx1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	tx3, _ := store.Begin(ctx)
	if _, err := store.GetEvent(tx3, e.ID); err != nil {
		t.Fatalf("expected committed write to be visible, got %v", err)
	}
}

func TestMemoryStoreBatchDeleteHistoryOlderThan(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	eventID := NewID()
	old := historyAt(eventID, "device-a", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	fresh := historyAt(eventID, "device-a", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := store.UpsertHistory(tx, old); err != nil {
		t.Fatalf("upsert old: %v", err)
	}
	if err := store.UpsertHistory(tx, fresh); err != nil {
		t.Fatalf("upsert fresh: %v", err)
	}

	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n, err := store.BatchDeleteHistoryOlderThan(tx, cutoff)
	if err != nil {
		t.Fatalf("batch delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record deleted, got %d", n)
	}
	remaining, err := store.ListHistory(tx)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != fresh.ID {
		t.Fatalf("expected only the fresh record to remain, got %+v", remaining)
	}
}

func TestMemoryStoreUpsertDeviceEnforcesSingleLocal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx, _ := store.Begin(ctx)

	first := FamilyDevice{ID: NewID(), BluetoothIdentifier: "aa:bb", IsLocal: true}
	second := FamilyDevice{ID: NewID(), BluetoothIdentifier: "cc:dd", IsLocal: true}
	if err := store.UpsertDevice(tx, first); err != nil {
		t.Fatalf("upsert first: %v", err)
	}
	if err := store.UpsertDevice(tx, second); err != nil {
		t.Fatalf("upsert second: %v", err)
	}

	local, err := store.GetLocalDevice(tx)
	if err != nil {
		t.Fatalf("get local device: %v", err)
	}
	if local.ID != second.ID {
		t.Fatalf("expected the most recently upserted local device to win, got %v", local.ID)
	}

	devices, err := store.ListDevices(tx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	localCount := 0
	for _, d := range devices {
		if d.IsLocal {
			localCount++
		}
	}
	if localCount != 1 {
		t.Fatalf("expected exactly one local device, got %d", localCount)
	}
}
