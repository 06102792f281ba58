package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	s := store.Create(5.0)
	if !strings.HasPrefix(s.SessionID, "session_") {
		t.Errorf("unexpected id %q", s.SessionID)
	}
	s.AddTurn("triage my inbox", "done", 0.12)
	s.Metadata["query"] = "is:unread"

	if _, err := store.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := store.Load(s.SessionID)
	if loaded == nil {
		t.Fatal("Load returned nil for saved session")
	}
	if len(loaded.History) != 1 || loaded.History[0][0] != "triage my inbox" {
		t.Errorf("unexpected history %v", loaded.History)
	}
	if loaded.BudgetUsed != 0.12 || loaded.BudgetRemaining != 4.88 {
		t.Errorf("unexpected budget %v / %v", loaded.BudgetUsed, loaded.BudgetRemaining)
	}
	if loaded.Metadata["query"] != "is:unread" {
		t.Errorf("unexpected metadata %v", loaded.Metadata)
	}
}

func TestStoreLoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if store.Load("session_20260101_000000") != nil {
		t.Error("missing session must load as nil")
	}

	corrupt := filepath.Join(dir, "session_20260101_000001.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}
	if store.Load("session_20260101_000001") != nil {
		t.Error("corrupt session must load as nil")
	}
}

func TestStoreListSortsByUpdatedAt(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	older := store.Create(1.0)
	older.SessionID = "session_20260101_080000"
	older.UpdatedAt = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC).Format(time.RFC3339)
	newer := store.Create(1.0)
	newer.SessionID = "session_20260102_090000"
	newer.UpdatedAt = time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC).Format(time.RFC3339)
	newer.AddTurn("goal", "response", 0.05)

	for _, s := range []*State{older, newer} {
		if _, err := store.Save(s); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	sessions := store.List()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].SessionID != "session_20260102_090000" {
		t.Errorf("expected most recent first, got %v", sessions)
	}
	if sessions[0].Turns != 1 || sessions[0].BudgetUsed != 0.05 {
		t.Errorf("unexpected summary %+v", sessions[0])
	}
}

func TestStoreListSkipsUnreadable(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session_bad.json"), []byte("???"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	good := store.Create(1.0)
	if _, err := store.Save(good); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sessions := store.List()
	if len(sessions) != 1 || sessions[0].SessionID != good.SessionID {
		t.Errorf("unexpected listing %v", sessions)
	}
}

func TestStoreDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s := store.Create(1.0)
	if _, err := store.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !store.Delete(s.SessionID) {
		t.Error("delete of existing session must report true")
	}
	if store.Delete(s.SessionID) {
		t.Error("second delete must report false")
	}
	if store.Load(s.SessionID) != nil {
		t.Error("deleted session must not load")
	}
}
