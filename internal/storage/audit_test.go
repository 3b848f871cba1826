package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *AuditLog {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAuditLog(db)
}

func TestRecordAndRecent(t *testing.T) {
	a := openTestDB(t)

	entries := []Entry{
		{TaskID: "t-1", Handler: "echo", Outcome: "success", DurationMS: 12},
		{TaskID: "t-2", Handler: "eval", Outcome: "sandbox_violation", Error: "SandboxViolation: nope", DurationMS: 3},
		{TaskID: "t-3", Handler: "echo", Outcome: "timeout", Error: "Timeout", DurationMS: 5000},
	}
	for _, e := range entries {
		if err := a.Record(e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := a.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	// Newest first.
	if got[0].TaskID != "t-3" || got[2].TaskID != "t-1" {
		t.Fatalf("entries out of order: %+v", got)
	}
	if got[1].Error != "SandboxViolation: nope" {
		t.Fatalf("error not persisted: %+v", got[1])
	}
	if got[0].CreatedAt.IsZero() {
		t.Fatal("created_at not populated")
	}
}

func TestRecentLimit(t *testing.T) {
	a := openTestDB(t)
	for i := 0; i < 5; i++ {
		if err := a.Record(Entry{TaskID: "t", Handler: "h", Outcome: "success"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	got, err := a.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
}

func TestRecordFillsTimestamp(t *testing.T) {
	a := openTestDB(t)
	before := time.Now().UTC().Add(-time.Second)
	if err := a.Record(Entry{TaskID: "t", Handler: "h", Outcome: "success"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := a.Recent(1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if got[0].CreatedAt.Before(before) {
		t.Fatalf("timestamp not defaulted: %v", got[0].CreatedAt)
	}
}

func TestOpenSQLiteCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "x.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.Close()
}
