package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAuditLogRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	l, err := NewAuditLogger(dir, nil)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	l.now = func() time.Time { return time.Date(2026, 4, 2, 10, 0, 0, 0, time.FixedZone("CEST", 7200)) }

	entries, err := l.ReadAll()
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty log, got %d entries, err %v", len(entries), err)
	}

	if err := l.Log(AuditEntry{CycleID: "c1", Identity: "gw-1", Status: StatusDelivered}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := l.Log(AuditEntry{CycleID: "c2", Status: StatusFailed, Error: "connect failed"}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	entries, err = l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Timestamp != "2026-04-02T08:00:00Z" {
		t.Fatalf("unexpected timestamp: %s", entries[0].Timestamp)
	}
	if entries[1].Error != "connect failed" || entries[1].Status != StatusFailed {
		t.Fatalf("unexpected entry: %+v", entries[1])
	}

	info, err := os.Stat(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("audit file should be private, got %v", info.Mode().Perm())
	}
}

func TestAuditSkipsCorruptLines(t *testing.T) {
	l, err := NewAuditLogger(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Log(AuditEntry{CycleID: "ok-1", Status: StatusDelivered}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()
	if err := l.Log(AuditEntry{CycleID: "ok-2", Status: StatusDelivered}); err != nil {
		t.Fatal(err)
	}

	entries, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 2 || entries[1].CycleID != "ok-2" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestAuditConcurrentWrites(t *testing.T) {
	l, err := NewAuditLogger(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Log(AuditEntry{Status: StatusAccepted}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	entries, err := l.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(entries))
	}
}
