package keypool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gateway "github.com/switchyardio/switchyard/internal"
)

func testFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func testKeys(now time.Time) []gateway.KeyStatus {
	return []gateway.KeyStatus{
		{ProviderID: "prov", Alias: "k1", State: gateway.KeyHealthy, StateName: "healthy"},
		{ProviderID: "prov", Alias: "k2", State: gateway.KeyCooling, StateName: "cooling",
			CooldownUntil: now.Add(30 * time.Second), ConsecutiveErrors: 2, SelectionPenalty: 2},
		{ProviderID: "prov", Alias: "k3", State: gateway.KeyBlacklisted, StateName: "blacklisted",
			LastErrorCode: 401},
	}
}

func TestAppendSnapshotJournalsCooldowns(t *testing.T) {
	s, dir := testFileStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.AppendSnapshot(testKeys(now)); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "health.jsonl"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("journal lines = %d, want 1", len(lines))
	}
	var rec healthRecord
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Kind != "snapshot" || len(rec.Snapshot.Providers) != 3 {
		t.Errorf("record = %+v", rec)
	}
	// Only the cooling key lands in the cooldown index.
	if len(rec.Snapshot.Cooldowns) != 1 || rec.Snapshot.Cooldowns[0].Key != "prov.k2" {
		t.Errorf("cooldowns = %+v", rec.Snapshot.Cooldowns)
	}
}

func TestQuotaDocThrottled(t *testing.T) {
	s, dir := testFileStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	quotaPath := filepath.Join(dir, "provider-quota.json")
	mtime := func() time.Time {
		fi, err := os.Stat(quotaPath)
		if err != nil {
			t.Fatalf("stat quota doc: %v", err)
		}
		return fi.ModTime()
	}

	if err := s.AppendSnapshot(testKeys(now)); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}
	first := mtime()

	// Inside the throttle window the doc is left alone.
	now = now.Add(time.Second)
	if err := s.AppendSnapshot(testKeys(now)); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}
	if !mtime().Equal(first) {
		t.Error("quota doc rewritten inside throttle window")
	}

	// Past the window it is rewritten.
	now = now.Add(s.quotaInterval)
	if err := s.AppendSnapshot(testKeys(now)); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}
	var doc quotaDoc
	data, err := os.ReadFile(quotaPath)
	if err != nil {
		t.Fatalf("read quota doc: %v", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal quota doc: %v", err)
	}
	if !doc.UpdatedAt.Equal(now) {
		t.Errorf("updated_at = %v, want %v", doc.UpdatedAt, now)
	}
	if e := doc.Providers["prov.k1"]; !e.InPool {
		t.Errorf("healthy key entry = %+v", e)
	}
	if e := doc.Providers["prov.k2"]; e.InPool || e.CooldownUntil == nil {
		t.Errorf("cooling key entry = %+v", e)
	}
	if e := doc.Providers["prov.k3"]; e.InPool || e.BlacklistUntil == nil || e.LastErrorCode != 401 {
		t.Errorf("blacklisted key entry = %+v", e)
	}
}

func TestLoadLatestMissingJournal(t *testing.T) {
	s := &FileStore{dir: t.TempDir()}
	states, err := s.LoadLatest()
	if err != nil || states != nil {
		t.Errorf("LoadLatest = %v, %v; want nil, nil", states, err)
	}
}

func TestLoadLatestReturnsLastSnapshot(t *testing.T) {
	s, _ := testFileStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.AppendSnapshot([]gateway.KeyStatus{
		{ProviderID: "prov", Alias: "k1", State: gateway.KeyHealthy, StateName: "healthy"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendSnapshot(testKeys(now)); err != nil {
		t.Fatal(err)
	}

	states, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("states = %d, want 3 from the later record", len(states))
	}
	// State is restored from the journaled state name.
	if states[1].State != gateway.KeyCooling || states[2].State != gateway.KeyBlacklisted {
		t.Errorf("states = %v, %v", states[1].State, states[2].State)
	}
}

func TestLoadLatestSkipsTornTail(t *testing.T) {
	s, dir := testFileStore(t)
	if err := s.AppendSnapshot(testKeys(time.Now())); err != nil {
		t.Fatal(err)
	}
	// Simulate an unclean shutdown mid-write.
	f, err := os.OpenFile(filepath.Join(dir, "health.jsonl"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"kind":"snapshot","at":"2026-03-`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	states, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if len(states) != 3 {
		t.Errorf("states = %d, want last good record", len(states))
	}
}

func TestCompactTruncatesAndStaysAppendable(t *testing.T) {
	s, dir := testFileStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for range 5 {
		if err := s.AppendSnapshot(testKeys(now)); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Compact(testKeys(now)); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "health.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if n := len(strings.Split(strings.TrimSpace(string(data)), "\n")); n != 1 {
		t.Fatalf("journal lines after compact = %d, want 1", n)
	}

	// The reopened handle appends to the new inode.
	if err := s.AppendSnapshot(testKeys(now)); err != nil {
		t.Fatalf("AppendSnapshot after compact: %v", err)
	}
	data, err = os.ReadFile(filepath.Join(dir, "health.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if n := len(strings.Split(strings.TrimSpace(string(data)), "\n")); n != 2 {
		t.Errorf("journal lines after append = %d, want 2", n)
	}
	if states, err := s.LoadLatest(); err != nil || len(states) != 3 {
		t.Errorf("LoadLatest after compact = %d states, %v", len(states), err)
	}
}
