package keypool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gateway "github.com/switchyardio/switchyard/internal"
)

// FileStore persists registry state under a state directory:
//
//	health.jsonl        append-only {"kind":"snapshot",...} records
//	provider-quota.json rolling per-key quota document
//
// Disk is an eventually-consistent view; on conflict at hydration the
// runtime state wins.
type FileStore struct {
	mu        sync.Mutex
	dir       string
	healthF   *os.File
	lastQuota time.Time
	// quotaInterval throttles rewrites of the rolling quota document.
	quotaInterval time.Duration
	now           func() time.Time
}

// NewFileStore opens (creating if needed) the state directory and the
// health journal for appending.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("keypool: create state dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "health.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("keypool: open health journal: %w", err)
	}
	return &FileStore{
		dir:           dir,
		healthF:       f,
		quotaInterval: 5 * time.Second,
		now:           time.Now,
	}, nil
}

// Close closes the health journal.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthF.Close()
}

// healthRecord is one health.jsonl line.
type healthRecord struct {
	Kind     string         `json:"kind"`
	At       time.Time      `json:"at"`
	Snapshot healthSnapshot `json:"snapshot"`
}

type healthSnapshot struct {
	Providers []gateway.KeyStatus `json:"providers"`
	Cooldowns []cooldownEntry     `json:"cooldowns"`
}

type cooldownEntry struct {
	Key   string    `json:"key"`
	Until time.Time `json:"until"`
}

// quotaDoc is the rolling provider-quota.json document.
type quotaDoc struct {
	UpdatedAt time.Time             `json:"updated_at"`
	Providers map[string]quotaEntry `json:"providers"`
}

type quotaEntry struct {
	InPool            bool       `json:"inPool"`
	PriorityTier      int        `json:"priorityTier"`
	SelectionPenalty  float64    `json:"selectionPenalty"`
	CooldownUntil     *time.Time `json:"cooldownUntil,omitempty"`
	BlacklistUntil    *time.Time `json:"blacklistUntil,omitempty"`
	LastErrorCode     int        `json:"lastErrorCode,omitempty"`
	ConsecutiveErrors int        `json:"consecutiveErrorCount"`
}

// AppendSnapshot appends a snapshot record to the health journal and, at
// most once per quotaInterval, rewrites the quota document.
func (s *FileStore) AppendSnapshot(keys []gateway.KeyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := healthRecord{Kind: "snapshot", At: now}
	rec.Snapshot.Providers = keys
	for _, k := range keys {
		if k.State == gateway.KeyCooling {
			rec.Snapshot.Cooldowns = append(rec.Snapshot.Cooldowns, cooldownEntry{
				Key: k.Ref(), Until: k.CooldownUntil,
			})
		}
	}

	w := bufio.NewWriter(s.healthF)
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		return fmt.Errorf("keypool: append health record: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("keypool: flush health journal: %w", err)
	}

	if now.Sub(s.lastQuota) >= s.quotaInterval {
		s.lastQuota = now
		return s.writeQuota(keys, now)
	}
	return nil
}

// writeQuota rewrites provider-quota.json atomically (tmp + rename).
func (s *FileStore) writeQuota(keys []gateway.KeyStatus, now time.Time) error {
	doc := quotaDoc{UpdatedAt: now, Providers: make(map[string]quotaEntry, len(keys))}
	for _, k := range keys {
		e := quotaEntry{
			InPool:            k.State == gateway.KeyHealthy,
			PriorityTier:      k.PriorityTier,
			SelectionPenalty:  k.SelectionPenalty,
			LastErrorCode:     k.LastErrorCode,
			ConsecutiveErrors: k.ConsecutiveErrors,
		}
		switch k.State {
		case gateway.KeyCooling:
			until := k.CooldownUntil
			e.CooldownUntil = &until
		case gateway.KeyBlacklisted:
			// Blacklists hold until config reload; persist a far-future marker
			// so an operator can see the key is out of rotation.
			until := now.Add(24 * time.Hour)
			e.BlacklistUntil = &until
		}
		doc.Providers[k.Ref()] = e
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("keypool: marshal quota doc: %w", err)
	}
	tmp := filepath.Join(s.dir, "provider-quota.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("keypool: write quota doc: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, "provider-quota.json")); err != nil {
		return fmt.Errorf("keypool: replace quota doc: %w", err)
	}
	return nil
}

// LoadLatest reads the most recent snapshot record from the health journal
// for startup hydration. A missing or empty journal yields nil, nil.
func (s *FileStore) LoadLatest() ([]gateway.KeyStatus, error) {
	f, err := os.Open(filepath.Join(s.dir, "health.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keypool: open health journal: %w", err)
	}
	defer f.Close()

	var latest *healthRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec healthRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn tail write from an unclean shutdown; keep the last good record.
			continue
		}
		if rec.Kind == "snapshot" {
			latest = &rec
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("keypool: scan health journal: %w", err)
	}
	if latest == nil {
		return nil, nil
	}
	states := latest.Snapshot.Providers
	for i := range states {
		states[i].State = parseState(states[i].StateName)
	}
	return states, nil
}

func parseState(name string) gateway.KeyState {
	switch name {
	case "cooling":
		return gateway.KeyCooling
	case "blacklisted":
		return gateway.KeyBlacklisted
	default:
		return gateway.KeyHealthy
	}
}

// Compact truncates the journal to a single snapshot record of the current
// state. Run periodically by the health snapshot worker.
func (s *FileStore) Compact(keys []gateway.KeyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := filepath.Join(s.dir, "health.jsonl.tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("keypool: open compact tmp: %w", err)
	}
	rec := healthRecord{Kind: "snapshot", At: s.now()}
	rec.Snapshot.Providers = keys
	if err := json.NewEncoder(tmp).Encode(rec); err != nil {
		tmp.Close()
		return fmt.Errorf("keypool: write compact record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	final := filepath.Join(s.dir, "health.jsonl")
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("keypool: replace health journal: %w", err)
	}
	// Reopen the journal handle on the new inode.
	old := s.healthF
	f, err := os.OpenFile(final, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("keypool: reopen health journal: %w", err)
	}
	s.healthF = f
	old.Close()
	return nil
}
