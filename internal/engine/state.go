package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is a MigrationUnit's position in its state machine:
// pending → in-progress → {completed | failed}. A failed unit re-enters
// pending for a bounded number of retries; exhausting them makes it
// abandoned. Abandoned is terminal and turns the whole run non-zero.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether a unit in this status will not run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Watermark is the last successfully committed primary-key value for a
// unit, serialized so a crashed run resumes at the last committed batch
// instead of re-migrating the table.
type Watermark struct {
	Int *int64  `json:"int,omitempty"`
	Str *string `json:"str,omitempty"`
}

// NewWatermark wraps a primary-key value. Only integer and textual keys are
// representable; anything else returns nil and the unit restarts from the
// beginning on resume (idempotent upserts keep that correct, just slower).
func NewWatermark(key any) *Watermark {
	switch k := key.(type) {
	case int64:
		return &Watermark{Int: &k}
	case int:
		v := int64(k)
		return &Watermark{Int: &v}
	case string:
		return &Watermark{Str: &k}
	case []byte:
		v := string(k)
		return &Watermark{Str: &v}
	}
	return nil
}

// Value returns the wrapped key, or nil for a nil watermark.
func (w *Watermark) Value() any {
	if w == nil {
		return nil
	}
	if w.Int != nil {
		return *w.Int
	}
	if w.Str != nil {
		return *w.Str
	}
	return nil
}

// UnitState is the persisted, mutable progress of one MigrationUnit. Each
// worker writes only its own unit, but any worker's checkpoint serializes
// all of them, so every field write must go through StateStore.Update.
type UnitState struct {
	Table        string     `json:"table"`
	Target       string     `json:"target"`
	Status       Status     `json:"status"`
	Watermark    *Watermark `json:"watermark,omitempty"`
	RowsMigrated int64      `json:"rows_migrated"`
	RowsExpected int64      `json:"rows_expected"`
	Substituted  int64      `json:"substituted,omitempty"`
	Attempts     int        `json:"attempts"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at,omitempty"`
	CompletedAt  time.Time  `json:"completed_at,omitempty"`
}

type stateDoc struct {
	LastRunID string                `json:"last_run_id"`
	UpdatedAt time.Time             `json:"updated_at"`
	Units     map[string]*UnitState `json:"units"`
}

// StateStore persists unit states to a JSON file so an interrupted run can
// resume from its watermarks. An empty path keeps everything in memory for
// single-shot runs.
type StateStore struct {
	path string
	mu   sync.Mutex
	doc  stateDoc
}

// OpenStateStore loads the state file at path, starting empty when the file
// does not exist yet.
func OpenStateStore(path string) (*StateStore, error) {
	s := &StateStore{path: path, doc: stateDoc{Units: map[string]*UnitState{}}}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("state file %s is corrupt: %w", path, err)
	}
	if s.doc.Units == nil {
		s.doc.Units = map[string]*UnitState{}
	}
	// A crash mid-unit leaves in-progress behind; the watermark makes it
	// safe to just pick the unit up again.
	for _, u := range s.doc.Units {
		if u.Status == StatusInProgress || u.Status == StatusFailed {
			u.Status = StatusPending
		}
	}
	return s, nil
}

// Unit returns the state for a table, creating a pending one on first use.
// A state left over from a previous run against a different target is
// discarded rather than trusted.
func (s *StateStore) Unit(table, targetName string) *UnitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.doc.Units[table]
	if !ok || u.Target != targetName {
		u = &UnitState{Table: table, Target: targetName, Status: StatusPending}
		s.doc.Units[table] = u
	}
	return u
}

// Update runs fn under the store lock. Unit fields are only ever mutated
// through here, so a concurrent Save never marshals a half-written unit.
func (s *StateStore) Update(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

// SetRunID records the run currently writing this state.
func (s *StateStore) SetRunID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.LastRunID = id
}

// Save writes the state atomically (temp file + rename). Called after every
// batch commit, so it is the checkpoint granularity of the whole engine.
func (s *StateStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	s.doc.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
