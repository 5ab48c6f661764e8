// Package state persists ingestion progress across process restarts.
//
// The store is the sole source of truth for "what remains to do": the driver
// consults it before any network or database work and updates it after each
// unit of work completes. Every mutating call is persisted synchronously
// before it returns, so a crash immediately after a call observes the
// mutation on restart and a crash immediately before does not.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	docVersion  = "1.0"
	keepBackups = 10
	keepErrors  = 100
)

// Store is a durable, crash-safe mapping from entity type to its progress
// record, backed by a single JSON document with rotated backups.
type Store struct {
	mu        sync.Mutex
	path      string
	backupDir string

	// now is injected for deterministic tests. Production uses time.Now.
	now func() time.Time
}

type document struct {
	Version        string                  `json:"version"`
	LastUpdated    string                  `json:"last_updated"`
	Entities       map[string]*entityState `json:"entities"`
	TotalProcessed map[string]int          `json:"total_processed"`
	ErrorLog       []errorEntry            `json:"error_log"`
}

type entityState struct {
	Status         string   `json:"status,omitempty"`
	CurrentFile    string   `json:"current_file,omitempty"`
	LastProcessed  string   `json:"last_processed,omitempty"`
	CompletedAt    string   `json:"completed_at,omitempty"`
	CompletedFiles []string `json:"completed_files,omitempty"`
}

type errorEntry struct {
	Timestamp  string `json:"timestamp"`
	EntityType string `json:"entity_type"`
	Message    string `json:"error_message"`
}

const statusCompleted = "completed"

// NewStore creates (or reopens) the store rooted at baseDir. State lives in
// <baseDir>/state/ingestion_state.json with backups alongside it.
func NewStore(baseDir string) (*Store, error) {
	stateDir := filepath.Join(baseDir, "state")
	backupDir := filepath.Join(stateDir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create dirs: %w", err)
	}
	return &Store{
		path:      filepath.Join(stateDir, "ingestion_state.json"),
		backupDir: backupDir,
		now:       time.Now,
	}, nil
}

// IsEntityComplete reports whether the entity's terminal flag is set.
// Fails closed: an unknown entity (or unreadable state) is not complete.
func (s *Store) IsEntityComplete(entity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	e := doc.Entities[entity]
	return e != nil && e.Status == statusCompleted
}

// IsFileComplete reports whether the named file has already been processed
// for the entity.
func (s *Store) IsFileComplete(entity, file string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.load().Entities[entity]
	if e == nil {
		return false
	}
	for _, f := range e.CompletedFiles {
		if f == file {
			return true
		}
	}
	return false
}

// MarkFileComplete records the file as done. Idempotent: re-adding a present
// file name changes nothing (including the processed counter).
func (s *Store) MarkFileComplete(entity, file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	e := doc.entity(entity)
	for _, f := range e.CompletedFiles {
		if f == file {
			return nil
		}
	}
	e.CompletedFiles = append(e.CompletedFiles, file)
	e.LastProcessed = s.stamp()
	doc.TotalProcessed[entity]++
	return s.save(doc)
}

// MarkEntityComplete sets the entity's terminal flag. Subsequent
// IsEntityComplete calls return true until Reset.
func (s *Store) MarkEntityComplete(entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	e := doc.entity(entity)
	e.Status = statusCompleted
	e.CompletedAt = s.stamp()
	return s.save(doc)
}

// MarkInProgress records which file the entity is currently working on.
// Purely informational (surfaced by Summary); resumability keys off completed
// files only.
func (s *Store) MarkInProgress(entity, file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	e := doc.entity(entity)
	e.CurrentFile = file
	e.Status = "in_progress"
	e.LastProcessed = s.stamp()
	return s.save(doc)
}

// LogError appends an error entry, keeping only the most recent entries.
func (s *Store) LogError(entity, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	doc.ErrorLog = append(doc.ErrorLog, errorEntry{
		Timestamp:  s.stamp(),
		EntityType: entity,
		Message:    msg,
	})
	if len(doc.ErrorLog) > keepErrors {
		doc.ErrorLog = doc.ErrorLog[len(doc.ErrorLog)-keepErrors:]
	}
	return s.save(doc)
}

// Reset clears the entity's record so a later run re-ingests it from scratch.
func (s *Store) Reset(entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	delete(doc.Entities, entity)
	doc.TotalProcessed[entity] = 0
	return s.save(doc)
}

// EntitySummary is one entity's line in the run summary.
type EntitySummary struct {
	Entity         string
	Status         string
	CurrentFile    string
	CompletedFiles int
	Processed      int
}

// Summary returns a per-entity view of the persisted state, sorted by entity
// name for stable output.
func (s *Store) Summary() []EntitySummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	out := make([]EntitySummary, 0, len(doc.Entities))
	for name, e := range doc.Entities {
		status := e.Status
		if status == "" {
			status = "not_started"
		}
		out = append(out, EntitySummary{
			Entity:         name,
			Status:         status,
			CurrentFile:    e.CurrentFile,
			CompletedFiles: len(e.CompletedFiles),
			Processed:      doc.TotalProcessed[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// ---- persistence ----

func (d *document) entity(name string) *entityState {
	e := d.Entities[name]
	if e == nil {
		e = &entityState{}
		d.Entities[name] = e
	}
	return e
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func initialDocument() *document {
	return &document{
		Version:        docVersion,
		Entities:       map[string]*entityState{},
		TotalProcessed: map[string]int{},
	}
}

// load reads the state document. A corrupt main file falls back to the most
// recent backup; a missing file yields a fresh document.
func (s *Store) load() *document {
	doc, err := readDocument(s.path)
	if err == nil {
		return doc
	}
	if os.IsNotExist(err) {
		return initialDocument()
	}

	// Main file unreadable or corrupt: newest backup wins.
	backups, _ := os.ReadDir(s.backupDir)
	for i := len(backups) - 1; i >= 0; i-- {
		if doc, err := readDocument(filepath.Join(s.backupDir, backups[i].Name())); err == nil {
			return doc
		}
	}
	return initialDocument()
}

func readDocument(path string) (*document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Entities == nil {
		doc.Entities = map[string]*entityState{}
	}
	if doc.TotalProcessed == nil {
		doc.TotalProcessed = map[string]int{}
	}
	return &doc, nil
}

// save backs up the previous document, then writes the new one through a temp
// file and an atomic rename. A crash mid-save can therefore never leave a
// truncated state file behind.
func (s *Store) save(doc *document) error {
	doc.Version = docVersion
	doc.LastUpdated = s.stamp()

	s.backup()

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}

// backup copies the current state file into the backup dir with a timestamped
// name and prunes old backups. Best effort: failure to back up never blocks a
// save.
func (s *Store) backup() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	name := fmt.Sprintf("state_backup_%s.json", s.now().UTC().Format("20060102_150405.000000000"))
	_ = os.WriteFile(filepath.Join(s.backupDir, name), raw, 0o644)

	entries, err := os.ReadDir(s.backupDir)
	if err != nil || len(entries) <= keepBackups {
		return
	}
	// ReadDir sorts by name; the timestamp format keeps name order == age order.
	for _, old := range entries[:len(entries)-keepBackups] {
		_ = os.Remove(filepath.Join(s.backupDir, old.Name()))
	}
}
