// Package history tracks which containers a backend has already read
// or written. Backends append an entry after each completed transfer
// and consult the log to answer "list only new items" requests.
//
// The ledger is injected into backends as a Log so the backend logic
// stays free of file I/O; File persists entries the way existing
// deployments expect, Memory keeps them for the life of the process.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Actions recorded in history entries.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Entry records one completed read or write of a container: a file, an
// object, an archive.
type Entry struct {
	// Backend is the registry name of the backend that acted.
	Backend string `json:"backend"`

	// Action is ActionRead or ActionWrite.
	Action string `json:"action,omitempty"`

	// Command is the legacy name of the Action field. Old ledgers
	// carry it; lookups match either field.
	Command string `json:"command,omitempty"`

	// ID identifies the container uniquely within the backend, for
	// example an absolute file path or "bucket/key".
	ID string `json:"id"`

	// Operation is the write mode of a write action, when the backend
	// records one.
	Operation string `json:"operation_type,omitempty"`

	// Filename is the container's base name, when it has one.
	Filename string `json:"filename,omitempty"`

	// Size is the container's size in bytes, when known.
	Size int64 `json:"size,omitempty"`

	// Timestamp is when the action completed.
	Timestamp time.Time `json:"timestamp"`
}

func (e Entry) matches(backend, action string) bool {
	return e.Backend == backend && (e.Action == action || e.Command == action)
}

// Log is an append-only ledger of completed transfers.
type Log interface {
	// Append records a completed action.
	Append(entry Entry) error

	// Contains reports whether an entry with the given backend,
	// action and id has been recorded.
	Contains(backend, action, id string) (bool, error)

	// IDs returns the ids of all entries recorded for the given
	// backend and action.
	IDs(backend, action string) ([]string, error)
}

// File is a Log persisted as a single JSON array, compatible with
// ledgers written by earlier deployments. It is safe for concurrent
// use within one process; concurrent writers across processes can
// lose entries.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a file-backed log at path. The file and its parent
// directory are created on first append.
func NewFile(path string) *File {
	return &File{path: path}
}

// Append loads the ledger, adds the entry and writes it back.
func (f *File) Append(entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating history directory: %w", err)
		}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("writing history file: %w", err)
	}
	return nil
}

// Contains reports whether the ledger holds a matching entry.
func (f *File) Contains(backend, action, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.matches(backend, action) && e.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// IDs returns the recorded ids for the given backend and action.
func (f *File) IDs(backend, action string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.matches(backend, action) {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func (f *File) load() ([]Entry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing history file: %w", err)
	}
	return entries, nil
}

// Memory is an in-process Log. It is the default ledger for backends
// constructed without a history path and is handy in tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory returns an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{}
}

// Append records the entry.
func (m *Memory) Append(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Contains reports whether a matching entry has been recorded.
func (m *Memory) Contains(backend, action, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.matches(backend, action) && e.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// IDs returns the recorded ids for the given backend and action.
func (m *Memory) IDs(backend, action string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, e := range m.entries {
		if e.matches(backend, action) {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

// Entries returns a copy of everything recorded so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
