package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// memoryFile is the on-disk document shape.
type memoryFile struct {
	Entries []MemoryEntry `json:"entries"`
}

// MemoryStore reads and writes the per-project memory.json. Entries are
// keyed strings; updating an existing key preserves its createdAt and sets
// updatedAt.
type MemoryStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewMemoryStore builds a store rooted at the given project directory.
func NewMemoryStore(dir string) *MemoryStore {
	return &MemoryStore{
		path: filepath.Join(dir, memoryFileName),
		now:  time.Now,
	}
}

// Save inserts or updates the entry for key.
func (s *MemoryStore) Save(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.loadLocked()
	now := s.now().UTC()
	for i, e := range entries {
		if e.Key == key {
			entries[i].Value = value
			entries[i].UpdatedAt = &now
			return writeJSONAtomic(s.path, memoryFile{Entries: entries})
		}
	}
	entries = append(entries, MemoryEntry{Key: key, Value: value, CreatedAt: now})
	return writeJSONAtomic(s.path, memoryFile{Entries: entries})
}

// Get returns the entry for key.
func (s *MemoryStore) Get(key string) (MemoryEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.loadLocked() {
		if e.Key == key {
			return e, true, nil
		}
	}
	return MemoryEntry{}, false, nil
}

// List returns all entries in insertion order.
func (s *MemoryStore) List() ([]MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(), nil
}

// loadLocked reads the file; missing or corrupt content yields no entries.
func (s *MemoryStore) loadLocked() []MemoryEntry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var doc memoryFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc.Entries
}
