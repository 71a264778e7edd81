package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// SettingsStore reads and writes the project-local
// .claude/settings.local.json. Unknown top-level keys (notably hooks) are
// preserved verbatim across rewrites.
type SettingsStore struct {
	path string
	mu   sync.Mutex
}

// NewSettingsStore builds a store for the given project directory.
func NewSettingsStore(projectDir string) *SettingsStore {
	return &SettingsStore{
		path: filepath.Join(projectDir, ".claude", "settings.local.json"),
	}
}

// Permissions is the permissions block of the settings file.
type Permissions struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
	Ask   []string `json:"ask"`
}

// Permissions returns the parsed permissions block. Missing or corrupt
// content yields empty lists.
func (s *SettingsStore) Permissions() (Permissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()
	return parsePermissions(doc), nil
}

// AddToAllowList appends the pattern to permissions.allow, deduplicated, and
// atomically rewrites the file preserving every other field.
func (s *SettingsStore) AddToAllowList(pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()
	perms := parsePermissions(doc)
	for _, p := range perms.Allow {
		if p == pattern {
			return nil
		}
	}
	perms.Allow = append(perms.Allow, pattern)

	permsRaw, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	doc["permissions"] = permsRaw
	return writeJSONAtomic(s.path, doc)
}

// Path returns the backing file location.
func (s *SettingsStore) Path() string {
	return s.path
}

// loadLocked reads the file as a raw key set so unrelated fields survive a
// rewrite. Missing or corrupt content yields an empty document.
func (s *SettingsStore) loadLocked() map[string]json.RawMessage {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return map[string]json.RawMessage{}
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return map[string]json.RawMessage{}
	}
	return doc
}

func parsePermissions(doc map[string]json.RawMessage) Permissions {
	perms := Permissions{Allow: []string{}, Deny: []string{}, Ask: []string{}}
	raw, ok := doc["permissions"]
	if !ok {
		return perms
	}
	var parsed Permissions
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return perms
	}
	if parsed.Allow == nil {
		parsed.Allow = []string{}
	}
	if parsed.Deny == nil {
		parsed.Deny = []string{}
	}
	if parsed.Ask == nil {
		parsed.Ask = []string{}
	}
	return parsed
}
