package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

func TestEncodeProjectPath(t *testing.T) {
	assert.Equal(t, "-home-dev-project", EncodeProjectPath("/home/dev/project"))
	assert.Equal(t, "-home-dev-project", EncodeProjectPath("/home/dev/project/"))
}

func TestProjectDirs(t *testing.T) {
	assert.Equal(t,
		filepath.Join("/root", "projects", "-home-dev-p"),
		ProjectDir("/root", "/home/dev/p"))
	assert.Equal(t,
		filepath.Join("/root", "api", "projects", "-home-dev-p"),
		APIProjectDir("/root", "/home/dev/p"))
}

func TestNetworkStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewNetworkStore(dir, logger.Default())

	networks, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, networks)

	now := time.Now().UTC().Truncate(time.Second)
	network := AgentNetwork{
		ID:   "net-1",
		Goal: "Task 1",
		Agents: []AgentMetadata{
			{ID: "agent-1", Name: "Main", Type: "main", Status: StatusIdle, CreatedAt: now},
		},
		CreatedAt:    now,
		LastActiveAt: now,
	}
	require.NoError(t, s.Upsert(network))

	got, ok, err := s.Get("net-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Task 1", got.Goal)
	require.Len(t, got.Agents, 1)
	assert.Equal(t, "main", got.Agents[0].Type)
	assert.Nil(t, got.Agents[0].SpawnedBy)

	// upsert replaces in place
	network.Goal = "Fix the login bug"
	require.NoError(t, s.Upsert(network))
	networks, err = s.Load()
	require.NoError(t, err)
	require.Len(t, networks, 1)
	assert.Equal(t, "Fix the login bug", networks[0].Goal)
}

func TestNetworkStoreCorruptFileYieldsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := NewNetworkStore(dir, logger.Default())
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	networks, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, networks)
}

func TestNetworkStoreWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s := NewNetworkStore(dir, logger.Default())
	require.NoError(t, s.Save([]AgentNetwork{{ID: "net-1"}}))

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent_networks.json", entries[0].Name())
}

func TestMemoryStoreSavePreservesCreatedAt(t *testing.T) {
	dir := t.TempDir()
	s := NewMemoryStore(dir)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	require.NoError(t, s.Save("arch", "uses hexagonal layout"))

	current = base.Add(time.Hour)
	require.NoError(t, s.Save("arch", "uses layered layout"))

	entry, ok, err := s.Get("arch")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "uses layered layout", entry.Value)
	assert.Equal(t, base, entry.CreatedAt)
	require.NotNil(t, entry.UpdatedAt)
	assert.Equal(t, base.Add(time.Hour), *entry.UpdatedAt)
}

func TestMemoryStoreListAndMissingKey(t *testing.T) {
	dir := t.TempDir()
	s := NewMemoryStore(dir)

	_, ok, err := s.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save("a", "1"))
	require.NoError(t, s.Save("b", "2"))
	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Key)
	assert.Equal(t, "b", entries[1].Key)
}

func TestSettingsStoreAddToAllowList(t *testing.T) {
	dir := t.TempDir()
	s := NewSettingsStore(dir)

	require.NoError(t, s.AddToAllowList("Bash(git status)"))
	require.NoError(t, s.AddToAllowList("WebFetch(domain:api.example.com)"))
	// duplicate is a no-op
	require.NoError(t, s.AddToAllowList("Bash(git status)"))

	perms, err := s.Permissions()
	require.NoError(t, err)
	assert.Equal(t, []string{"Bash(git status)", "WebFetch(domain:api.example.com)"}, perms.Allow)
	assert.Empty(t, perms.Deny)
}

func TestSettingsStorePreservesHooks(t *testing.T) {
	dir := t.TempDir()
	s := NewSettingsStore(dir)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))

	original := `{
  "permissions": {
    "allow": ["Read"],
    "deny": [],
    "ask": []
  },
  "hooks": {
    "PostToolUse": [{"matcher": "Write", "command": "gofmt -w"}]
  },
  "customField": 42
}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(original), 0o644))

	require.NoError(t, s.AddToAllowList("Bash(ls:*)"))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "hooks")
	assert.Contains(t, doc, "customField")
	assert.JSONEq(t, `{"PostToolUse": [{"matcher": "Write", "command": "gofmt -w"}]}`, string(doc["hooks"]))

	perms, err := s.Permissions()
	require.NoError(t, err)
	assert.Equal(t, []string{"Read", "Bash(ls:*)"}, perms.Allow)

	// two-space indentation
	assert.Contains(t, string(data), "\n  \"permissions\"")
}

func TestSettingsStoreCorruptFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	s := NewSettingsStore(dir)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte("garbage"), 0o644))

	perms, err := s.Permissions()
	require.NoError(t, err)
	assert.Empty(t, perms.Allow)

	// a write after corruption starts from defaults
	require.NoError(t, s.AddToAllowList("Read"))
	perms, err = s.Permissions()
	require.NoError(t, err)
	assert.Equal(t, []string{"Read"}, perms.Allow)
}
