// Package store persists network snapshots, project memory and permission
// settings as JSON files under the application root. All writes are atomic
// (temp file in the target directory, then rename).
package store

import "time"

// AgentStatus is the coarse activity state shown for an agent.
type AgentStatus string

const (
	StatusWorking         AgentStatus = "working"
	StatusWaitingForAgent AgentStatus = "waitingForAgent"
	StatusWaitingForUser  AgentStatus = "waitingForUser"
	StatusIdle            AgentStatus = "idle"
)

// AgentMetadata is the persisted description of one agent.
type AgentMetadata struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	Type                string      `json:"type"`
	TaskName            string      `json:"taskName,omitempty"`
	SpawnedBy           *string     `json:"spawnedBy"`
	Status              AgentStatus `json:"status"`
	CreatedAt           time.Time   `json:"createdAt"`
	InputTokens         int64       `json:"inputTokens"`
	OutputTokens        int64       `json:"outputTokens"`
	CacheReadTokens     int64       `json:"cacheReadTokens"`
	CacheCreationTokens int64       `json:"cacheCreationTokens"`
	CostUSD             float64     `json:"costUsd"`
}

// AgentNetwork is the persisted snapshot of one network. Position 0 of
// Agents is always the main agent.
type AgentNetwork struct {
	ID           string          `json:"id"`
	Goal         string          `json:"goal"`
	Agents       []AgentMetadata `json:"agents"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastActiveAt time.Time       `json:"lastActiveAt"`
	WorktreePath string          `json:"worktreePath,omitempty"`
}

// MainAgent returns the network's main agent.
func (n AgentNetwork) MainAgent() AgentMetadata {
	return n.Agents[0]
}

// Agent looks an agent up by id.
func (n AgentNetwork) Agent(id string) (AgentMetadata, bool) {
	for _, a := range n.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentMetadata{}, false
}

// MemoryEntry is one project-scoped memory note.
type MemoryEntry struct {
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}
