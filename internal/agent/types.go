// Package agent runs one Claude CLI child process per agent and exposes a
// message-send / conversation-stream API to the network manager.
package agent

// Agent types. The first agent of every network is main; all others carry a
// non-nil spawnedBy.
const (
	TypeMain              = "main"
	TypeImplementation    = "implementation"
	TypeContextCollection = "contextCollection"
	TypePlanning          = "planning"
	TypeFlutterTester     = "flutterTester"
)

// ValidType reports whether the tag names a known agent type.
func ValidType(agentType string) bool {
	switch agentType {
	case TypeMain, TypeImplementation, TypeContextCollection, TypePlanning, TypeFlutterTester:
		return true
	}
	return false
}

// PermissionMode returns the CLI permission mode for an agent type. Planning
// agents run in plan mode; everyone else auto-accepts edits.
func PermissionMode(agentType string) string {
	if agentType == TypePlanning {
		return "plan"
	}
	return "acceptEdits"
}
