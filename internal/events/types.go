// Package events provides event types and the bus provider for agentmesh.
package events

// Event types for networks
const (
	NetworkCreated = "network.created"
	NetworkResumed = "network.resumed"
	NetworkUpdated = "network.updated"
)

// Event types for agents
const (
	AgentSpawned       = "agent.spawned"
	AgentTerminated    = "agent.terminated"
	AgentMessageRouted = "agent.message_routed"
	AgentTurnCompleted = "agent.turn_completed"
)

// SubjectNetworks is the subject prefix for network lifecycle events.
// Individual events publish to networks.<networkId>.
const SubjectNetworks = "networks"
