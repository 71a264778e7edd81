package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpcore "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/portalloc"
)

// AgentInfo describes a running agent to its peers.
type AgentInfo struct {
	ID   string
	Type string
	Name string
}

// AgentController is the slice of the network manager exposed to agents
// through the agent-control server. The caller identity is fixed per server
// instance so agents cannot impersonate each other.
type AgentController interface {
	SpawnAgent(ctx context.Context, callerID, agentType, name, task string) (string, error)
	SendAgentMessage(ctx context.Context, fromID, toID, message string) error
	ListAgents(ctx context.Context) ([]AgentInfo, error)
}

// NewAgentControlServer exposes spawn/message/list operations for one agent.
func NewAgentControlServer(agentID string, ctrl AgentController, alloc *portalloc.Allocator, log *logger.Logger) *HTTPServer {
	tools := []mcpserver.ServerTool{
		{
			Tool: mcpcore.NewTool("spawn_agent",
				mcpcore.WithDescription("Spawn a new sub-agent to work on a task. Returns the new agent's ID."),
				mcpcore.WithString("agent_type",
					mcpcore.Required(),
					mcpcore.Description("Type of agent: implementation, planning, contextCollection or flutterTester"),
				),
				mcpcore.WithString("name",
					mcpcore.Required(),
					mcpcore.Description("Human-readable name for the agent"),
				),
				mcpcore.WithString("task",
					mcpcore.Required(),
					mcpcore.Description("The task the new agent should work on"),
				),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				agentType, err := req.RequireString("agent_type")
				if err != nil {
					return mcpcore.NewToolResultError(err.Error()), nil
				}
				name, err := req.RequireString("name")
				if err != nil {
					return mcpcore.NewToolResultError(err.Error()), nil
				}
				task, err := req.RequireString("task")
				if err != nil {
					return mcpcore.NewToolResultError(err.Error()), nil
				}
				id, err := ctrl.SpawnAgent(ctx, agentID, agentType, name, task)
				if err != nil {
					return mcpcore.NewToolResultError(fmt.Sprintf("failed to spawn agent: %v", err)), nil
				}
				return mcpcore.NewToolResultText("spawned agent " + id), nil
			},
		},
		{
			Tool: mcpcore.NewTool("send_message_to_agent",
				mcpcore.WithDescription("Send an asynchronous message to another agent in the network"),
				mcpcore.WithString("agent_id",
					mcpcore.Required(),
					mcpcore.Description("The recipient agent's ID"),
				),
				mcpcore.WithString("message",
					mcpcore.Required(),
					mcpcore.Description("The message content"),
				),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				toID, err := req.RequireString("agent_id")
				if err != nil {
					return mcpcore.NewToolResultError(err.Error()), nil
				}
				message, err := req.RequireString("message")
				if err != nil {
					return mcpcore.NewToolResultError(err.Error()), nil
				}
				if err := ctrl.SendAgentMessage(ctx, agentID, toID, message); err != nil {
					return mcpcore.NewToolResultError(fmt.Sprintf("failed to send message: %v", err)), nil
				}
				return mcpcore.NewToolResultText("message delivered to " + toID), nil
			},
		},
		{
			Tool: mcpcore.NewTool("list_agents",
				mcpcore.WithDescription("List all agents currently in the network"),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				agents, err := ctrl.ListAgents(ctx)
				if err != nil {
					return mcpcore.NewToolResultError(fmt.Sprintf("failed to list agents: %v", err)), nil
				}
				var b strings.Builder
				for _, a := range agents {
					fmt.Fprintf(&b, "%s (%s): %s\n", a.ID, a.Type, a.Name)
				}
				return mcpcore.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
			},
		},
	}
	return NewHTTPServer("agent-control", tools, alloc, log)
}
