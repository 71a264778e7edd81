package mcp

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/portalloc"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/pkg/claudecode"
)

// FleetDeps carries the shared backends the per-agent servers are built on.
type FleetDeps struct {
	Alloc      *portalloc.Allocator
	Memory     *store.MemoryStore
	Tasks      *TaskList
	Controller AgentController
	Asker      UserAsker
	Runtime    AppRuntime
	Logger     *logger.Logger
}

// FleetForType instantiates the server set for one agent. Which kinds an
// agent gets depends on its type: main gets everything except the app
// runtime, planning agents get coordination tools but no git access, and the
// tester is the only one holding the runtime server.
func FleetForType(agentType, agentID, worktree string, deps FleetDeps) []Server {
	var fleet []Server

	add := func(s Server, cond bool) {
		if cond && s != nil {
			fleet = append(fleet, s)
		}
	}

	git := agentType == "main" || agentType == "implementation" || agentType == "contextCollection"
	taskBoard := agentType != "contextCollection"
	control := agentType == "main" || agentType == "planning"
	askUser := agentType == "main" || agentType == "implementation"
	runtime := agentType == "flutterTester"

	add(NewGitServer(worktree, deps.Alloc, deps.Logger), git)
	if deps.Memory != nil {
		add(NewMemoryServer(deps.Memory, deps.Alloc, deps.Logger), true)
	}
	if deps.Tasks != nil {
		add(NewTaskServer(deps.Tasks, deps.Alloc, deps.Logger), taskBoard)
	}
	if deps.Controller != nil {
		add(NewAgentControlServer(agentID, deps.Controller, deps.Alloc, deps.Logger), control)
	}
	if deps.Asker != nil {
		add(NewAskUserServer(agentID, deps.Asker, deps.Alloc, deps.Logger), askUser)
	}
	if deps.Runtime != nil {
		add(NewRuntimeServer(deps.Runtime, deps.Alloc, deps.Logger), runtime)
	}

	return fleet
}

// Fleet manages the lifecycle of one agent's server set.
type Fleet struct {
	servers []Server
}

// NewFleet wraps a server set.
func NewFleet(servers []Server) *Fleet {
	return &Fleet{servers: servers}
}

// Start starts every server, stopping the ones already started on failure.
func (f *Fleet) Start(ctx context.Context) error {
	for i, s := range f.servers {
		if err := s.Start(ctx); err != nil {
			for j := 0; j < i; j++ {
				_ = f.servers[j].Stop(ctx)
			}
			return err
		}
	}
	return nil
}

// Stop stops every server. Idempotent.
func (f *Fleet) Stop(ctx context.Context) {
	for _, s := range f.servers {
		_ = s.Stop(ctx)
	}
}

// Servers returns the underlying server set.
func (f *Fleet) Servers() []Server {
	return f.servers
}

// Config renders the fleet's entries for the child process MCP config.
func (f *Fleet) Config() map[string]claudecode.MCPServerEntry {
	out := make(map[string]claudecode.MCPServerEntry, len(f.servers))
	for _, s := range f.servers {
		out[s.Name()] = s.ToolConfig()
	}
	return out
}
