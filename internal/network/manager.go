// Package network owns the agent networks: it creates and resumes them,
// spawns and terminates agents, routes inter-agent messages and persists
// snapshots in the background.
package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/portalloc"
	"github.com/agentmesh/agentmesh/internal/conversation"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/mcp"
	"github.com/agentmesh/agentmesh/internal/permission"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/pkg/claudecode"
)

// taskCounter numbers fresh networks process-wide.
var taskCounter atomic.Int64

func nextTaskName() string {
	return fmt.Sprintf("Task %d", taskCounter.Add(1))
}

// Message prefixes for orchestrator-injected context.
const (
	spawnedByPrefix   = "[SPAWNED BY AGENT: %s]\n\n"
	messageFromPrefix = "[MESSAGE FROM AGENT: %s]\n\n"
)

// Runner is the adapter surface the manager depends on. *agent.Adapter
// satisfies it; tests substitute a fake.
type Runner interface {
	SendMessage(text string)
	Subscribe() (<-chan conversation.Conversation, func())
	OnTurnComplete(func()) func()
	CurrentConversation() conversation.Conversation
	Abort()
}

// RunnerFactory builds a Runner for one agent.
type RunnerFactory func(opts agent.Options) Runner

func defaultFactory(opts agent.Options) Runner {
	return agent.NewNonBlocking(opts)
}

// Deps wires the manager's collaborators.
type Deps struct {
	Config  *config.Config
	Logger  *logger.Logger
	Bus     bus.EventBus
	Store   *store.NetworkStore
	Memory  *store.MemoryStore
	Alloc   *portalloc.Allocator
	Factory RunnerFactory
	// Asker answers ask_user_question tool calls. Optional.
	Asker mcp.UserAsker
	// PermAsker resolves permission prompts that no rule covers. Optional;
	// without it the gate denies unmatched tools.
	PermAsker permission.Asker
	// Runtime backs the tester agent's runtime server. Optional.
	Runtime mcp.AppRuntime
}

// Manager owns the current network and the AgentId to adapter mapping.
// Mutations are serialized; reads return snapshots.
type Manager struct {
	cfg     *config.Config
	logger  *logger.Logger
	bus     bus.EventBus
	stor    *store.NetworkStore
	memory  *store.MemoryStore
	alloc   *portalloc.Allocator
	factory RunnerFactory
	asker   mcp.UserAsker
	runtime mcp.AppRuntime

	permAsker  permission.Asker
	controlURL atomic.Value // string

	mu       sync.Mutex
	current  *store.AgentNetwork
	runners  map[string]Runner
	fleets   map[string]*mcp.Fleet
	tasks    *mcp.TaskList
	gate     *permission.Gate
	settings *store.SettingsStore
}

// NewManager builds an idle manager with no active network.
func NewManager(deps Deps) *Manager {
	if deps.Factory == nil {
		deps.Factory = defaultFactory
	}
	if deps.Alloc == nil {
		deps.Alloc = portalloc.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Config == nil {
		deps.Config = &config.Config{}
	}
	return &Manager{
		cfg:     deps.Config,
		logger:  deps.Logger.WithFields(zap.String("component", "network-manager")),
		bus:     deps.Bus,
		stor:    deps.Store,
		memory:  deps.Memory,
		alloc:   deps.Alloc,
		factory: deps.Factory,
		asker:     deps.Asker,
		permAsker: deps.PermAsker,
		runtime:   deps.Runtime,
		runners: make(map[string]Runner),
		fleets:  make(map[string]*mcp.Fleet),
	}
}

// StartNew creates a network with one main agent, spawns its adapter
// synchronously (the adapter itself initializes in the background) and
// enqueues the initial message. The snapshot persists off the critical path.
func (m *Manager) StartNew(ctx context.Context, initialMessage, workingDirectory string) (store.AgentNetwork, error) {
	now := time.Now().UTC()
	mainAgent := store.AgentMetadata{
		ID:        uuid.New().String(),
		Name:      "Main",
		Type:      agent.TypeMain,
		SpawnedBy: nil,
		Status:    store.StatusWorking,
		CreatedAt: now,
	}
	network := store.AgentNetwork{
		ID:           uuid.New().String(),
		Goal:         nextTaskName(),
		Agents:       []store.AgentMetadata{mainAgent},
		CreatedAt:    now,
		LastActiveAt: now,
		WorktreePath: workingDirectory,
	}

	m.mu.Lock()
	m.closeCurrentLocked(ctx)
	m.current = &network
	m.tasks = mcp.NewTaskList()
	m.newGateLocked()

	if err := m.startAgentLocked(ctx, mainAgent); err != nil {
		m.current = nil
		m.mu.Unlock()
		return store.AgentNetwork{}, err
	}
	runner := m.runners[mainAgent.ID]
	snapshot := *m.current
	m.mu.Unlock()

	m.persistAsync(snapshot)
	m.publish(ctx, events.NetworkCreated, snapshot.ID, map[string]any{
		"networkId":   snapshot.ID,
		"mainAgentId": mainAgent.ID,
	})

	runner.SendMessage(initialMessage)
	return snapshot, nil
}

// Resume reactivates a persisted network: marks it active, persists the
// bumped lastActiveAt and recreates one adapter per agent. Agent statuses
// come back from the persisted metadata.
func (m *Manager) Resume(ctx context.Context, network store.AgentNetwork) error {
	if len(network.Agents) == 0 {
		return errors.BadRequest("network has no agents")
	}

	network.LastActiveAt = time.Now().UTC()

	m.mu.Lock()
	m.closeCurrentLocked(ctx)
	m.current = &network
	m.tasks = mcp.NewTaskList()
	m.newGateLocked()

	g, gctx := errgroup.WithContext(ctx)
	for _, meta := range network.Agents {
		meta := meta
		g.Go(func() error {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.startAgentLocked(gctx, meta)
		})
	}
	snapshot := *m.current
	m.mu.Unlock()

	if err := g.Wait(); err != nil {
		return err
	}

	m.persistAsync(snapshot)
	m.publish(ctx, events.NetworkResumed, snapshot.ID, map[string]any{
		"networkId": snapshot.ID,
	})
	return nil
}

// SpawnAgent adds a new non-main agent to the active network and sends it
// the initial prompt tagged with its spawner.
func (m *Manager) SpawnAgent(ctx context.Context, spawnedBy, agentType, name, initialPrompt string) (string, error) {
	if agentType == agent.TypeMain {
		return "", errors.Forbidden("spawning a main agent is forbidden")
	}
	if !agent.ValidType(agentType) {
		return "", errors.BadRequest("unknown agent type: " + agentType)
	}

	meta := store.AgentMetadata{
		ID:        uuid.New().String(),
		Name:      name,
		Type:      agentType,
		SpawnedBy: &spawnedBy,
		Status:    store.StatusWorking,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return "", errors.BadRequest("no active network")
	}
	if err := m.startAgentLocked(ctx, meta); err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.current.Agents = append(m.current.Agents, meta)
	m.current.LastActiveAt = time.Now().UTC()
	runner := m.runners[meta.ID]
	snapshot := *m.current
	m.mu.Unlock()

	runner.SendMessage(fmt.Sprintf(spawnedByPrefix, spawnedBy) + initialPrompt)

	m.persistAsync(snapshot)
	m.publish(ctx, events.AgentSpawned, snapshot.ID, map[string]any{
		"agentId":   meta.ID,
		"agentType": agentType,
		"spawnedBy": spawnedBy,
	})
	return meta.ID, nil
}

// TerminateAgent aborts the adapter, stops its tool servers and removes the
// agent from the network. The main agent cannot be terminated.
func (m *Manager) TerminateAgent(ctx context.Context, targetID, terminatedBy, reason string) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return errors.BadRequest("no active network")
	}
	meta, ok := m.current.Agent(targetID)
	if !ok {
		m.mu.Unlock()
		return errors.NotFound("agent", targetID)
	}
	if meta.Type == agent.TypeMain {
		m.mu.Unlock()
		return errors.Forbidden("the main agent cannot be terminated")
	}

	runner := m.runners[targetID]
	fleet := m.fleets[targetID]
	delete(m.runners, targetID)
	delete(m.fleets, targetID)
	for i, a := range m.current.Agents {
		if a.ID == targetID {
			m.current.Agents = append(m.current.Agents[:i], m.current.Agents[i+1:]...)
			break
		}
	}
	m.current.LastActiveAt = time.Now().UTC()
	snapshot := *m.current
	m.mu.Unlock()

	if runner != nil {
		runner.Abort()
	}
	if fleet != nil {
		fleet.Stop(ctx)
	}

	m.persistAsync(snapshot)
	m.publish(ctx, events.AgentTerminated, snapshot.ID, map[string]any{
		"agentId":      targetID,
		"terminatedBy": terminatedBy,
		"reason":       reason,
	})
	m.logger.Info("agent terminated",
		zap.String("agent_id", targetID),
		zap.String("terminated_by", terminatedBy),
		zap.String("reason", reason))
	return nil
}

// SendMessage routes a user message to an agent. Unknown agents are a
// logged no-op.
func (m *Manager) SendMessage(agentID, text string) {
	m.mu.Lock()
	runner, ok := m.runners[agentID]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("message for unknown agent dropped", zap.String("agent_id", agentID))
		return
	}
	runner.SendMessage(text)
	if err := m.UpdateAgentStatus(agentID, store.StatusWorking); err != nil {
		m.logger.Debug("could not mark agent working", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// SendMessageToAgent delivers an inter-agent message, fire and forget.
func (m *Manager) SendMessageToAgent(ctx context.Context, targetID, content, sentBy string) error {
	m.mu.Lock()
	runner, ok := m.runners[targetID]
	networkID := ""
	if m.current != nil {
		networkID = m.current.ID
	}
	m.mu.Unlock()
	if !ok {
		return errors.NotFound("agent", targetID)
	}
	runner.SendMessage(fmt.Sprintf(messageFromPrefix, sentBy) + content)
	if err := m.UpdateAgentStatus(targetID, store.StatusWorking); err != nil {
		m.logger.Debug("could not mark agent working", zap.String("agent_id", targetID), zap.Error(err))
	}
	m.publish(ctx, events.AgentMessageRouted, networkID, map[string]any{
		"from": sentBy,
		"to":   targetID,
	})
	return nil
}

// newGateLocked builds the permission gate for the current worktree. Rules
// already granted in the project's settings file carry over, so a pattern a
// user persisted in an earlier session is honored without a fresh prompt.
func (m *Manager) newGateLocked() {
	worktree := m.worktreeLocked()
	m.settings = store.NewSettingsStore(worktree)

	allow := append([]string(nil), m.cfg.Permissions.Allow...)
	deny := append([]string(nil), m.cfg.Permissions.Deny...)
	if perms, err := m.settings.Permissions(); err == nil {
		allow = append(allow, perms.Allow...)
		deny = append(deny, perms.Deny...)
	}

	m.gate = permission.NewGate(allow, deny, m.permAsker, m.settings, worktree, m.logger)
}

// startAgentLocked boots the MCP fleet and the adapter for one agent.
func (m *Manager) startAgentLocked(ctx context.Context, meta store.AgentMetadata) error {
	worktree := m.worktreeLocked()

	fleet := mcp.NewFleet(mcp.FleetForType(meta.Type, meta.ID, worktree, mcp.FleetDeps{
		Alloc:      m.alloc,
		Memory:     m.memory,
		Tasks:      m.tasks,
		Controller: (*controller)(m),
		Asker:      m.asker,
		Runtime:    m.runtime,
		Logger:     m.logger,
	}))
	if err := fleet.Start(ctx); err != nil {
		return fmt.Errorf("start mcp fleet for agent %s: %w", meta.ID, err)
	}

	runner := m.factory(agent.Options{
		AgentID:                meta.ID,
		AgentType:              meta.Type,
		Worktree:               worktree,
		Binary:                 m.cfg.Claude.Binary,
		MCPConfig:              claudecode.MCPConfig{MCPServers: fleet.Config()},
		IncludePartialMessages: m.cfg.Claude.IncludePartialMessages,
		InitTimeout:            m.cfg.Claude.InitTimeoutDuration(),
		ControlURL:             m.ControlURL(),
		Logger:                 m.logger,
	})
	runner.OnTurnComplete(func() { m.handleTurnComplete(meta.ID) })

	m.runners[meta.ID] = runner
	m.fleets[meta.ID] = fleet
	return nil
}

// handleTurnComplete refreshes in-memory token stats and flips the agent to
// idle. Stats reach disk with the next significant write.
func (m *Manager) handleTurnComplete(agentID string) {
	m.mu.Lock()
	runner, ok := m.runners[agentID]
	if !ok || m.current == nil {
		m.mu.Unlock()
		return
	}
	usage := runner.CurrentConversation().TotalUsage
	networkID := m.current.ID
	for i := range m.current.Agents {
		if m.current.Agents[i].ID != agentID {
			continue
		}
		m.current.Agents[i].InputTokens = usage.InputTokens
		m.current.Agents[i].OutputTokens = usage.OutputTokens
		m.current.Agents[i].CacheReadTokens = usage.CacheReadTokens
		m.current.Agents[i].CacheCreationTokens = usage.CacheCreationTokens
		m.current.Agents[i].CostUSD = usage.CostUSD
		m.current.Agents[i].Status = store.StatusIdle
		break
	}
	m.mu.Unlock()

	m.publish(context.Background(), events.AgentTurnCompleted, networkID, map[string]any{
		"agentId": agentID,
	})
}

// UpdateGoal renames the network and persists.
func (m *Manager) UpdateGoal(goal string) error {
	return m.mutateAndPersist(func(n *store.AgentNetwork) error {
		n.Goal = goal
		return nil
	})
}

// UpdateAgentName renames an agent and persists.
func (m *Manager) UpdateAgentName(agentID, name string) error {
	return m.mutateAgent(agentID, func(a *store.AgentMetadata) {
		a.Name = name
	})
}

// UpdateAgentTaskName records an agent's self-assigned task and persists.
func (m *Manager) UpdateAgentTaskName(agentID, taskName string) error {
	return m.mutateAgent(agentID, func(a *store.AgentMetadata) {
		a.TaskName = taskName
	})
}

// UpdateAgentStatus flips an agent's activity status and persists.
func (m *Manager) UpdateAgentStatus(agentID string, status store.AgentStatus) error {
	return m.mutateAgent(agentID, func(a *store.AgentMetadata) {
		a.Status = status
	})
}

// UpdateAgentTokenStats refreshes an agent's counters in memory only; they
// flush on the next significant write.
func (m *Manager) UpdateAgentTokenStats(agentID string, usage conversation.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return errors.BadRequest("no active network")
	}
	for i := range m.current.Agents {
		if m.current.Agents[i].ID == agentID {
			m.current.Agents[i].InputTokens = usage.InputTokens
			m.current.Agents[i].OutputTokens = usage.OutputTokens
			m.current.Agents[i].CacheReadTokens = usage.CacheReadTokens
			m.current.Agents[i].CacheCreationTokens = usage.CacheCreationTokens
			m.current.Agents[i].CostUSD = usage.CostUSD
			return nil
		}
	}
	return errors.NotFound("agent", agentID)
}

// SetWorktreePath repoints the network's working directory and persists.
func (m *Manager) SetWorktreePath(path string) error {
	return m.mutateAndPersist(func(n *store.AgentNetwork) error {
		n.WorktreePath = path
		return nil
	})
}

func (m *Manager) mutateAgent(agentID string, fn func(*store.AgentMetadata)) error {
	return m.mutateAndPersist(func(n *store.AgentNetwork) error {
		for i := range n.Agents {
			if n.Agents[i].ID == agentID {
				fn(&n.Agents[i])
				return nil
			}
		}
		return errors.NotFound("agent", agentID)
	})
}

func (m *Manager) mutateAndPersist(fn func(*store.AgentNetwork) error) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return errors.BadRequest("no active network")
	}
	if err := fn(m.current); err != nil {
		m.mu.Unlock()
		return err
	}
	m.current.LastActiveAt = time.Now().UTC()
	snapshot := *m.current
	m.mu.Unlock()

	m.persistAsync(snapshot)
	return nil
}

// Network returns a copy of the active network.
func (m *Manager) Network() (store.AgentNetwork, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return store.AgentNetwork{}, false
	}
	snapshot := *m.current
	snapshot.Agents = append([]store.AgentMetadata(nil), m.current.Agents...)
	return snapshot, true
}

// Runner returns the adapter for an agent.
func (m *Manager) Runner(agentID string) (Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[agentID]
	return r, ok
}

// SetControlURL records the orchestrator's base URL once the HTTP listener
// is bound; adapters hand it to their kernel subprocess.
func (m *Manager) SetControlURL(url string) {
	m.controlURL.Store(url)
}

// ControlURL returns the recorded base URL, empty before SetControlURL.
func (m *Manager) ControlURL() string {
	if v, ok := m.controlURL.Load().(string); ok {
		return v
	}
	return ""
}

// Gate returns the active network's permission gate.
func (m *Manager) Gate() *permission.Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gate
}

// Close aborts every adapter and stops every tool server.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCurrentLocked(ctx)
	m.current = nil
}

func (m *Manager) closeCurrentLocked(ctx context.Context) {
	for id, runner := range m.runners {
		runner.Abort()
		delete(m.runners, id)
	}
	for id, fleet := range m.fleets {
		fleet.Stop(ctx)
		delete(m.fleets, id)
	}
}

// worktreeLocked resolves the effective working directory.
func (m *Manager) worktreeLocked() string {
	if m.current != nil && m.current.WorktreePath != "" {
		return m.current.WorktreePath
	}
	return ""
}

// persistAsync writes the snapshot off the critical path.
func (m *Manager) persistAsync(snapshot store.AgentNetwork) {
	if m.stor == nil {
		return
	}
	go func() {
		if err := m.stor.Upsert(snapshot); err != nil {
			m.logger.Error("failed to persist network", zap.Error(err))
		}
	}()
}

func (m *Manager) publish(ctx context.Context, eventType, networkID string, data map[string]any) {
	if m.bus == nil {
		return
	}
	subject := events.SubjectNetworks + "." + networkID
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, "network-manager", data)); err != nil {
		m.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// controller adapts the manager to the agent-control tool surface.
type controller Manager

func (c *controller) SpawnAgent(ctx context.Context, callerID, agentType, name, task string) (string, error) {
	return (*Manager)(c).SpawnAgent(ctx, callerID, agentType, name, task)
}

func (c *controller) SendAgentMessage(ctx context.Context, fromID, toID, message string) error {
	return (*Manager)(c).SendMessageToAgent(ctx, toID, message, fromID)
}

func (c *controller) ListAgents(ctx context.Context) ([]mcp.AgentInfo, error) {
	network, ok := (*Manager)(c).Network()
	if !ok {
		return nil, errors.BadRequest("no active network")
	}
	infos := make([]mcp.AgentInfo, len(network.Agents))
	for i, a := range network.Agents {
		infos[i] = mcp.AgentInfo{ID: a.ID, Type: a.Type, Name: a.Name}
	}
	return infos, nil
}
