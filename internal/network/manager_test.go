package network

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/portalloc"
	"github.com/agentmesh/agentmesh/internal/conversation"
	"github.com/agentmesh/agentmesh/internal/permission"
	"github.com/agentmesh/agentmesh/internal/store"
)

// fakeRunner records sent messages instead of spawning a child process.
type fakeRunner struct {
	mu       sync.Mutex
	sent     []string
	turnFns  map[int]func()
	nextTurn int
	conv     conversation.Conversation
	aborted  bool
}

func (f *fakeRunner) SendMessage(text string) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
}

func (f *fakeRunner) Subscribe() (<-chan conversation.Conversation, func()) {
	ch := make(chan conversation.Conversation, 1)
	ch <- f.conv
	return ch, func() {}
}

func (f *fakeRunner) OnTurnComplete(fn func()) func() {
	f.mu.Lock()
	id := f.nextTurn
	f.nextTurn++
	f.turnFns[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.turnFns, id)
		f.mu.Unlock()
	}
}

func (f *fakeRunner) CurrentConversation() conversation.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conv
}

func (f *fakeRunner) Abort() {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
}

func (f *fakeRunner) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeRunner) fireTurnComplete() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.turnFns))
	for _, fn := range f.turnFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// runnerRecorder tracks fake runners per agent id.
type runnerRecorder struct {
	mu      sync.Mutex
	runners map[string]*fakeRunner
}

func newRecorder() *runnerRecorder {
	return &runnerRecorder{runners: make(map[string]*fakeRunner)}
}

func (r *runnerRecorder) factory(opts agent.Options) Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := &fakeRunner{conv: conversation.NewConversation(), turnFns: make(map[int]func())}
	r.runners[opts.AgentID] = f
	return f
}

func (r *runnerRecorder) get(agentID string) *fakeRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runners[agentID]
}

func newTestManager(t *testing.T) (*Manager, *runnerRecorder, *store.NetworkStore) {
	t.Helper()
	rec := newRecorder()
	stor := store.NewNetworkStore(t.TempDir(), logger.Default())
	m := NewManager(Deps{
		Config:  &config.Config{},
		Logger:  logger.Default(),
		Store:   stor,
		Alloc:   portalloc.New(),
		Factory: rec.factory,
	})
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, rec, stor
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestStartNewCreatesMainAgentAndSendsInitialMessage(t *testing.T) {
	m, rec, stor := newTestManager(t)

	network, err := m.StartNew(context.Background(), "build the feature", t.TempDir())
	require.NoError(t, err)

	require.Len(t, network.Agents, 1)
	main := network.Agents[0]
	assert.Equal(t, agent.TypeMain, main.Type)
	assert.Nil(t, main.SpawnedBy)
	assert.True(t, strings.HasPrefix(network.Goal, "Task "))
	assert.NotEmpty(t, network.WorktreePath)
	assert.False(t, network.LastActiveAt.Before(network.CreatedAt))

	runner := rec.get(main.ID)
	require.NotNil(t, runner)
	assert.Equal(t, []string{"build the feature"}, runner.sentMessages())

	// persisted in the background
	waitFor(t, func() bool {
		_, found, _ := stor.Get(network.ID)
		return found
	})
}

func TestStartNewGoalsAreMonotonic(t *testing.T) {
	m, _, _ := newTestManager(t)
	first, err := m.StartNew(context.Background(), "a", t.TempDir())
	require.NoError(t, err)
	second, err := m.StartNew(context.Background(), "b", t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, first.Goal, second.Goal)
}

func TestSpawnAgentPrefixesPrompt(t *testing.T) {
	m, rec, _ := newTestManager(t)
	network, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)
	mainID := network.Agents[0].ID

	subID, err := m.SpawnAgent(context.Background(), mainID, agent.TypeImplementation, "Impl", "write the code")
	require.NoError(t, err)

	sub := rec.get(subID)
	require.NotNil(t, sub)
	msgs := sub.sentMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "[SPAWNED BY AGENT: "+mainID+"]\n\nwrite the code", msgs[0])

	current, ok := m.Network()
	require.True(t, ok)
	require.Len(t, current.Agents, 2)
	assert.Equal(t, agent.TypeMain, current.Agents[0].Type)
	require.NotNil(t, current.Agents[1].SpawnedBy)
	assert.Equal(t, mainID, *current.Agents[1].SpawnedBy)
}

func TestSpawnMainIsForbidden(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)

	_, err = m.SpawnAgent(context.Background(), "caller", agent.TypeMain, "Evil", "x")
	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.ErrCodeForbidden, appErr.Code)
}

func TestSpawnUnknownTypeRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)

	_, err = m.SpawnAgent(context.Background(), "caller", "wizard", "W", "x")
	assert.True(t, errors.IsBadRequest(err))
}

func TestTerminateAgent(t *testing.T) {
	m, rec, _ := newTestManager(t)
	network, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)
	mainID := network.Agents[0].ID

	subID, err := m.SpawnAgent(context.Background(), mainID, agent.TypePlanning, "Planner", "plan")
	require.NoError(t, err)

	require.NoError(t, m.TerminateAgent(context.Background(), subID, mainID, "done"))
	assert.True(t, rec.get(subID).aborted)

	current, _ := m.Network()
	assert.Len(t, current.Agents, 1)

	// second termination of a removed agent errors
	err = m.TerminateAgent(context.Background(), subID, mainID, "again")
	assert.True(t, errors.IsNotFound(err))
}

func TestTerminateMainForbidden(t *testing.T) {
	m, _, _ := newTestManager(t)
	network, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)

	err = m.TerminateAgent(context.Background(), network.Agents[0].ID, "someone", "")
	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.ErrCodeForbidden, appErr.Code)
}

func TestSendMessageToAgentPrefixes(t *testing.T) {
	m, rec, _ := newTestManager(t)
	network, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)
	mainID := network.Agents[0].ID

	subID, err := m.SpawnAgent(context.Background(), mainID, agent.TypeImplementation, "Impl", "start")
	require.NoError(t, err)

	require.NoError(t, m.SendMessageToAgent(context.Background(), subID, "status?", mainID))
	msgs := rec.get(subID).sentMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "[MESSAGE FROM AGENT: "+mainID+"]\n\nstatus?", msgs[1])

	// missing target fails
	err = m.SendMessageToAgent(context.Background(), "nope", "x", mainID)
	assert.True(t, errors.IsNotFound(err))
}

func TestSendMessageUnknownAgentIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)
	m.SendMessage("ghost", "hello") // must not panic
}

func TestFieldMutationsPersist(t *testing.T) {
	m, _, stor := newTestManager(t)
	network, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)
	mainID := network.Agents[0].ID

	require.NoError(t, m.UpdateGoal("refactor the parser"))
	require.NoError(t, m.UpdateAgentName(mainID, "Coordinator"))
	require.NoError(t, m.UpdateAgentTaskName(mainID, "coordination"))

	waitFor(t, func() bool {
		persisted, found, _ := stor.Get(network.ID)
		return found && persisted.Goal == "refactor the parser" &&
			persisted.Agents[0].Name == "Coordinator" &&
			persisted.Agents[0].TaskName == "coordination"
	})
}

func TestTokenStatsStayInMemoryUntilSignificantWrite(t *testing.T) {
	m, _, stor := newTestManager(t)
	network, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)
	mainID := network.Agents[0].ID

	waitFor(t, func() bool {
		_, found, _ := stor.Get(network.ID)
		return found
	})

	require.NoError(t, m.UpdateAgentTokenStats(mainID, conversation.TokenUsage{InputTokens: 999}))

	current, _ := m.Network()
	assert.Equal(t, int64(999), current.Agents[0].InputTokens)

	// the stats flush with the next significant write
	require.NoError(t, m.UpdateGoal("flush now"))
	waitFor(t, func() bool {
		persisted, found, _ := stor.Get(network.ID)
		return found && persisted.Agents[0].InputTokens == 999
	})
}

func TestTurnCompleteUpdatesStats(t *testing.T) {
	m, rec, _ := newTestManager(t)
	network, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)
	mainID := network.Agents[0].ID

	runner := rec.get(mainID)
	runner.mu.Lock()
	runner.conv = runner.conv.WithUsageAdded(conversation.TokenUsage{InputTokens: 50, OutputTokens: 20})
	runner.mu.Unlock()

	runner.fireTurnComplete()

	waitFor(t, func() bool {
		current, _ := m.Network()
		return current.Agents[0].InputTokens == 50 &&
			current.Agents[0].Status == store.StatusIdle
	})
}

func TestMessageDeliveryMarksAgentWorking(t *testing.T) {
	m, rec, _ := newTestManager(t)
	network, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)
	mainID := network.Agents[0].ID

	rec.get(mainID).fireTurnComplete()
	waitFor(t, func() bool {
		current, _ := m.Network()
		return current.Agents[0].Status == store.StatusIdle
	})

	m.SendMessage(mainID, "more work")
	current, _ := m.Network()
	assert.Equal(t, store.StatusWorking, current.Agents[0].Status)

	subID, err := m.SpawnAgent(context.Background(), mainID, agent.TypeImplementation, "Impl", "start")
	require.NoError(t, err)
	rec.get(subID).fireTurnComplete()
	waitFor(t, func() bool {
		current, _ := m.Network()
		a, _ := current.Agent(subID)
		return a.Status == store.StatusIdle
	})

	require.NoError(t, m.SendMessageToAgent(context.Background(), subID, "status?", mainID))
	current, _ = m.Network()
	a, _ := current.Agent(subID)
	assert.Equal(t, store.StatusWorking, a.Status)
}

func TestGateSeededFromProjectSettings(t *testing.T) {
	m, _, _ := newTestManager(t)

	worktree := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(worktree, ".claude"), 0o755))
	settings := `{"permissions":{"allow":["Read"],"deny":["WebFetch"],"ask":[]}}`
	require.NoError(t, os.WriteFile(
		filepath.Join(worktree, ".claude", "settings.local.json"), []byte(settings), 0o644))

	network, err := m.StartNew(context.Background(), "go", worktree)
	require.NoError(t, err)
	mainID := network.Agents[0].ID

	gate := m.Gate()
	require.NotNil(t, gate)

	resp, err := gate.Decide(context.Background(),
		permission.NewRequest("Read", map[string]any{"file_path": "/tmp/x"}, mainID, worktree))
	require.NoError(t, err)
	assert.Equal(t, permission.BehaviorAllow, resp.Behavior)

	resp, err = gate.Decide(context.Background(),
		permission.NewRequest("WebFetch", map[string]any{"url": "https://example.com"}, mainID, worktree))
	require.NoError(t, err)
	assert.Equal(t, permission.BehaviorDeny, resp.Behavior)
}

func TestResumeRecreatesAdapters(t *testing.T) {
	m, _, stor := newTestManager(t)
	network, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)
	mainID := network.Agents[0].ID
	subID, err := m.SpawnAgent(context.Background(), mainID, agent.TypePlanning, "Planner", "plan")
	require.NoError(t, err)

	waitFor(t, func() bool {
		persisted, found, _ := stor.Get(network.ID)
		return found && len(persisted.Agents) == 2
	})
	persisted, _, err := stor.Get(network.ID)
	require.NoError(t, err)

	// a fresh manager resumes the persisted network
	rec2 := newRecorder()
	m2 := NewManager(Deps{
		Config:  &config.Config{},
		Logger:  logger.Default(),
		Store:   stor,
		Alloc:   portalloc.New(),
		Factory: rec2.factory,
	})
	t.Cleanup(func() { m2.Close(context.Background()) })

	require.NoError(t, m2.Resume(context.Background(), persisted))
	assert.NotNil(t, rec2.get(mainID))
	assert.NotNil(t, rec2.get(subID))

	current, ok := m2.Network()
	require.True(t, ok)
	assert.False(t, current.LastActiveAt.Before(persisted.CreatedAt))
}

func TestCacheResolve(t *testing.T) {
	m, _, stor := newTestManager(t)
	cache := NewCache(m, stor, logger.Default())

	network, err := m.StartNew(context.Background(), "go", t.TempDir())
	require.NoError(t, err)
	cache.Put(network)

	// active network resolves without resuming
	resolved, wasResumed, err := cache.Resolve(context.Background(), network.ID)
	require.NoError(t, err)
	assert.False(t, wasResumed)
	assert.Equal(t, network.ID, resolved.ID)

	// unknown id is a not-found
	_, _, err = cache.Resolve(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestCacheResolveResumesInactiveNetwork(t *testing.T) {
	m, _, stor := newTestManager(t)
	cache := NewCache(m, stor, logger.Default())

	first, err := m.StartNew(context.Background(), "first", t.TempDir())
	require.NoError(t, err)
	waitFor(t, func() bool {
		_, found, _ := stor.Get(first.ID)
		return found
	})

	// starting a second network displaces the first
	second, err := m.StartNew(context.Background(), "second", t.TempDir())
	require.NoError(t, err)
	current, _ := m.Network()
	require.Equal(t, second.ID, current.ID)

	resolved, wasResumed, err := cache.Resolve(context.Background(), first.ID)
	require.NoError(t, err)
	assert.True(t, wasResumed)
	assert.Equal(t, first.ID, resolved.ID)

	current, _ = m.Network()
	assert.Equal(t, first.ID, current.ID)
}
