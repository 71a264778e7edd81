package permission

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// SettingsWriter persists allow rules to the project-local settings file.
type SettingsWriter interface {
	AddToAllowList(pattern string) error
}

// writeTools are the tools whose allow decisions are never persisted to
// disk; a remembered click must not broadly unlock write access.
var writeTools = map[string]bool{
	"Write":     true,
	"Edit":      true,
	"MultiEdit": true,
}

// Gate decides tool invocations for one network. Rule evaluation order is
// deny list, then allow list (static, persisted and session-cached), then
// the UI-provided asker.
type Gate struct {
	deny  []Rule
	allow []Rule

	mu      sync.RWMutex
	session []Rule

	asker    Asker
	settings SettingsWriter
	worktree string
	logger   *logger.Logger
}

// NewGate builds a gate from pattern lists.
func NewGate(allow, deny []string, asker Asker, settings SettingsWriter, worktree string, log *logger.Logger) *Gate {
	return &Gate{
		deny:     ParseRules(deny),
		allow:    ParseRules(allow),
		asker:    asker,
		settings: settings,
		worktree: worktree,
		logger:   log.WithFields(zap.String("component", "permission-gate")),
	}
}

// SetAsker replaces the asker. The UI layer installs its own at attach time.
func (g *Gate) SetAsker(asker Asker) {
	g.mu.Lock()
	g.asker = asker
	g.mu.Unlock()
}

// Decide resolves one permission request. Multiple Decide calls may be
// outstanding concurrently; each suspends independently on the asker.
func (g *Gate) Decide(ctx context.Context, req Request) (Response, error) {
	arg := PrimaryArg(req.ToolName, req.Parameters)

	if MatchesAny(g.deny, req.ToolName, arg) {
		g.logger.Info("tool denied by rule",
			zap.String("tool", req.ToolName),
			zap.String("agent_id", req.AgentID))
		return Deny("matched deny rule"), nil
	}

	if g.allowed(req.ToolName, arg) {
		return Allow(ScopeOnce), nil
	}

	g.mu.RLock()
	asker := g.asker
	g.mu.RUnlock()
	if asker == nil {
		g.logger.Warn("no asker configured, denying tool",
			zap.String("tool", req.ToolName))
		return Deny("no permission asker configured"), nil
	}

	resp, err := asker.Ask(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if resp.Behavior == BehaviorAllow {
		g.remember(req, resp)
	}
	return resp, nil
}

// allowed checks the static and session allow rules. Shell commands must
// have every pipeline sub-command covered.
func (g *Gate) allowed(toolName, arg string) bool {
	g.mu.RLock()
	rules := make([]Rule, 0, len(g.allow)+len(g.session))
	rules = append(rules, g.allow...)
	rules = append(rules, g.session...)
	g.mu.RUnlock()

	if toolName == "Bash" {
		return ShellAllowed(rules, arg, g.worktree)
	}
	return MatchesAny(rules, toolName, arg)
}

// remember applies an allow decision's scope. Session-scope rules are cached
// in memory; persistent rules additionally go to the settings file, except
// for write tools which are held to session scope.
func (g *Gate) remember(req Request, resp Response) {
	if resp.Scope == ScopeOnce || resp.Scope == "" {
		return
	}

	pattern := resp.Pattern
	if pattern == "" {
		pattern = DeriveRule(req)
	}

	g.mu.Lock()
	g.session = append(g.session, ParseRule(pattern))
	g.mu.Unlock()

	if resp.Scope != ScopePersistent {
		return
	}
	if writeTools[req.ToolName] {
		g.logger.Info("write-tool allow kept at session scope",
			zap.String("tool", req.ToolName),
			zap.String("pattern", pattern))
		return
	}
	if g.settings == nil {
		return
	}
	if err := g.settings.AddToAllowList(pattern); err != nil {
		g.logger.Error("failed to persist allow rule",
			zap.String("pattern", pattern),
			zap.Error(err))
	}
}

// SessionRules returns a snapshot of the session-cached rules.
func (g *Gate) SessionRules() []Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Rule, len(g.session))
	copy(out, g.session)
	return out
}
