// Package permission implements the tool-call permission gate: every tool
// invocation is matched against allow/deny rule lists and otherwise resolved
// asynchronously through a UI-provided asker.
package permission

import (
	"context"

	"github.com/google/uuid"
)

// Scope controls how long an allow decision lasts.
type Scope string

const (
	// ScopeOnce applies to a single invocation.
	ScopeOnce Scope = "once"
	// ScopeSession is cached in-process until the network is destroyed.
	ScopeSession Scope = "session"
	// ScopePersistent is written to the project-local settings file.
	ScopePersistent Scope = "persistent"
)

// Behavior is the outcome of a permission decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
	BehaviorAsk   Behavior = "ask"
)

// Request describes one tool invocation awaiting a decision.
type Request struct {
	ID         string         `json:"id"`
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters"`
	AgentID    string         `json:"agentId"`
	CWD        string         `json:"cwd"`
}

// NewRequest builds a Request with a fresh id.
func NewRequest(toolName string, parameters map[string]any, agentID, cwd string) Request {
	return Request{
		ID:         uuid.New().String(),
		ToolName:   toolName,
		Parameters: parameters,
		AgentID:    agentID,
		CWD:        cwd,
	}
}

// Response is a decision for one Request.
type Response struct {
	Behavior Behavior `json:"behavior"`
	Scope    Scope    `json:"scope,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	// Pattern optionally names the rule to cache or persist for allow
	// decisions with session or persistent scope. When empty the gate
	// derives one from the request.
	Pattern string `json:"pattern,omitempty"`
}

// Allow builds an allow response with the given scope.
func Allow(scope Scope) Response {
	return Response{Behavior: BehaviorAllow, Scope: scope}
}

// Deny builds a deny response with a reason.
func Deny(reason string) Response {
	return Response{Behavior: BehaviorDeny, Reason: reason}
}

// Asker resolves requests that match neither rule list. Implementations may
// block until a user responds; the gate calls Ask from the requesting
// goroutine, so multiple asks can be outstanding concurrently.
type Asker interface {
	Ask(ctx context.Context, req Request) (Response, error)
}

// AskerFunc adapts a function to the Asker interface.
type AskerFunc func(ctx context.Context, req Request) (Response, error)

// Ask implements Asker.
func (f AskerFunc) Ask(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
