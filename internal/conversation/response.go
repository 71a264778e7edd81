// Package conversation models the typed response fragments of an agent
// conversation and the assembly rules that turn them into messages.
package conversation

// ResponseKind discriminates the response fragment sum type.
type ResponseKind string

const (
	KindText       ResponseKind = "text"
	KindToolUse    ResponseKind = "tool_use"
	KindToolResult ResponseKind = "tool_result"
	KindStatus     ResponseKind = "status"
	KindMeta       ResponseKind = "meta"
	KindCompletion ResponseKind = "completion"
	KindError      ResponseKind = "error"
	KindUnknown    ResponseKind = "unknown"
)

// Response is one typed fragment of an assistant turn.
type Response interface {
	Kind() ResponseKind
}

// TextResponse is a chunk of assistant (or echoed user) text.
type TextResponse struct {
	Content   string
	Role      string // optional; empty means assistant
	IsPartial bool
}

func (TextResponse) Kind() ResponseKind { return KindText }

// ToolUseResponse is a tool invocation announced by the model.
type ToolUseResponse struct {
	ToolName   string
	ToolUseID  string // optional
	Parameters map[string]any
}

func (ToolUseResponse) Kind() ResponseKind { return KindToolUse }

// ToolResultResponse is the result paired to a prior tool use.
type ToolResultResponse struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (ToolResultResponse) Kind() ResponseKind { return KindToolResult }

// StatusResponse reports backend processing state.
type StatusResponse struct {
	Status  string // ready, processing, thinking, responding, completed, error, unknown
	Message string // optional
}

func (StatusResponse) Kind() ResponseKind { return KindStatus }

// MetaResponse carries informational metadata such as session init.
type MetaResponse struct {
	Data map[string]any
}

func (MetaResponse) Kind() ResponseKind { return KindMeta }

// CompletionResponse marks the end of a turn with token accounting.
type CompletionResponse struct {
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

func (CompletionResponse) Kind() ResponseKind { return KindCompletion }

// ErrorResponse surfaces a backend error.
type ErrorResponse struct {
	Message string
}

func (ErrorResponse) Kind() ResponseKind { return KindError }

// UnknownResponse preserves an event of unrecognized type.
type UnknownResponse struct {
	Raw map[string]any
}

func (UnknownResponse) Kind() ResponseKind { return KindUnknown }

// ToolInvocation pairs a tool use with its result, if any.
type ToolInvocation struct {
	Use       ToolUseResponse
	Result    ToolResultResponse
	HasResult bool
}
