// Package claudecode provides types and a client for the Claude CLI
// stream-json protocol: newline-delimited JSON over stdin/stdout.
package claudecode

import "encoding/json"

// Message types emitted by the CLI on stdout.
const (
	// MessageTypeText is a plain text chunk
	MessageTypeText = "text"
	// MessageTypeMessage is an alternate form of a plain text chunk
	MessageTypeMessage = "message"
	// MessageTypeAssistant carries assistant content blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeToolUse is a standalone tool invocation event
	MessageTypeToolUse = "tool_use"
	// MessageTypeUser carries tool results echoed back as user content
	MessageTypeUser = "user"
	// MessageTypeError is an error event
	MessageTypeError = "error"
	// MessageTypeStatus is a processing status update
	MessageTypeStatus = "status"
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeResult is the final per-turn result message
	MessageTypeResult = "result"
	// MessageTypeMeta is an informational metadata event
	MessageTypeMeta = "meta"
	// MessageTypeCompletion is an explicit completion event
	MessageTypeCompletion = "completion"
)

// System message subtypes.
const (
	SubtypeInit = "init"
)

// Status values carried by status messages.
const (
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusThinking   = "thinking"
	StatusResponding = "responding"
	StatusCompleted  = "completed"
	StatusError      = "error"
	StatusUnknown    = "unknown"
)

// CLIMessage represents one line of CLI stdout. The message type determines
// which fields are populated.
type CLIMessage struct {
	Type string `json:"type"`

	// For text/message events; either field may carry the content
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`

	// For assistant and user messages
	Message *MessageBody `json:"message,omitempty"`

	// For standalone tool_use events
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`

	// For status events
	Status string `json:"status,omitempty"`

	// For error events
	Error string `json:"error,omitempty"`

	// For result/completion events
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
	IsError      bool   `json:"is_error,omitempty"`

	// Raw holds the original line so unknown event types survive intact.
	Raw json.RawMessage `json:"-"`
}

// MessageBody is the nested message object of assistant and user events.
type MessageBody struct {
	Role       string         `json:"role,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content may be a string or a block list.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result content payload to a string.
// The CLI emits either a bare string or a list of text blocks.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var out string
		for _, blk := range blocks {
			if blk.Type == "text" {
				out += blk.Text
			}
		}
		return out
	}
	return string(b.Content)
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// UserMessage is sent on stdin to provide a prompt to the CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// MCPServerEntry is one server in the --mcp-config JSON.
type MCPServerEntry struct {
	Type    string   `json:"type"`              // "http" or "stdio"
	URL     string   `json:"url,omitempty"`     // for http
	Command string   `json:"command,omitempty"` // for stdio
	Args    []string `json:"args,omitempty"`
}

// MCPConfig is the value passed to --mcp-config.
type MCPConfig struct {
	MCPServers map[string]MCPServerEntry `json:"mcpServers"`
}
