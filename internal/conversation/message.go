package conversation

import (
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TokenUsage holds per-message token accounting.
type TokenUsage struct {
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheReadTokens     int64   `json:"cacheReadTokens"`
	CacheCreationTokens int64   `json:"cacheCreationTokens"`
	CostUSD             float64 `json:"costUSD"`
}

// Message is one entry in a conversation. Messages are treated as values:
// mutation helpers return a new Message carrying the same ID.
type Message struct {
	ID          string
	Role        Role
	Timestamp   time.Time
	Content     string
	Responses   []Response
	IsStreaming bool
	IsComplete  bool
	TokenUsage  *TokenUsage
}

// NewUserMessage builds a complete user message.
func NewUserMessage(id, content string) Message {
	return Message{
		ID:         id,
		Role:       RoleUser,
		Timestamp:  time.Now().UTC(),
		Content:    content,
		IsComplete: true,
	}
}

// NewStreamingAssistantMessage builds an empty assistant message that is
// still receiving fragments.
func NewStreamingAssistantMessage(id string) Message {
	return Message{
		ID:          id,
		Role:        RoleAssistant,
		Timestamp:   time.Now().UTC(),
		IsStreaming: true,
	}
}

// WithResponse returns a copy of the message with the fragment appended and
// derived fields (content, token usage) recomputed.
func (m Message) WithResponse(r Response) Message {
	responses := make([]Response, len(m.Responses), len(m.Responses)+1)
	copy(responses, m.Responses)
	responses = append(responses, r)

	next := m
	next.Responses = responses
	next.Content = AssembleContent(responses)
	if usage := CompletionUsage(responses); usage != nil {
		next.TokenUsage = usage
	}
	return next
}

// Completed returns a copy of the message marked complete and not streaming.
func (m Message) Completed() Message {
	next := m
	next.IsStreaming = false
	next.IsComplete = true
	return next
}

// ToolInvocations pairs tool-use fragments with their results by toolUseId,
// in declaration order. An unpaired use yields HasResult == false, which is
// legal only while the message is still streaming.
func (m Message) ToolInvocations() []ToolInvocation {
	var invocations []ToolInvocation
	results := make(map[string]ToolResultResponse)
	for _, r := range m.Responses {
		if res, ok := r.(ToolResultResponse); ok {
			results[res.ToolUseID] = res
		}
	}
	for _, r := range m.Responses {
		use, ok := r.(ToolUseResponse)
		if !ok {
			continue
		}
		inv := ToolInvocation{Use: use}
		if res, ok := results[use.ToolUseID]; ok && use.ToolUseID != "" {
			inv.Result = res
			inv.HasResult = true
		}
		invocations = append(invocations, inv)
	}
	return invocations
}

// AssembleContent concatenates the text fragments in order.
func AssembleContent(responses []Response) string {
	var b []byte
	for _, r := range responses {
		if t, ok := r.(TextResponse); ok {
			b = append(b, t.Content...)
		}
	}
	return string(b)
}

// CompletionUsage returns the token usage of the first completion fragment,
// or nil if the turn has not completed.
func CompletionUsage(responses []Response) *TokenUsage {
	for _, r := range responses {
		if c, ok := r.(CompletionResponse); ok {
			return &TokenUsage{
				InputTokens:  c.InputTokens,
				OutputTokens: c.OutputTokens,
			}
		}
	}
	return nil
}
