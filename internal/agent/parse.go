package agent

import (
	"encoding/json"
	"strings"

	"github.com/agentmesh/agentmesh/internal/conversation"
	"github.com/agentmesh/agentmesh/pkg/claudecode"
)

// knownStatuses are the status values passed through unchanged; anything
// else normalizes to unknown.
var knownStatuses = map[string]bool{
	claudecode.StatusReady:      true,
	claudecode.StatusProcessing: true,
	claudecode.StatusThinking:   true,
	claudecode.StatusResponding: true,
	claudecode.StatusCompleted:  true,
	claudecode.StatusError:      true,
}

// ParseResponses converts one CLI stdout event into typed conversation
// fragments. String content is entity-decoded in a single pass.
func ParseResponses(msg *claudecode.CLIMessage) []conversation.Response {
	switch msg.Type {
	case claudecode.MessageTypeText, claudecode.MessageTypeMessage:
		content := msg.Content
		if content == "" {
			content = msg.Text
		}
		return []conversation.Response{conversation.TextResponse{
			Content:   conversation.DecodeEntities(content),
			Role:      "assistant",
			IsPartial: true,
		}}

	case claudecode.MessageTypeAssistant:
		return parseAssistant(msg)

	case claudecode.MessageTypeToolUse:
		return []conversation.Response{conversation.ToolUseResponse{
			ToolName:   msg.ToolName,
			ToolUseID:  msg.ToolUseID,
			Parameters: msg.Input,
		}}

	case claudecode.MessageTypeUser:
		return parseToolResults(msg)

	case claudecode.MessageTypeError:
		text := msg.Error
		if text == "" {
			text = msg.Content
		}
		return []conversation.Response{conversation.ErrorResponse{
			Message: conversation.DecodeEntities(text),
		}}

	case claudecode.MessageTypeStatus:
		status := msg.Status
		if !knownStatuses[status] {
			status = claudecode.StatusUnknown
		}
		return []conversation.Response{conversation.StatusResponse{
			Status:  status,
			Message: conversation.DecodeEntities(msg.Content),
		}}

	case claudecode.MessageTypeSystem:
		if msg.Subtype == claudecode.SubtypeInit {
			return []conversation.Response{conversation.MetaResponse{Data: rawMap(msg)}}
		}
		return []conversation.Response{conversation.StatusResponse{
			Status:  claudecode.StatusUnknown,
			Message: msg.Subtype,
		}}

	case claudecode.MessageTypeResult, claudecode.MessageTypeCompletion:
		return []conversation.Response{completionFrom(msg)}

	case claudecode.MessageTypeMeta:
		return []conversation.Response{conversation.MetaResponse{Data: rawMap(msg)}}

	default:
		return []conversation.Response{conversation.UnknownResponse{Raw: rawMap(msg)}}
	}
}

// parseAssistant handles nested content blocks. A tool_use block wins over
// text; otherwise the text items concatenate into one fragment.
func parseAssistant(msg *claudecode.CLIMessage) []conversation.Response {
	if msg.Message == nil {
		return nil
	}
	for _, block := range msg.Message.Content {
		if block.Type == "tool_use" {
			return []conversation.Response{conversation.ToolUseResponse{
				ToolName:   block.Name,
				ToolUseID:  block.ID,
				Parameters: block.Input,
			}}
		}
	}
	var b strings.Builder
	for _, block := range msg.Message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	return []conversation.Response{conversation.TextResponse{
		Content:   conversation.DecodeEntities(b.String()),
		Role:      "assistant",
		IsPartial: false,
	}}
}

// parseToolResults extracts tool_result blocks from a user event.
func parseToolResults(msg *claudecode.CLIMessage) []conversation.Response {
	if msg.Message == nil {
		return nil
	}
	var out []conversation.Response
	for i := range msg.Message.Content {
		block := &msg.Message.Content[i]
		if block.Type != "tool_result" {
			continue
		}
		out = append(out, conversation.ToolResultResponse{
			ToolUseID: block.ToolUseID,
			Content:   conversation.DecodeEntities(block.ResultText()),
			IsError:   block.IsError,
		})
	}
	return out
}

// completionFrom builds a CompletionResponse, preferring top-level token
// counts and falling back to the nested usage object.
func completionFrom(msg *claudecode.CLIMessage) conversation.CompletionResponse {
	resp := conversation.CompletionResponse{
		StopReason:   msg.StopReason,
		InputTokens:  msg.InputTokens,
		OutputTokens: msg.OutputTokens,
	}
	if resp.InputTokens == 0 && resp.OutputTokens == 0 && msg.Message != nil && msg.Message.Usage != nil {
		resp.InputTokens = msg.Message.Usage.InputTokens
		resp.OutputTokens = msg.Message.Usage.OutputTokens
	}
	return resp
}

// rawMap decodes the original line into a generic map for meta and unknown
// fragments.
func rawMap(msg *claudecode.CLIMessage) map[string]any {
	var m map[string]any
	if len(msg.Raw) > 0 {
		_ = json.Unmarshal(msg.Raw, &m)
	}
	return m
}
