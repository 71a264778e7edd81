package mcp

import (
	"context"
	"fmt"

	mcpcore "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/portalloc"
)

// UserAsker delivers a clarifying question to the operator and blocks until
// an answer arrives. The UI layer provides the implementation.
type UserAsker interface {
	AskUser(ctx context.Context, agentID, prompt string, options []string) (string, error)
}

// UserAskerFunc adapts a function to the UserAsker interface.
type UserAskerFunc func(ctx context.Context, agentID, prompt string, options []string) (string, error)

func (f UserAskerFunc) AskUser(ctx context.Context, agentID, prompt string, options []string) (string, error) {
	return f(ctx, agentID, prompt, options)
}

// NewAskUserServer exposes the ask_user_question tool for one agent.
func NewAskUserServer(agentID string, asker UserAsker, alloc *portalloc.Allocator, log *logger.Logger) *HTTPServer {
	tools := []mcpserver.ServerTool{
		{
			Tool: mcpcore.NewTool("ask_user_question",
				mcpcore.WithDescription(
					"Ask the user a clarifying question when you need more information to proceed. "+
						"Provide 2-4 options for the user to choose from; users can also answer with custom text. "+
						"Returns the user's answer.",
				),
				mcpcore.WithString("prompt",
					mcpcore.Required(),
					mcpcore.Description("The question to ask the user"),
				),
				mcpcore.WithArray("options",
					mcpcore.Description("2-4 short options for the user to choose from"),
				),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				prompt, err := req.RequireString("prompt")
				if err != nil {
					return mcpcore.NewToolResultError(err.Error()), nil
				}
				var options []string
				if raw, ok := req.GetArguments()["options"].([]any); ok {
					for _, v := range raw {
						if s, ok := v.(string); ok && s != "" {
							options = append(options, s)
						}
					}
				}
				answer, err := asker.AskUser(ctx, agentID, prompt, options)
				if err != nil {
					return mcpcore.NewToolResultError(fmt.Sprintf("failed to ask user: %v", err)), nil
				}
				return mcpcore.NewToolResultText(answer), nil
			},
		},
	}
	return NewHTTPServer("ask-user-question", tools, alloc, log)
}
