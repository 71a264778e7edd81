package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	mcpcore "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/portalloc"
)

// taskState values accepted by update_task.
var taskStates = map[string]bool{
	"not_started": true,
	"in_progress": true,
	"completed":   true,
	"cancelled":   true,
}

type trackedTask struct {
	ID          string
	Title       string
	Description string
	State       string
}

// TaskList is the in-memory task board shared by the agents of one network.
// Each agent's task-management server operates on the same board.
type TaskList struct {
	mu    sync.Mutex
	tasks []*trackedTask
}

// NewTaskList builds an empty shared task board.
func NewTaskList() *TaskList {
	return &TaskList{}
}

func (l *TaskList) create(title, description string) *trackedTask {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &trackedTask{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		State:       "not_started",
	}
	l.tasks = append(l.tasks, t)
	return t
}

func (l *TaskList) update(id, title, description, state string) (*trackedTask, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks {
		if t.ID != id {
			continue
		}
		if title != "" {
			t.Title = title
		}
		if description != "" {
			t.Description = description
		}
		if state != "" {
			t.State = state
		}
		copied := *t
		return &copied, true
	}
	return nil, false
}

func (l *TaskList) snapshot() []trackedTask {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]trackedTask, len(l.tasks))
	for i, t := range l.tasks {
		out[i] = *t
	}
	return out
}

// NewTaskServer exposes the shared task board to one agent.
func NewTaskServer(list *TaskList, alloc *portalloc.Allocator, log *logger.Logger) *HTTPServer {
	tools := []mcpserver.ServerTool{
		{
			Tool: mcpcore.NewTool("create_task",
				mcpcore.WithDescription("Create a task on the shared board"),
				mcpcore.WithString("title",
					mcpcore.Required(),
					mcpcore.Description("The task title"),
				),
				mcpcore.WithString("description",
					mcpcore.Description("The task description (optional)"),
				),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				title, err := req.RequireString("title")
				if err != nil {
					return mcpcore.NewToolResultError(err.Error()), nil
				}
				t := list.create(title, req.GetString("description", ""))
				return mcpcore.NewToolResultText("created task " + t.ID), nil
			},
		},
		{
			Tool: mcpcore.NewTool("update_task",
				mcpcore.WithDescription("Update a task's title, description or state"),
				mcpcore.WithString("task_id",
					mcpcore.Required(),
					mcpcore.Description("The task ID to update"),
				),
				mcpcore.WithString("title",
					mcpcore.Description("New title (optional)"),
				),
				mcpcore.WithString("description",
					mcpcore.Description("New description (optional)"),
				),
				mcpcore.WithString("state",
					mcpcore.Description("New state: not_started, in_progress, completed, cancelled (optional)"),
				),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				id, err := req.RequireString("task_id")
				if err != nil {
					return mcpcore.NewToolResultError(err.Error()), nil
				}
				state := req.GetString("state", "")
				if state != "" && !taskStates[state] {
					return mcpcore.NewToolResultError("invalid state: " + state), nil
				}
				t, ok := list.update(id, req.GetString("title", ""), req.GetString("description", ""), state)
				if !ok {
					return mcpcore.NewToolResultError("task not found: " + id), nil
				}
				return mcpcore.NewToolResultText(fmt.Sprintf("updated task %s (%s)", t.ID, t.State)), nil
			},
		},
		{
			Tool: mcpcore.NewTool("list_tasks",
				mcpcore.WithDescription("List all tasks on the shared board"),
			),
			Handler: func(ctx context.Context, req mcpcore.CallToolRequest) (*mcpcore.CallToolResult, error) {
				tasks := list.snapshot()
				if len(tasks) == 0 {
					return mcpcore.NewToolResultText("(no tasks)"), nil
				}
				var b strings.Builder
				for _, t := range tasks {
					fmt.Fprintf(&b, "[%s] %s: %s\n", t.State, t.ID, t.Title)
				}
				return mcpcore.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
			},
		},
	}
	return NewHTTPServer("task-management", tools, alloc, log)
}
