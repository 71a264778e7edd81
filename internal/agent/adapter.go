package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/conversation"
	"github.com/agentmesh/agentmesh/pkg/claudecode"
)

// Options configures one adapter instance.
type Options struct {
	AgentID   string
	AgentType string
	// Worktree is the child's working directory. Empty means inherit.
	Worktree string
	// Binary is resolved from PATH. Defaults to "claude".
	Binary string
	// MCPConfig lists the agent's tool servers. The adapter adds the stdio
	// kernel server entry itself.
	MCPConfig claudecode.MCPConfig
	// IncludePartialMessages turns on incremental delta events.
	IncludePartialMessages bool
	// InitTimeout bounds the wait for the CLI's init event before queued
	// messages are flushed anyway. Defaults to 30s.
	InitTimeout time.Duration
	// ControlURL is the orchestrator's base URL, handed to the stdio kernel
	// subprocess so permission prompts can reach the gate. Empty disables
	// the prompt tool and the gate fails closed.
	ControlURL string
	Logger     *logger.Logger
}

// Attachment augments an outgoing message.
type Attachment struct {
	Type string // "file", "image" or "document"
	// Path for file attachments.
	Path string
	// Data holds base64 image bytes or inline document text.
	Data string
}

// Adapter owns one Claude CLI child process. It exposes a non-blocking send
// API and a replay-on-subscribe stream of conversation snapshots.
type Adapter struct {
	opts   Options
	logger *logger.Logger

	mu          sync.Mutex
	conv        conversation.Conversation
	queued      []string
	ready       bool
	closed      bool
	aborted     bool
	turnActive  bool
	subscribers map[int]chan conversation.Conversation
	nextSubID   int
	turnFns     map[int]func()
	nextTurnID  int

	client *claudecode.Client
	cmd    *exec.Cmd
	cancel context.CancelFunc

	readyCh  chan struct{}
	closedCh chan struct{}
}

// NewNonBlocking returns an adapter that is usable immediately. Messages
// sent before the child is ready are queued and flushed in order.
func NewNonBlocking(opts Options) *Adapter {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}

	a := &Adapter{
		opts:        opts,
		logger:      opts.Logger.WithAgentID(opts.AgentID),
		conv:        conversation.NewConversation(),
		subscribers: make(map[int]chan conversation.Conversation),
		turnFns:     make(map[int]func()),
		readyCh:     make(chan struct{}),
		closedCh:    make(chan struct{}),
	}
	go a.launch()
	return a
}

// Create builds an adapter and waits for the child to become ready.
func Create(ctx context.Context, opts Options) (*Adapter, error) {
	a := NewNonBlocking(opts)
	select {
	case <-a.readyCh:
		return a, nil
	case <-a.closedCh:
		return nil, fmt.Errorf("agent %s failed to start", opts.AgentID)
	case <-ctx.Done():
		a.Abort()
		return nil, ctx.Err()
	}
}

// launch spawns the child process and wires the stream client to it.
func (a *Adapter) launch() {
	cfg := claudecode.MCPConfig{MCPServers: map[string]claudecode.MCPServerEntry{}}
	for name, entry := range a.opts.MCPConfig.MCPServers {
		cfg.MCPServers[name] = entry
	}
	if exe, err := os.Executable(); err == nil {
		cfg.MCPServers["kernel"] = claudecode.MCPServerEntry{
			Type:    "stdio",
			Command: exe,
			Args:    []string{"kernel"},
		}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		a.fail(fmt.Errorf("marshal mcp config: %w", err))
		return
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--session-id", a.opts.AgentID,
		"--permission-mode", PermissionMode(a.opts.AgentType),
		"--mcp-config", string(cfgJSON),
	}
	if a.opts.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if a.opts.ControlURL != "" {
		args = append(args, "--permission-prompt-tool", "mcp__kernel__approval_prompt")
	}

	cmd := exec.Command(a.opts.Binary, args...)
	cmd.Dir = a.opts.Worktree
	cmd.Env = append(os.Environ(),
		"DISABLE_AUTOUPDATER=1",
		"AGENTMESH_CONTROL_URL="+a.opts.ControlURL,
		"AGENTMESH_AGENT_ID="+a.opts.AgentID,
	)
	setSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.fail(fmt.Errorf("stdin pipe: %w", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.fail(fmt.Errorf("stdout pipe: %w", err))
		return
	}

	if err := cmd.Start(); err != nil {
		a.fail(fmt.Errorf("start %s: %w", a.opts.Binary, err))
		return
	}

	a.mu.Lock()
	a.cmd = cmd
	a.mu.Unlock()

	a.run(stdin, stdout, cmd.Wait)
}

// run wires the stream client over arbitrary pipes. Split from launch so
// tests can drive the adapter without a real child process.
func (a *Adapter) run(stdin io.Writer, stdout io.Reader, wait func() error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := claudecode.NewClient(stdin, stdout, a.logger)
	client.SetMessageHandler(a.handleMessage)
	client.SetUnknownLineHandler(a.handleUnknownLine)

	a.mu.Lock()
	if a.aborted {
		a.mu.Unlock()
		cancel()
		return
	}
	a.client = client
	a.cancel = cancel
	a.mu.Unlock()

	_, clientClosed := client.Start(ctx)

	// Flush queued messages even if the init event never arrives.
	timer := time.AfterFunc(a.opts.InitTimeout, a.markReady)

	go func() {
		if wait != nil {
			_ = wait()
		}
		<-clientClosed
		timer.Stop()
		a.handleStreamClosed()
	}()
}

// markReady flips the adapter to ready and flushes the send queue in order.
func (a *Adapter) markReady() {
	a.mu.Lock()
	if a.ready || a.closed {
		a.mu.Unlock()
		return
	}
	a.ready = true
	queued := a.queued
	a.queued = nil
	client := a.client
	close(a.readyCh)
	a.mu.Unlock()

	for _, content := range queued {
		if err := client.SendUserMessage(content); err != nil {
			a.logger.Error("failed to flush queued message", zap.Error(err))
		}
	}
}

// SendMessage enqueues a user message. Non-blocking; ordering is preserved
// across the not-ready window.
func (a *Adapter) SendMessage(text string) {
	a.SendMessageWithAttachments(text, nil)
}

// SendMessageWithAttachments renders attachments into the outgoing content.
func (a *Adapter) SendMessageWithAttachments(text string, attachments []Attachment) {
	content := renderOutgoing(text, attachments)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.Warn("send on closed adapter dropped")
		return
	}
	msg := conversation.NewUserMessage(uuid.New().String(), content)
	a.conv = a.conv.WithMessage(msg).WithState(conversation.StateSendingMessage)
	a.turnActive = true
	a.publishLocked()

	if !a.ready {
		a.queued = append(a.queued, content)
		a.mu.Unlock()
		return
	}
	client := a.client
	a.mu.Unlock()

	if err := client.SendUserMessage(content); err != nil {
		a.logger.Error("failed to send message", zap.Error(err))
		a.mu.Lock()
		a.conv = a.conv.WithError(err.Error())
		a.publishLocked()
		a.mu.Unlock()
	}
}

// renderOutgoing folds attachments into the prompt text.
func renderOutgoing(text string, attachments []Attachment) string {
	content := text
	for _, att := range attachments {
		switch att.Type {
		case "file":
			content += "\n\n[ATTACHED FILE: " + att.Path + "]"
		case "image":
			content += "\n\n[ATTACHED IMAGE (base64)]\n" + att.Data
		case "document":
			content += "\n\n[ATTACHED DOCUMENT]\n" + att.Data
		}
	}
	return content
}

// Subscribe returns a snapshot channel primed with the current conversation.
// The channel closes when the adapter shuts down. The returned cancel
// function detaches the subscriber.
func (a *Adapter) Subscribe() (<-chan conversation.Conversation, func()) {
	ch := make(chan conversation.Conversation, 64)

	a.mu.Lock()
	if a.closed {
		ch <- a.conv
		close(ch)
		a.mu.Unlock()
		return ch, func() {}
	}
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = ch
	ch <- a.conv
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		if sub, ok := a.subscribers[id]; ok {
			delete(a.subscribers, id)
			close(sub)
		}
		a.mu.Unlock()
	}
	return ch, cancel
}

// CurrentConversation returns the latest snapshot.
func (a *Adapter) CurrentConversation() conversation.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conv
}

// OnTurnComplete registers a callback fired exactly once per completed turn.
// The returned function unregisters it.
func (a *Adapter) OnTurnComplete(fn func()) func() {
	a.mu.Lock()
	id := a.nextTurnID
	a.nextTurnID++
	a.turnFns[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.turnFns, id)
		a.mu.Unlock()
	}
}

// Ready is closed when the child accepts input.
func (a *Adapter) Ready() <-chan struct{} { return a.readyCh }

// Closed is closed when the stream has terminated.
func (a *Adapter) Closed() <-chan struct{} { return a.closedCh }

// Abort kills the child and closes the stream. Idempotent.
func (a *Adapter) Abort() {
	a.mu.Lock()
	if a.aborted {
		a.mu.Unlock()
		return
	}
	a.aborted = true
	client := a.client
	cancel := a.cancel
	cmd := a.cmd
	a.closeLocked()
	a.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// handleMessage folds one CLI event into the conversation.
func (a *Adapter) handleMessage(msg *claudecode.CLIMessage) {
	if msg.Type == claudecode.MessageTypeSystem && msg.Subtype == claudecode.SubtypeInit {
		a.markReady()
	}

	responses := ParseResponses(msg)
	if len(responses) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	if a.conv.State == conversation.StateSendingMessage {
		a.conv = a.conv.WithState(conversation.StateReceivingResponse)
	}

	for _, r := range responses {
		switch resp := r.(type) {
		case conversation.TextResponse:
			a.appendToStreamingLocked(resp)

		case conversation.ToolUseResponse:
			a.appendToStreamingLocked(resp)
			a.conv = a.conv.WithState(conversation.StateProcessing)

		case conversation.ToolResultResponse:
			a.appendToStreamingLocked(resp)

		case conversation.StatusResponse:
			if last, ok := a.conv.LastMessage(); ok && last.IsStreaming {
				a.conv = a.conv.WithLastMessage(last.WithResponse(resp))
			}

		case conversation.MetaResponse:
			if last, ok := a.conv.LastMessage(); ok && last.IsStreaming {
				a.conv = a.conv.WithLastMessage(last.WithResponse(resp))
			}

		case conversation.ErrorResponse:
			a.appendToStreamingLocked(resp)
			a.conv = a.conv.WithError(resp.Message)

		case conversation.CompletionResponse:
			a.completeTurnLocked(resp)

		case conversation.UnknownResponse:
			if last, ok := a.conv.LastMessage(); ok && last.IsStreaming {
				a.conv = a.conv.WithLastMessage(last.WithResponse(resp))
			}
		}
	}
	a.publishLocked()
}

// appendToStreamingLocked appends the fragment to the current streaming
// assistant message, creating one if needed.
func (a *Adapter) appendToStreamingLocked(r conversation.Response) {
	last, ok := a.conv.LastMessage()
	if !ok || !last.IsStreaming || last.Role != conversation.RoleAssistant {
		msg := conversation.NewStreamingAssistantMessage(uuid.New().String())
		a.conv = a.conv.WithMessage(msg.WithResponse(r))
		return
	}
	a.conv = a.conv.WithLastMessage(last.WithResponse(r))
}

// completeTurnLocked finalizes the streaming message, accumulates usage and
// fires the turn-complete callbacks.
func (a *Adapter) completeTurnLocked(resp conversation.CompletionResponse) {
	if last, ok := a.conv.LastMessage(); ok && last.IsStreaming {
		final := last.WithResponse(resp).Completed()
		a.conv = a.conv.WithLastMessage(final)
		if final.TokenUsage != nil {
			a.conv = a.conv.WithUsageAdded(*final.TokenUsage)
		}
	}
	a.conv = a.conv.WithState(conversation.StateIdle)

	if !a.turnActive {
		return
	}
	a.turnActive = false
	fns := make([]func(), 0, len(a.turnFns))
	for _, fn := range a.turnFns {
		fns = append(fns, fn)
	}
	// The finalized snapshot must reach subscriber channels before the
	// turn signal so done never overtakes the turn's content.
	a.publishLocked()
	go func() {
		for _, fn := range fns {
			fn()
		}
	}()
}

// handleUnknownLine preserves unparseable stdout lines as unknown fragments.
func (a *Adapter) handleUnknownLine(line []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if last, ok := a.conv.LastMessage(); ok && last.IsStreaming {
		a.conv = a.conv.WithLastMessage(last.WithResponse(conversation.UnknownResponse{
			Raw: map[string]any{"line": string(line)},
		}))
		a.publishLocked()
	}
}

// handleStreamClosed runs when the child's stdout reaches EOF. An unexpected
// death during an active turn surfaces as an error; the turn-complete signal
// does not fire.
func (a *Adapter) handleStreamClosed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.turnActive {
		a.turnActive = false
		msg := "agent process exited unexpectedly"
		a.appendToStreamingLocked(conversation.ErrorResponse{Message: msg})
		a.conv = a.conv.WithError(msg)
		a.publishLocked()
		a.logger.Error("child process died mid-turn")
	}
	a.closeLocked()
}

// fail records a startup failure and closes the stream.
func (a *Adapter) fail(err error) {
	a.logger.Error("adapter start failed", zap.Error(err))
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.conv = a.conv.WithError(err.Error())
	a.publishLocked()
	a.closeLocked()
}

// closeLocked closes every subscriber channel and the closed signal.
func (a *Adapter) closeLocked() {
	if a.closed {
		return
	}
	a.closed = true
	for id, ch := range a.subscribers {
		delete(a.subscribers, id)
		close(ch)
	}
	close(a.closedCh)
}

// publishLocked fans the current snapshot out to subscribers. A slow
// subscriber skips intermediate snapshots; the next publish carries the
// full state.
func (a *Adapter) publishLocked() {
	for _, ch := range a.subscribers {
		select {
		case ch <- a.conv:
		default:
		}
	}
}
