package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// MessageHandler handles streaming messages from the CLI.
type MessageHandler func(msg *CLIMessage)

// UnknownLineHandler handles stdout lines that fail to parse as JSON.
type UnknownLineHandler func(line []byte)

// Client handles Claude CLI communication over stdin/stdout streams.
// It reads streaming JSON from stdout and writes user messages to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	messageHandler MessageHandler
	unknownHandler UnknownLineHandler

	writeMu sync.Mutex
	mu      sync.RWMutex
	done    chan struct{}
}

// NewClient creates a new Claude CLI client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "claudecode-client")),
		done:   make(chan struct{}),
	}
}

// SetMessageHandler sets the handler for streaming messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// SetUnknownLineHandler sets the handler for unparseable stdout lines.
func (c *Client) SetUnknownLineHandler(handler UnknownLineHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unknownHandler = handler
}

// Start begins reading from stdout in a goroutine.
// Returns a channel that is closed when the read loop is ready, and a
// channel closed when the read loop ends (stdout EOF or stop).
func (c *Client) Start(ctx context.Context) (ready <-chan struct{}, closed <-chan struct{}) {
	readyCh := make(chan struct{})
	closedCh := make(chan struct{})
	go c.readLoop(ctx, readyCh, closedCh)
	return readyCh, closedCh
}

// Stop stops the client. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SendUserMessage sends a user message (prompt) to the CLI.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready, closed chan<- struct{}) {
	defer close(closed)

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		// Malformed lines must not abort the stream; surface them upward.
		c.logger.Warn("failed to parse CLI line", zap.Error(err))
		c.mu.RLock()
		handler := c.unknownHandler
		c.mu.RUnlock()
		if handler != nil {
			raw := make([]byte, len(line))
			copy(raw, line)
			handler(raw)
		}
		return
	}

	raw := make([]byte, len(line))
	copy(raw, line)
	msg.Raw = raw

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(&msg)
	}
}
