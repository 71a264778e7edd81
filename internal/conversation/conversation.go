package conversation

// State is the conversation-level processing state.
type State string

const (
	StateIdle              State = "idle"
	StateSendingMessage    State = "sendingMessage"
	StateReceivingResponse State = "receivingResponse"
	StateProcessing        State = "processing"
	StateError             State = "error"
)

// Conversation is an immutable snapshot of an agent's message history.
// The adapter produces a fresh snapshot on every meaningful change; only the
// last message is ever replaced in place while it streams.
type Conversation struct {
	Messages     []Message
	State        State
	TotalUsage   TokenUsage
	CurrentError string
}

// NewConversation returns an empty idle conversation.
func NewConversation() Conversation {
	return Conversation{State: StateIdle}
}

// WithMessage returns a snapshot with the message appended.
func (c Conversation) WithMessage(m Message) Conversation {
	messages := make([]Message, len(c.Messages), len(c.Messages)+1)
	copy(messages, c.Messages)
	next := c
	next.Messages = append(messages, m)
	return next
}

// WithLastMessage returns a snapshot with the last message replaced.
// Appends when the conversation is empty.
func (c Conversation) WithLastMessage(m Message) Conversation {
	if len(c.Messages) == 0 {
		return c.WithMessage(m)
	}
	messages := make([]Message, len(c.Messages))
	copy(messages, c.Messages)
	messages[len(messages)-1] = m
	next := c
	next.Messages = messages
	return next
}

// WithState returns a snapshot in the given state. Leaving the error state
// clears the current error.
func (c Conversation) WithState(s State) Conversation {
	next := c
	next.State = s
	if s != StateError {
		next.CurrentError = ""
	}
	return next
}

// WithError returns a snapshot in the error state with the message set.
func (c Conversation) WithError(message string) Conversation {
	next := c
	next.State = StateError
	next.CurrentError = message
	return next
}

// WithUsageAdded returns a snapshot with the usage added to the cumulative
// counters. Called once per completed message.
func (c Conversation) WithUsageAdded(u TokenUsage) Conversation {
	next := c
	next.TotalUsage.InputTokens += u.InputTokens
	next.TotalUsage.OutputTokens += u.OutputTokens
	next.TotalUsage.CacheReadTokens += u.CacheReadTokens
	next.TotalUsage.CacheCreationTokens += u.CacheCreationTokens
	next.TotalUsage.CostUSD += u.CostUSD
	return next
}

// LastMessage returns the last message and whether one exists.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}
