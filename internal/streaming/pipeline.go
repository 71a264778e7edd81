// Package streaming converts conversation snapshots into ordered delta
// events for UI and websocket subscribers. Each subscriber holds its own
// counters so no content is ever emitted twice.
package streaming

import (
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/conversation"
)

// Event types emitted to subscribers.
const (
	EventStatus       = "status"
	EventMessage      = "message"
	EventMessageDelta = "message_delta"
	EventToolUse      = "tool_use"
	EventToolResult   = "tool_result"
	EventError        = "error"
	EventDone         = "done"
)

// initialStatusDelay guards against a subscriber attaching in the same
// scheduling quantum as the first emission and missing it.
const initialStatusDelay = 10 * time.Millisecond

// Event is one outward delta event.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Source is the adapter surface the pipeline consumes. OnTurnComplete
// returns a function that unregisters the callback.
type Source interface {
	Subscribe() (<-chan conversation.Conversation, func())
	OnTurnComplete(func()) func()
}

// Subscription is one subscriber's live event stream.
type Subscription struct {
	events chan Event
	turns  chan struct{}
	stop   chan struct{}

	mu     sync.Mutex
	closed bool

	// per-subscriber delta state
	lastMessageCount  int
	lastContentLength int
	toolNamesByUseID  map[string]string
	toolFragsSeen     map[string]int
	lastError         string

	cancelSnaps func()
	cancelTurns func()
}

// NewSubscription attaches a subscriber to an adapter. The stream starts
// with a status event, then a full-state replay of the existing
// conversation, then live deltas. Close the subscription with Cancel.
func NewSubscription(src Source) *Subscription {
	s := &Subscription{
		events:           make(chan Event, 128),
		turns:            make(chan struct{}, 16),
		stop:             make(chan struct{}),
		toolNamesByUseID: make(map[string]string),
		toolFragsSeen:    make(map[string]int),
	}

	snaps, cancelSnaps := src.Subscribe()
	s.cancelSnaps = cancelSnaps
	s.cancelTurns = src.OnTurnComplete(func() {
		select {
		case s.turns <- struct{}{}:
		case <-s.stop:
		}
	})

	go func() {
		time.Sleep(initialStatusDelay)
		s.send(Event{Type: EventStatus, Data: map[string]any{"status": "connected"}})

		for {
			select {
			case snap, ok := <-snaps:
				if !ok {
					s.close()
					return
				}
				s.apply(snap)
			case <-s.turns:
				// Apply every snapshot already queued so the finished
				// turn's tool events precede its done marker.
				open := s.drain(snaps)
				s.send(Event{Type: EventDone, Data: map[string]any{}})
				if !open {
					s.close()
					return
				}
			}
		}
	}()

	return s
}

// drain applies queued snapshots without blocking. Returns false once the
// snapshot channel is closed.
func (s *Subscription) drain(snaps <-chan conversation.Conversation) bool {
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return false
			}
			s.apply(snap)
		default:
			return true
		}
	}
}

// Events is the subscriber's ordered event stream. It closes when the
// adapter shuts down or the subscription is cancelled.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Cancel detaches from the adapter, unregisters the turn-complete callback
// and closes the event stream.
func (s *Subscription) Cancel() {
	s.cancelSnaps()
	if s.cancelTurns != nil {
		s.cancelTurns()
	}
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stop)
	close(s.events)
}

// send delivers one event unless the stream is closed. Slow subscribers
// block the pipeline goroutine, not the adapter.
func (s *Subscription) send(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	defer func() {
		// the subscription may close while a send is blocked
		_ = recover()
	}()
	s.events <- ev
}

// apply folds one snapshot into delta events. Counters update before each
// emission so no content repeats even if the next snapshot races in.
func (s *Subscription) apply(snap conversation.Conversation) {
	count := len(snap.Messages)

	if count > s.lastMessageCount {
		newMessages := snap.Messages[s.lastMessageCount:]
		last := snap.Messages[count-1]
		s.lastMessageCount = count
		s.lastContentLength = len(last.Content)

		for _, msg := range newMessages {
			s.send(Event{Type: EventMessage, Data: map[string]any{
				"id":         msg.ID,
				"role":       string(msg.Role),
				"content":    msg.Content,
				"isComplete": msg.IsComplete,
			}})
			s.emitToolEvents(msg)
		}
	} else if count > 0 {
		last := snap.Messages[count-1]
		if len(last.Content) > s.lastContentLength {
			delta := last.Content[s.lastContentLength:]
			s.lastContentLength = len(last.Content)
			s.send(Event{Type: EventMessageDelta, Data: map[string]any{
				"delta": delta,
			}})
		}
		// tool fragments can land on the streaming message without a new
		// message appearing
		s.emitToolEvents(last)
	}

	if snap.CurrentError != "" && snap.CurrentError != s.lastError {
		s.lastError = snap.CurrentError
		s.send(Event{Type: EventError, Data: map[string]any{
			"message": snap.CurrentError,
		}})
	}
	if snap.CurrentError == "" {
		s.lastError = ""
	}
}

// emitToolEvents sends tool_use and tool_result events for fragments not
// yet seen by this subscriber, in declaration order. Fragments within a
// message only ever append, so a per-message index marks what this
// subscriber has already scanned; a tool use without an id cannot repeat.
func (s *Subscription) emitToolEvents(msg conversation.Message) {
	start := s.toolFragsSeen[msg.ID]
	if start >= len(msg.Responses) {
		return
	}
	s.toolFragsSeen[msg.ID] = len(msg.Responses)

	for _, r := range msg.Responses[start:] {
		switch frag := r.(type) {
		case conversation.ToolUseResponse:
			s.toolNamesByUseID[frag.ToolUseID] = frag.ToolName
			s.send(Event{Type: EventToolUse, Data: map[string]any{
				"toolName":   frag.ToolName,
				"toolUseId":  frag.ToolUseID,
				"parameters": frag.Parameters,
			}})

		case conversation.ToolResultResponse:
			toolName, ok := s.toolNamesByUseID[frag.ToolUseID]
			if !ok {
				toolName = "unknown"
			}
			s.send(Event{Type: EventToolResult, Data: map[string]any{
				"toolName":  toolName,
				"toolUseId": frag.ToolUseID,
				"content":   frag.Content,
				"isError":   frag.IsError,
			}})
		}
	}
}
