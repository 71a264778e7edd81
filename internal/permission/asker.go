package permission

import (
	"context"
	"sync"

	"github.com/agentmesh/agentmesh/internal/common/errors"
)

// ChannelAsker queues requests for an external responder (typically the
// frontend over a websocket) and suspends each Ask until Resolve is called
// with the request id.
type ChannelAsker struct {
	mu      sync.Mutex
	pending map[string]chan Response
	queue   chan Request
}

// NewChannelAsker builds an asker with a buffered request queue.
func NewChannelAsker() *ChannelAsker {
	return &ChannelAsker{
		pending: make(map[string]chan Response),
		queue:   make(chan Request, 16),
	}
}

// Requests exposes the stream of pending requests for the UI to consume.
func (a *ChannelAsker) Requests() <-chan Request {
	return a.queue
}

// Ask implements Asker. It blocks until Resolve supplies a response or the
// context is cancelled.
func (a *ChannelAsker) Ask(ctx context.Context, req Request) (Response, error) {
	ch := make(chan Response, 1)
	a.mu.Lock()
	a.pending[req.ID] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
	}()

	select {
	case a.queue <- req:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Resolve delivers the decision for a pending request.
func (a *ChannelAsker) Resolve(requestID string, resp Response) error {
	a.mu.Lock()
	ch, ok := a.pending[requestID]
	a.mu.Unlock()
	if !ok {
		return errors.NotFound("permission request", requestID)
	}
	select {
	case ch <- resp:
		return nil
	default:
		return errors.Conflict("permission request already resolved: " + requestID)
	}
}

// Pending returns the ids of requests still awaiting a decision.
func (a *ChannelAsker) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	return ids
}
