package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) handler(ctx context.Context, event *Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublishReachesExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	rec := &recorder{}
	_, err := b.Subscribe("networks.n1", rec.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "networks.n1",
		NewEvent("agent.spawned", "test", map[string]interface{}{"agentId": "a1"})))
	require.NoError(t, b.Publish(context.Background(), "networks.n2",
		NewEvent("agent.spawned", "test", nil)))

	assert.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestWildcardSubscriptions(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	single := &recorder{}
	multi := &recorder{}
	_, err := b.Subscribe("networks.*", single.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("networks.>", multi.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "networks.n1",
		NewEvent("network.created", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "networks.n1.agents",
		NewEvent("agent.spawned", "test", nil)))

	assert.Eventually(t, func() bool {
		// * matches one token, > matches the rest
		return single.count() == 1 && multi.count() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	rec := &recorder{}
	sub, err := b.Subscribe("networks.n1", rec.handler)
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "networks.n1",
		NewEvent("network.updated", "test", nil)))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "x", NewEvent("t", "s", nil)))
	_, err := b.Subscribe("x", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}

func TestNewEventPopulatesIdentity(t *testing.T) {
	ev := NewEvent("network.created", "network-manager", map[string]interface{}{"networkId": "n1"})
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "network.created", ev.Type)
	assert.Equal(t, "network-manager", ev.Source)
	assert.False(t, ev.Timestamp.IsZero())
}
