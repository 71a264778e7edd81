package network

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/store"
)

// Cache resolves a networkId to a live network for the HTTP layer, loading
// from persistence on miss and resuming when the network is not the
// manager's current one. This keeps the HTTP layer stateless with respect
// to which network is currently focused.
type Cache struct {
	manager *Manager
	stor    *store.NetworkStore
	logger  *logger.Logger

	mu       sync.Mutex
	networks map[string]store.AgentNetwork
}

// NewCache builds a cache over the manager and its persistence.
func NewCache(manager *Manager, stor *store.NetworkStore, log *logger.Logger) *Cache {
	return &Cache{
		manager:  manager,
		stor:     stor,
		logger:   log.WithFields(zap.String("component", "network-cache")),
		networks: make(map[string]store.AgentNetwork),
	}
}

// Put records a known network, typically right after StartNew.
func (c *Cache) Put(network store.AgentNetwork) {
	c.mu.Lock()
	c.networks[network.ID] = network
	c.mu.Unlock()
}

// Resolve returns the live network for the id. If the network is cached or
// persisted but not currently active, it is resumed first; wasResumed
// reports that for logging.
func (c *Cache) Resolve(ctx context.Context, networkID string) (store.AgentNetwork, bool, error) {
	if current, ok := c.manager.Network(); ok && current.ID == networkID {
		return current, false, nil
	}

	network, ok := c.lookup(networkID)
	if !ok {
		persisted, found, err := c.stor.Get(networkID)
		if err != nil {
			return store.AgentNetwork{}, false, err
		}
		if !found {
			return store.AgentNetwork{}, false, errors.NotFound("network", networkID)
		}
		network = persisted
	}

	if err := c.manager.Resume(ctx, network); err != nil {
		return store.AgentNetwork{}, false, err
	}
	current, _ := c.manager.Network()
	c.Put(current)
	c.logger.Info("network resumed on demand", zap.String("network_id", networkID))
	return current, true, nil
}

func (c *Cache) lookup(networkID string) (store.AgentNetwork, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.networks[networkID]
	return n, ok
}
