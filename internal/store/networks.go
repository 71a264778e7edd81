package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// networksFile is the on-disk document shape.
type networksFile struct {
	Networks []AgentNetwork `json:"networks"`
}

// NetworkStore reads and writes the per-project agent_networks.json.
type NetworkStore struct {
	path   string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewNetworkStore builds a store rooted at the given project directory.
func NewNetworkStore(dir string, log *logger.Logger) *NetworkStore {
	return &NetworkStore{
		path:   filepath.Join(dir, networksFileName),
		logger: log.WithFields(zap.String("file", networksFileName)),
	}
}

// Load reads all persisted networks. A missing or corrupt file yields an
// empty list, never an error; corruption is logged and the next Save
// replaces the file.
func (s *NetworkStore) Load() ([]AgentNetwork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *NetworkStore) loadLocked() ([]AgentNetwork, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var doc networksFile
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("corrupt networks file, starting empty", zap.Error(err))
		return nil, nil
	}
	return doc.Networks, nil
}

// Save atomically rewrites the full network list.
func (s *NetworkStore) Save(networks []AgentNetwork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(networks)
}

func (s *NetworkStore) saveLocked(networks []AgentNetwork) error {
	if networks == nil {
		networks = []AgentNetwork{}
	}
	return writeJSONAtomic(s.path, networksFile{Networks: networks})
}

// Get returns one persisted network by id.
func (s *NetworkStore) Get(id string) (AgentNetwork, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	networks, err := s.loadLocked()
	if err != nil {
		return AgentNetwork{}, false, err
	}
	for _, n := range networks {
		if n.ID == id {
			return n, true, nil
		}
	}
	return AgentNetwork{}, false, nil
}

// Upsert replaces the network with the same id, or appends it.
func (s *NetworkStore) Upsert(network AgentNetwork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	networks, err := s.loadLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i, n := range networks {
		if n.ID == network.ID {
			networks[i] = network
			replaced = true
			break
		}
	}
	if !replaced {
		networks = append(networks, network)
	}
	return s.saveLocked(networks)
}

// Path returns the backing file location.
func (s *NetworkStore) Path() string {
	return s.path
}
