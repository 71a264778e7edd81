package events

import (
	"fmt"
	"strings"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// Provide builds the configured event bus implementation and a cleanup func.
// A configured NATS URL selects the NATS provider; otherwise the in-memory
// bus is used.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if cfg.Bus.Provider == "nats" || strings.TrimSpace(cfg.Bus.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.Bus, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
