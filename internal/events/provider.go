package events

import (
	"fmt"
	"strings"

	"github.com/taskstream/taskstream/internal/common/config"
	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/events/bus"
)

// Provide builds the configured event bus: NATS when a URL is set,
// otherwise in-memory. The cleanup function drains the connection.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return natsBus, cleanup, nil
	}

	log.Info("Using in-memory event bus")
	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error { return nil }, nil
}
