package events

import (
	"fmt"
	"strings"

	"github.com/cmux/cmux/internal/common/config"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/events/bus"
)

// Provide builds the configured event bus: NATS when a URL is set,
// otherwise the in-memory bus. The cleanup closes the transport.
func Provide(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
