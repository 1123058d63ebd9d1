package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/logger"
)

// MemoryEventBus delivers events in-process. Handlers run on the
// publisher's goroutine; a failing handler is logged and skipped.
type MemoryEventBus struct {
	log *logger.Logger

	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject []string

	mu     sync.Mutex
	handler EventHandler
	active  bool
}

// NewMemoryEventBus returns an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		log:  log.WithComponent("events.memory"),
		subs: make(map[*memorySubscription]struct{}),
	}
}

// Publish delivers the event to every subscription matching subject.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	var matched []*memorySubscription
	tokens := strings.Split(subject, ".")
	for sub := range b.subs {
		if subjectMatches(sub.subject, tokens) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.mu.Lock()
		handler, active := sub.handler, sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		if err := handler(ctx, event); err != nil {
			b.log.Warn("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := &memorySubscription{
		bus:     b,
		subject: strings.Split(subject, "."),
		handler: handler,
		active:  true,
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close drops every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = make(map[*memorySubscription]struct{})
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// subjectMatches applies NATS wildcard rules token by token: `*`
// matches exactly one token, `>` matches one or more trailing tokens.
func subjectMatches(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
