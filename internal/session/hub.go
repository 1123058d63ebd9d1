// Package session hosts the per-workspace agent loop: the stream
// manager that drives a provider turn to completion, the chat event
// hub that fans events out to subscribers, and the AgentSession facade
// the transport layer talks to.
package session

import (
	"sync"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/pkg/chat"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind is dropped rather than blocking the
// stream.
const subscriberBuffer = 256

// Subscription is one listener on a workspace chat channel. Events
// arrives on C until Close, or until the hub drops the subscriber for
// lagging, in which case C is closed.
type Subscription struct {
	C <-chan chat.Event

	hub         *Hub
	workspaceID string
	ch          chan chat.Event
	once        sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.workspaceID, s.ch)
	})
}

// Hub broadcasts chat events to workspace subscribers. Publishing
// never blocks: a full subscriber channel drops the subscriber.
type Hub struct {
	log *logger.Logger

	mu   sync.Mutex
	subs map[string]map[chan chat.Event]struct{}
}

// NewHub returns an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:  log.WithComponent("session.hub"),
		subs: make(map[string]map[chan chat.Event]struct{}),
	}
}

// Subscribe attaches a listener to a workspace channel.
func (h *Hub) Subscribe(workspaceID string) *Subscription {
	ch := make(chan chat.Event, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[workspaceID]
	if !ok {
		set = make(map[chan chat.Event]struct{})
		h.subs[workspaceID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	return &Subscription{C: ch, hub: h, workspaceID: workspaceID, ch: ch}
}

// Publish delivers the event to every workspace subscriber. Slow
// subscribers are dropped with a warning so the stream never stalls.
func (h *Hub) Publish(workspaceID string, ev chat.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[workspaceID]
	for ch := range set {
		select {
		case ch <- ev:
		default:
			delete(set, ch)
			close(ch)
			h.log.WithWorkspaceID(workspaceID).Warn("subscriber-lagged, dropping subscriber")
		}
	}
}

// SubscriberCount reports the listeners on a workspace channel.
func (h *Hub) SubscriberCount(workspaceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[workspaceID])
}

func (h *Hub) remove(workspaceID string, ch chan chat.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[workspaceID]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.subs, workspaceID)
	}
}
