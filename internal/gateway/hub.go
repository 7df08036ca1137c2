package gateway

import (
	"sync"

	"github.com/insightpilot/insightpilot/pkg/models"
)

// subscriberBuffer is the per-connection event buffer. A subscriber
// that falls this far behind starts losing events; the finalized
// message delivered on the end event is the durable fallback.
const subscriberBuffer = 256

// Hub fans run events out to session subscribers. Publishing never
// blocks the run loop: a full subscriber buffer drops the event.
//
// Within one subscriber, events for a turn arrive in the order they
// were published; the hub serializes delivery per publish call.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	events chan models.RunEvent
	once   sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Publish delivers an event to every subscriber of its session.
// Implements the run loop's event sink.
func (h *Hub) Publish(event models.RunEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[event.SessionID] {
		select {
		case sub.events <- event:
		default:
			// Slow consumer; drop rather than stall the turn.
		}
	}
}

// Subscribe registers a new subscriber for a session. The returned
// cancel function must be called when the connection closes; it is
// safe to call more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan models.RunEvent, func()) {
	sub := &subscriber{events: make(chan models.RunEvent, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], sub)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
			close(sub.events)
		})
	}
	return sub.events, cancel
}

// SubscriberCount reports the live subscribers of one session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
