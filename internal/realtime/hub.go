package realtime

import (
	"sync"

	"go.uber.org/zap"

	"agentdeck/internal/protocol"
)

// Sender is one subscribed connection. Send must not block indefinitely;
// returning an error drops the subscription.
type Sender interface {
	Send(ev *protocol.Event) error
}

// Descriptor identifies a live subscription.
type Descriptor struct {
	ClientID string
	Topic    string
}

// Hub is the subscription registry plus the fan-out function. It performs no
// buffering or replay: an event is delivered verbatim to every connection
// currently subscribed to its topic, and resynchronization after a gap is the
// caller's job via pull-based status reads.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]Sender // topic → clientID → sender
	log    *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		topics: make(map[string]map[string]Sender),
		log:    log,
	}
}

// Subscribe registers a connection for a topic. Re-subscribing the same
// client replaces the previous sender.
func (h *Hub) Subscribe(clientID, topic string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]Sender)
		h.topics[topic] = subs
	}
	subs[clientID] = s
}

// Unsubscribe removes one client's subscription to a topic.
func (h *Hub) Unsubscribe(clientID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// UnsubscribeAll removes every subscription held by a client. Called on
// disconnect.
func (h *Hub) UnsubscribeAll(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.topics {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Broadcast delivers an event to every current subscriber of its topic.
// A failing subscriber is dropped; session state is unaffected.
func (h *Hub) Broadcast(ev *protocol.Event) {
	h.mu.RLock()
	subs := h.topics[ev.Topic]
	targets := make(map[string]Sender, len(subs))
	for id, s := range subs {
		targets[id] = s
	}
	h.mu.RUnlock()

	for id, s := range targets {
		if err := s.Send(ev); err != nil {
			h.log.Warn("dropping subscriber after failed send",
				zap.String("clientId", id),
				zap.String("topic", ev.Topic),
				zap.Error(err))
			h.Unsubscribe(id, ev.Topic)
		}
	}
}

// Subscribers lists the currently-connected subscriber descriptors for a
// topic, in no particular order.
func (h *Hub) Subscribers(topic string) []Descriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.topics[topic]
	out := make([]Descriptor, 0, len(subs))
	for id := range subs {
		out = append(out, Descriptor{ClientID: id, Topic: topic})
	}
	return out
}
