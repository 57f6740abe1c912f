package eventfeed

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subscriber is one connected feed client. Writes go through WriteJSON so
// concurrent broadcasts never interleave frames on the same connection.
type Subscriber struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time

	writeMu sync.Mutex
}

// WriteJSON sends one JSON message to the subscriber.
func (s *Subscriber) WriteJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.Conn.WriteJSON(v)
}

// SubscriberRegistry tracks connected feed clients.
type SubscriberRegistry struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// NewSubscriberRegistry creates an empty registry.
func NewSubscriberRegistry() *SubscriberRegistry {
	return &SubscriberRegistry{subs: make(map[string]*Subscriber)}
}

// Add registers a subscriber.
func (r *SubscriberRegistry) Add(sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
}

// Remove drops a subscriber by id.
func (r *SubscriberRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// All returns the current subscribers.
func (r *SubscriberRegistry) All() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]*Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	return subs
}

// Count returns the number of connected subscribers.
func (r *SubscriberRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
