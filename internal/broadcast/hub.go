// internal/broadcast/hub.go

// Package broadcast fans task-status events out to subscribers keyed by
// scan. Delivery is best-effort: there is no replay buffer, and a slow
// subscriber loses events rather than blocking the publisher. Clients
// that miss events fall back to polling the task-detail endpoint.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"liverscan-back/internal/logger"
)

// Event is one status update on a scan's topic.
type Event struct {
	Type      string
	ScanID    uint
	Status    string
	Message   string
	Timestamp time.Time
	Extra     map[string]any
}

// MarshalJSON flattens Extra into the top-level object, matching the
// wire shape {type, scan_id, status, message, timestamp, ...extra}.
func (e Event) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"type":      e.Type,
		"scan_id":   e.ScanID,
		"status":    e.Status,
		"message":   e.Message,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
	}
	for k, v := range e.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

const subscriberBuffer = 16

// Subscriber is one registered listener on a scan topic.
type Subscriber struct {
	scanID uint
	ch     chan Event
}

// Events is the subscriber's delivery channel. It is closed on
// Unsubscribe.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Hub is the subscriber registry. Many readers, one writer per publish.
type Hub struct {
	mu     sync.RWMutex
	topics map[uint]map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[uint]map[*Subscriber]struct{})}
}

// Subscribe registers a listener for one scan's events.
func (h *Hub) Subscribe(scanID uint) *Subscriber {
	sub := &Subscriber{scanID: scanID, ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[scanID] == nil {
		h.topics[scanID] = make(map[*Subscriber]struct{})
	}
	h.topics[scanID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes the listener and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.topics[sub.scanID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.scanID)
	}
	close(sub.ch)
}

// Publish delivers a status event to every subscriber of the scan's
// topic, in publish order per subscriber. A full subscriber buffer
// drops the event.
func (h *Hub) Publish(scanID uint, status string, message string, extra map[string]any) {
	event := Event{
		Type:      "status_update",
		ScanID:    scanID,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Extra:     extra,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[scanID] {
		select {
		case sub.ch <- event:
		default:
			logger.Warn("dropping status event for slow subscriber",
				zap.Uint("scan_id", scanID),
				zap.String("status", status))
		}
	}
}
