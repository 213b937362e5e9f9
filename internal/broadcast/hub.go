// Package broadcast fans accepted changes out to the push connections
// subscribed to a list. Delivery is best-effort, at-most-once per push:
// clients reconcile through delta catch-up, so a dropped event is never a
// correctness problem.
package broadcast

import (
	"sync"

	"github.com/google/uuid"

	"Listd/internal/dto"
)

// Publisher is what the write path sees: fire-and-forget fan-out that never
// blocks the caller.
type Publisher interface {
	Publish(listID string, ev dto.SyncEvent)
}

// Subscriber is one open push connection. Events arrive on C; the channel is
// closed by Unsubscribe.
type Subscriber struct {
	ID            string
	ParticipantID string
	C             chan dto.SyncEvent
}

// Hub is an injectable per-list subscriber registry. One hub per process; the
// Bridge extends it across processes through the shared store.
type Hub struct {
	mu     sync.RWMutex
	lists  map[string]map[string]*Subscriber
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{lists: make(map[string]map[string]*Subscriber), buffer: buffer}
}

func (h *Hub) Subscribe(listID, participantID string) *Subscriber {
	sub := &Subscriber{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		C:             make(chan dto.SyncEvent, h.buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	byID, ok := h.lists[listID]
	if !ok {
		byID = make(map[string]*Subscriber)
		h.lists[listID] = byID
	}
	byID[sub.ID] = sub
	return sub
}

func (h *Hub) Unsubscribe(listID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byID, ok := h.lists[listID]
	if !ok {
		return
	}
	if _, ok := byID[sub.ID]; !ok {
		return
	}
	delete(byID, sub.ID)
	if len(byID) == 0 {
		delete(h.lists, listID)
	}
	close(sub.C)
}

// Publish delivers ev to every subscriber of the list except connections of
// the originating participant. Sends are non-blocking: a subscriber whose
// buffer is full simply misses the push and catches up on reconnect.
func (h *Hub) Publish(listID string, ev dto.SyncEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.lists[listID] {
		if ev.Origin != "" && sub.ParticipantID == ev.Origin {
			continue
		}
		select {
		case sub.C <- ev:
		default:
		}
	}
}

// Count returns the number of open subscriptions for a list.
func (h *Hub) Count(listID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.lists[listID])
}
