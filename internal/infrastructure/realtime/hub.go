// Package realtime fans transcript events out to websocket clients. Events are
// published through redis so every replica's hub sees them.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/infrastructure/metrics"
)

const sendBuffer = 256

// Subscriber is one feed connection scoped to a room and optionally one conversation instance.
type Subscriber struct {
	ID         string
	RoomID     string
	InstanceID string
	Send       chan []byte
}

func (s *Subscriber) wants(event message.Event) bool {
	if s.RoomID != event.RoomID {
		return false
	}
	return s.InstanceID == "" || event.InstanceID == "" || s.InstanceID == event.InstanceID
}

// Hub tracks subscribers per room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Subscriber
	log   zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[string]*Subscriber),
		log:   log.With().Str("component", "realtime-hub").Logger(),
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe(roomID, instanceID string) *Subscriber {
	sub := &Subscriber{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		InstanceID: instanceID,
		Send:       make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Subscriber)
	}
	h.rooms[roomID][sub.ID] = sub
	h.mu.Unlock()

	metrics.RealtimeConnections.Inc()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[sub.RoomID]
	if _, ok := room[sub.ID]; !ok {
		return
	}
	delete(room, sub.ID)
	if len(room) == 0 {
		delete(h.rooms, sub.RoomID)
	}
	close(sub.Send)
	metrics.RealtimeConnections.Dec()
}

// Broadcast delivers event to matching local subscribers. Subscribers whose buffer
// is full are dropped; they reload the transcript on reconnect.
func (h *Hub) Broadcast(event message.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal realtime event")
		return
	}

	var slow []*Subscriber
	h.mu.RLock()
	for _, sub := range h.rooms[event.RoomID] {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.Send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.log.Warn().Str("subscriber", sub.ID).Str("room_id", sub.RoomID).Msg("subscriber buffer full, disconnecting")
		h.Unsubscribe(sub)
	}
}

// Count returns the number of subscribers in a room.
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
