package message

import (
	"context"
	"time"
)

// EventType names a real-time feed event.
type EventType string

const (
	EventInserted EventType = "message.inserted"
	EventUpdated  EventType = "message.updated"
	EventDeleted  EventType = "message.deleted"
	EventSafety   EventType = "safety-message"
)

// Event is one real-time feed notification.
type Event struct {
	Type        EventType `json:"type" validate:"required,oneof=message.inserted message.updated message.deleted safety-message"`
	RoomID      string    `json:"room_id" validate:"required"`
	InstanceID  string    `json:"instance_id,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	Message     *Wire     `json:"message,omitempty"`
	ConcernType string    `json:"concern_type,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// Wire is the JSON shape of a message on HTTP and feed surfaces.
type Wire struct {
	ID                     string         `json:"id"`
	RoomID                 string         `json:"room_id"`
	AuthorID               string         `json:"author_id"`
	Role                   Role           `json:"role"`
	Content                string         `json:"content"`
	CreatedAt              time.Time      `json:"created_at"`
	ConversationInstanceID string         `json:"conversation_instance_id,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
}

// ToWire converts a message to its JSON shape.
func ToWire(m *Message) *Wire {
	if m == nil {
		return nil
	}
	return &Wire{
		ID:                     m.ID,
		RoomID:                 m.RoomID,
		AuthorID:               m.AuthorID,
		Role:                   m.Role,
		Content:                m.Content,
		CreatedAt:              m.CreatedAt,
		ConversationInstanceID: m.ConversationInstanceID,
		Metadata:               m.Metadata,
	}
}

// FromWire converts the JSON shape back into a message.
func FromWire(w *Wire) *Message {
	if w == nil {
		return nil
	}
	return &Message{
		ID:                     w.ID,
		RoomID:                 w.RoomID,
		AuthorID:               w.AuthorID,
		Role:                   w.Role,
		Content:                w.Content,
		CreatedAt:              w.CreatedAt,
		ConversationInstanceID: w.ConversationInstanceID,
		Metadata:               Metadata(w.Metadata),
	}
}

// Publisher pushes events to the real-time feed.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NewEvent builds a row event for msg.
func NewEvent(eventType EventType, msg *Message) Event {
	return Event{
		Type:       eventType,
		RoomID:     msg.RoomID,
		InstanceID: msg.ConversationInstanceID,
		MessageID:  msg.ID,
		Message:    ToWire(msg),
		SentAt:     time.Now().UTC(),
	}
}
