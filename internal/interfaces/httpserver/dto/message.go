package dto

import (
	"time"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/streaming"
)

// SendMessageRequest is the body of POST /v1/rooms/:room_id/messages.
type SendMessageRequest struct {
	TutorID     string `json:"tutor_id" binding:"required"`
	Content     string `json:"content" binding:"required,max=8000"`
	InstanceID  string `json:"instance_id,omitempty"`
	MessageID   string `json:"message_id,omitempty" binding:"omitempty,max=64"`
	Model       string `json:"model,omitempty"`
	CountryCode string `json:"country_code,omitempty" binding:"omitempty,len=2,alpha"`
}

// BlockedResponse is returned with 400 when a gate stopped the turn.
type BlockedResponse struct {
	Error   string        `json:"error"`
	Message string        `json:"message"`
	Reason  string        `json:"reason"`
	Stage   string        `json:"stage"`
	Notice  *message.Wire `json:"notice,omitempty"`
}

// Helpline is the crisis line included with a safety intervention.
type Helpline struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// SafetyInterventionResponse is returned when a wellbeing concern was detected.
type SafetyInterventionResponse struct {
	Type        string        `json:"type"`
	ConcernType string        `json:"concern_type"`
	UserMessage *message.Wire `json:"user_message"`
	Response    *message.Wire `json:"response"`
	Helpline    Helpline      `json:"helpline"`
}

// AssessmentPendingResponse is returned with 202 once grading was dispatched.
type AssessmentPendingResponse struct {
	Type         string        `json:"type"`
	UserMessage  *message.Wire `json:"user_message"`
	InstanceID   string        `json:"instance_id"`
	MessageCount int           `json:"message_count"`
}

// StreamStarted is the payload of the "started" SSE event.
type StreamStarted struct {
	Message *message.Wire `json:"message"`
}

// StreamDelta is the payload of the "delta" SSE event.
type StreamDelta struct {
	Content string `json:"content"`
}

// StreamMetadata is the payload of the "metadata" SSE event.
type StreamMetadata struct {
	Citations  []streaming.Citation `json:"citations,omitempty"`
	Confidence *float64             `json:"confidence,omitempty"`
}

// StreamError is the payload of the "error" SSE event.
type StreamError struct {
	Message string `json:"message"`
}

// StreamDone is the payload of the final "done" SSE event.
type StreamDone struct {
	Status      string        `json:"status"`
	UserMessage *message.Wire `json:"user_message,omitempty"`
	Message     *message.Wire `json:"message,omitempty"`
}

// TranscriptResponse is returned by the transcript load endpoint.
type TranscriptResponse struct {
	InstanceID string          `json:"instance_id"`
	Data       []*message.Wire `json:"data"`
}

// SnapshotRequest is the body of POST /v1/sessions/snapshot.
type SnapshotRequest struct {
	TutorID    string         `json:"tutor_id" binding:"required"`
	RoomID     string         `json:"room_id" binding:"required"`
	InstanceID string         `json:"instance_id,omitempty"`
	Messages   []message.Wire `json:"messages" binding:"required,min=1,max=500"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
}

// ToWireList converts rows for the HTTP surface.
func ToWireList(rows []*message.Message) []*message.Wire {
	out := make([]*message.Wire, 0, len(rows))
	for _, row := range rows {
		out = append(out, message.ToWire(row))
	}
	return out
}
