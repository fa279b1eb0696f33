package streaming

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"jan-server/services/tutor-api/internal/domain/message"
)

// Citation references a knowledge passage used by a document-grounded reply.
type Citation struct {
	Source string  `json:"source"`
	Text   string  `json:"text,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// Chunk is one decoded upstream frame. A frame carries either a text delta or
// citation/confidence metadata.
type Chunk struct {
	Content    string
	Citations  []Citation
	Confidence *float64
}

// Stream reads frames until the terminal sentinel, after which Recv returns io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// CompletionClient talks to the external chat-completion service.
type CompletionClient interface {
	CreateStream(ctx context.Context, request openai.ChatCompletionRequest) (Stream, error)
	CreateCompletion(ctx context.Context, request openai.ChatCompletionRequest) (string, error)
}

// Sink receives the client-facing side of a stream.
type Sink interface {
	// Started announces the placeholder row the client should attach to.
	Started(msg *message.Message) error
	Delta(content string) error
	Metadata(citations []Citation, confidence *float64) error
	// Failed delivers a user-safe error message.
	Failed(userMessage string) error
	Completed(msg *message.Message) error
}

// Status is the terminal state of one streamed turn.
type Status string

const (
	StatusComplete    Status = "complete"
	StatusEmpty       Status = "empty"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// Turn is everything the adapter needs to stream one assistant reply.
type Turn struct {
	RoomID     string
	InstanceID string
	TutorID    string
	Request    openai.ChatCompletionRequest
}

// Result reports how a streamed turn ended.
type Result struct {
	Status  Status
	Message *message.Message
	Err     error
}
