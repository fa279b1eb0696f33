package orchestrator

import (
	"context"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/assessment"
	"jan-server/services/tutor-api/internal/domain/contentfilter"
	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/moderation"
	"jan-server/services/tutor-api/internal/domain/prompt"
	"jan-server/services/tutor-api/internal/domain/retrieval"
	"jan-server/services/tutor-api/internal/domain/safety"
	"jan-server/services/tutor-api/internal/domain/streaming"
)

// State is a step of the per-turn state machine.
type State string

const (
	StateReceived            State = "received"
	StateSafetyChecked       State = "safety_checked"
	StateFilterChecked       State = "filter_checked"
	StateModerationChecked   State = "moderation_checked"
	StateBlocked             State = "blocked"
	StateSafetyIntervention  State = "safety_intervention"
	StateAssessmentTriggered State = "assessment_triggered"
	StateContextBuilding     State = "context_building"
	StateStreaming           State = "streaming"
	StatePersisted           State = "persisted"
)

// Request is one submitted turn.
type Request struct {
	AuthorID    string
	AuthorRole  message.AuthorRole
	RoomID      string
	TutorID     string
	Content     string
	InstanceID  string
	// MessageID is set when the user row was already persisted upstream.
	MessageID   string
	Model       string
	CountryCode string
}

// Result is one of Blocked, SafetyIntervention, AssessmentPending or Streamed.
type Result interface {
	isResult()
}

// Blocked is returned when the content filter or moderation stopped the turn.
type Blocked struct {
	Stage   string
	Reason  string
	Message string
	Notice  *message.Message
}

// SafetyIntervention is returned when a concern was detected and a supportive reply was sent.
type SafetyIntervention struct {
	ConcernType string
	UserMessage *message.Message
	Response    *message.Message
	Helpline    config.Helpline
}

// AssessmentPending is returned once grading has been dispatched in the background.
type AssessmentPending struct {
	UserMessage  *message.Message
	InstanceID   string
	MessageCount int
}

// Streamed is returned after the assistant reply was streamed to the sink.
type Streamed struct {
	UserMessage *message.Message
	Stream      *streaming.Result
}

func (Blocked) isResult()            {}
func (SafetyIntervention) isResult() {}
func (AssessmentPending) isResult()  {}
func (Streamed) isResult()           {}

// Classifier is the safety classifier.
type Classifier interface {
	Classify(text string) safety.Finding
	ResponseFor(concernType string) string
}

// ContentFilter is the deterministic rule engine.
type ContentFilter interface {
	Check(text string, isMinor bool) contentfilter.Result
}

// Moderator is the moderation adapter.
type Moderator interface {
	Check(ctx context.Context, text string, mc moderation.Context) moderation.Result
}

// Retriever fetches grounding passages.
type Retriever interface {
	Retrieve(ctx context.Context, query, scope string) ([]retrieval.Passage, error)
}

// MemoryLoader loads the summary of earlier sessions.
type MemoryLoader interface {
	LoadSummary(ctx context.Context, authorID, tutorID, query string) (string, error)
}

// Composer builds the completion prompt.
type Composer interface {
	Compose(ctx context.Context, promptCtx *prompt.Context) (*prompt.Composition, error)
}

// Streamer runs the streaming completion adapter.
type Streamer interface {
	Run(ctx context.Context, turn streaming.Turn, sink streaming.Sink) (*streaming.Result, error)
}

// Assessor is the assessment trigger.
type Assessor interface {
	Matches(content string, tutor *message.Tutor) bool
	Prepare(ctx context.Context, instance *message.ConversationInstance) (assessment.GradingRequest, error)
	Dispatch(ctx context.Context, request assessment.GradingRequest)
}

// Sanitizer redacts PII before content reaches operational logs.
type Sanitizer interface {
	SanitizeContent(text string) string
	SanitizeUserID(userID string) string
}
