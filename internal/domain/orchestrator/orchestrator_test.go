package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/assessment"
	"jan-server/services/tutor-api/internal/domain/contentfilter"
	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/moderation"
	"jan-server/services/tutor-api/internal/domain/prompt"
	"jan-server/services/tutor-api/internal/domain/retrieval"
	"jan-server/services/tutor-api/internal/domain/retry"
	"jan-server/services/tutor-api/internal/domain/safety"
	"jan-server/services/tutor-api/internal/domain/streaming"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

type harness struct {
	orchestrator *Orchestrator
	messages     *memoryMessages
	instances    *memoryInstances
	audit        *recordingAudit
	publisher    *recordingPublisher
	filter       *spyFilter
	moderator    *MockModerator
	retriever    *MockRetriever
	streamer     *MockStreamer
	completer    *MockCompleter
	grader       *MockGrader
	trigger      *assessment.Trigger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	policy, err := config.LoadPolicy("")
	require.NoError(t, err)
	filter, err := contentfilter.New(policy.ContentFilter)
	require.NoError(t, err)

	h := &harness{
		messages:  newMemoryMessages(),
		instances: newMemoryInstances(),
		audit:     &recordingAudit{},
		publisher: &recordingPublisher{},
		filter:    &spyFilter{inner: filter},
		moderator: &MockModerator{},
		retriever: &MockRetriever{},
		streamer:  &MockStreamer{},
		completer: &MockCompleter{CreateCompletionFunc: func(ctx context.Context, request openai.ChatCompletionRequest) (string, error) {
			return "I'm really glad you told me. You are not alone. Please call or text 988.", nil
		}},
		grader: &MockGrader{},
	}
	h.trigger = assessment.NewTrigger(assessment.Config{Token: "/grade", HistoryTurns: 5, Policy: retry.NoRetryPolicy()},
		h.messages, h.publisher, h.grader, nil, zerolog.Nop())

	directory := &staticDirectory{
		tutors: map[string]*message.Tutor{
			"tutor-chat": {ID: "tutor-chat", RoomID: "room-1", Name: "Helper", SystemPrompt: "You are a biology tutor.", Mode: message.TutorModeChat, KnowledgeBaseID: "kb-bio"},
			"tutor-quiz": {ID: "tutor-quiz", RoomID: "room-1", Name: "Quiz", Mode: message.TutorModeAssessment, AssessmentQuestions: []string{"What is a cell?"}},
		},
		profiles: map[string]*message.Profile{
			"student-us": {UserID: "student-us", Role: message.AuthorRoleStudent, IsMinor: true, CountryCode: "US"},
			"student-gb": {UserID: "student-gb", Role: message.AuthorRoleStudent, IsMinor: true},
			"teacher-gb": {UserID: "teacher-gb", Role: message.AuthorRoleTeacher, CountryCode: "GB"},
		},
		rooms: map[string]*message.Room{"room-1": {ID: "room-1", OwnerID: "teacher-gb"}},
	}

	h.orchestrator = New(Dependencies{
		Classifier: safety.NewClassifier(policy.Safety),
		Filter:     h.filter,
		Moderator:  h.moderator,
		Retriever:  h.retriever,
		Composer:   prompt.NewComposer(policy, 8000, zerolog.Nop()),
		Streamer:   h.streamer,
		Completer:  h.completer,
		Assessor:   h.trigger,
		Messages:   h.messages,
		Instances:  h.instances,
		Directory:  directory,
		Audit:      h.audit,
		Publisher:  h.publisher,
		Sanitizer:  passthroughSanitizer{},
		Policy:     policy,
	}, Config{DefaultModel: "jan-v1-4b", Temperature: 0.7, MaxTokens: 1024}, zerolog.Nop())
	return h
}

func flaggedModeration(ctx context.Context, text string, mc moderation.Context) moderation.Result {
	return moderation.Result{Flagged: true, Severity: moderation.SeverityHigh, Categories: []string{"self-harm"}, Message: "Let's talk about something else."}
}

func TestHandle_ConcernSkipsFilterAndOverridesModeration(t *testing.T) {
	h := newHarness(t)
	h.moderator.CheckFunc = flaggedModeration

	result, err := h.orchestrator.Handle(context.Background(), Request{
		AuthorID: "student-us",
		TutorID:  "tutor-chat",
		Content:  "I want to end it all",
	}, nil)
	require.NoError(t, err)

	intervention, ok := result.(SafetyIntervention)
	require.True(t, ok, "expected SafetyIntervention, got %T", result)
	assert.Equal(t, "self-harm", intervention.ConcernType)
	assert.Contains(t, intervention.Response.Content, "988")
	assert.Equal(t, "988 Suicide & Crisis Lifeline", intervention.Helpline.Name)

	assert.Equal(t, 0, h.filter.calls)
	assert.Equal(t, 1, h.moderator.calls)
	assert.Empty(t, h.streamer.turns)
	assert.Equal(t, 0, h.retriever.calls)
	assert.Empty(t, h.audit.rows)

	system := h.messages.byRole(message.RoleSystem)
	require.Len(t, system, 1)
	assert.True(t, system[0].IsSafety())
	assert.Equal(t, "self-harm", system[0].ConcernType())
	assert.Len(t, h.messages.byRole(message.RoleUser), 1)

	var sawSafety bool
	for _, e := range h.publisher.events {
		if e.Type == message.EventSafety {
			sawSafety = true
			assert.Equal(t, "self-harm", e.ConcernType)
		}
	}
	assert.True(t, sawSafety)
}

func TestHandle_ConcernWithFilterablePattern(t *testing.T) {
	h := newHarness(t)

	result, err := h.orchestrator.Handle(context.Background(), Request{
		AuthorID: "student-us",
		TutorID:  "tutor-chat",
		Content:  "My dad hits me, I live at 42 Elm Street, my email is kid@example.com",
	}, nil)
	require.NoError(t, err)

	_, ok := result.(SafetyIntervention)
	assert.True(t, ok, "expected SafetyIntervention, got %T", result)
	assert.Equal(t, 0, h.filter.calls)
}

func TestHandle_SafetyReplyFallback(t *testing.T) {
	h := newHarness(t)
	h.completer.CreateCompletionFunc = func(ctx context.Context, request openai.ChatCompletionRequest) (string, error) {
		return "", errors.New("completion down")
	}

	result, err := h.orchestrator.Handle(context.Background(), Request{
		AuthorID: "student-gb",
		TutorID:  "tutor-chat",
		Content:  "I want to end it all",
	}, nil)
	require.NoError(t, err)

	intervention := result.(SafetyIntervention)
	// The author has no country; the room owner's GB helpline applies.
	assert.Contains(t, intervention.Response.Content, "0800 1111")
}

func TestHandle_ContentFilterBlocksMinor(t *testing.T) {
	h := newHarness(t)

	result, err := h.orchestrator.Handle(context.Background(), Request{
		AuthorID: "student-us",
		TutorID:  "tutor-chat",
		Content:  "email me at kid@example.com",
	}, nil)
	require.NoError(t, err)

	blocked, ok := result.(Blocked)
	require.True(t, ok, "expected Blocked, got %T", result)
	assert.Equal(t, "content_filter", blocked.Stage)
	assert.Equal(t, "pii", blocked.Reason)
	assert.NotEmpty(t, blocked.Message)
	require.NotNil(t, blocked.Notice)
	assert.True(t, blocked.Notice.Metadata.Bool(message.MetaIsBlockNotice))

	assert.Equal(t, 0, h.moderator.calls)
	require.Len(t, h.audit.rows, 1)
	assert.Equal(t, "email me at kid@example.com", h.audit.rows[0].Content)
	assert.Empty(t, h.messages.byRole(message.RoleUser))
	assert.Len(t, h.messages.byRole(message.RoleSystem), 1)
	assert.Empty(t, h.streamer.turns)
}

func TestHandle_ModerationBlocks(t *testing.T) {
	h := newHarness(t)
	h.moderator.CheckFunc = flaggedModeration

	result, err := h.orchestrator.Handle(context.Background(), Request{
		AuthorID: "student-us",
		TutorID:  "tutor-chat",
		Content:  "tell me something awful",
	}, nil)
	require.NoError(t, err)

	blocked, ok := result.(Blocked)
	require.True(t, ok, "expected Blocked, got %T", result)
	assert.Equal(t, "moderation", blocked.Stage)
	assert.Equal(t, moderation.SeverityHigh, blocked.Reason)
	assert.Equal(t, "Let's talk about something else.", blocked.Message)
	require.Len(t, h.audit.rows, 1)
	assert.Equal(t, "moderation", h.audit.rows[0].Source)
	assert.Empty(t, h.streamer.turns)
}

func TestHandle_ModerationUnavailableFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.moderator.CheckFunc = func(ctx context.Context, text string, mc moderation.Context) moderation.Result {
		return moderation.Result{Severity: moderation.SeverityNone, Unavailable: true}
	}

	result, err := h.orchestrator.Handle(context.Background(), Request{AuthorID: "student-us", TutorID: "tutor-chat", Content: "what is osmosis?"}, nil)
	require.NoError(t, err)

	_, ok := result.(Streamed)
	assert.True(t, ok, "expected Streamed, got %T", result)
}

func TestHandle_AssessmentTrigger(t *testing.T) {
	h := newHarness(t)
	instance, err := h.instances.FindOrCreate(context.Background(), "student-us", "tutor-quiz", "room-1")
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		role := message.RoleUser
		if i%2 == 1 {
			role = message.RoleAssistant
		}
		require.NoError(t, h.messages.Insert(context.Background(), &message.Message{
			ID:                     fmt.Sprintf("m%d", i+1),
			RoomID:                 "room-1",
			Role:                   role,
			Content:                fmt.Sprintf("turn %d", i+1),
			CreatedAt:              base.Add(time.Duration(i) * time.Minute),
			ConversationInstanceID: instance.ID,
		}))
	}

	result, err := h.orchestrator.Handle(context.Background(), Request{AuthorID: "student-us", TutorID: "tutor-quiz", Content: "/grade"}, nil)
	require.NoError(t, err)
	h.trigger.Wait()

	pending, ok := result.(AssessmentPending)
	require.True(t, ok, "expected AssessmentPending, got %T", result)
	assert.Equal(t, 5, pending.MessageCount)
	assert.Empty(t, h.streamer.turns)
	assert.Equal(t, 0, h.retriever.calls)

	require.Len(t, h.grader.requests, 1)
	assert.Equal(t, []string{"m2", "m3", "m4", "m5", "m6"}, h.grader.requests[0].MessageIDs)
	assert.Equal(t, "tutor-quiz", h.grader.requests[0].TutorID)
}

func TestHandle_StreamsWithContext(t *testing.T) {
	h := newHarness(t)
	h.retriever.RetrieveFunc = func(ctx context.Context, query, scope string) ([]retrieval.Passage, error) {
		assert.Equal(t, "kb-bio", scope)
		return []retrieval.Passage{{Text: "Osmosis moves water across membranes.", Score: 0.9}}, nil
	}

	result, err := h.orchestrator.Handle(context.Background(), Request{
		AuthorID:    "student-us",
		TutorID:     "tutor-chat",
		Content:     "what is osmosis?",
		CountryCode: "gb",
	}, nil)
	require.NoError(t, err)

	streamed, ok := result.(Streamed)
	require.True(t, ok, "expected Streamed, got %T", result)
	assert.Equal(t, "what is osmosis?", streamed.UserMessage.Content)

	require.Len(t, h.streamer.turns, 1)
	turn := h.streamer.turns[0]
	assert.Equal(t, "jan-v1-4b", turn.Request.Model)
	assert.Equal(t, "room-1", turn.RoomID)
	require.NotEmpty(t, turn.Request.Messages)
	system := turn.Request.Messages[0].Content
	assert.Contains(t, system, "biology tutor")
	assert.Contains(t, system, "Osmosis moves water across membranes.")
	assert.Contains(t, system, "British English")
	last := turn.Request.Messages[len(turn.Request.Messages)-1]
	assert.Equal(t, "what is osmosis?", last.Content)
	for _, m := range turn.Request.Messages[1 : len(turn.Request.Messages)-1] {
		assert.NotEqual(t, "what is osmosis?", m.Content, "current turn duplicated in history")
	}
}

func TestHandle_RetrievalFailureContinues(t *testing.T) {
	h := newHarness(t)
	h.retriever.RetrieveFunc = func(ctx context.Context, query, scope string) ([]retrieval.Passage, error) {
		return nil, errors.New("vector store down")
	}

	result, err := h.orchestrator.Handle(context.Background(), Request{AuthorID: "student-us", TutorID: "tutor-chat", Content: "hello"}, nil)
	require.NoError(t, err)
	_, ok := result.(Streamed)
	assert.True(t, ok)
}

func TestHandle_IdempotentMessageID(t *testing.T) {
	h := newHarness(t)
	createdAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, h.messages.Insert(context.Background(), &message.Message{
		ID: "pre-1", RoomID: "room-1", AuthorID: "student-us", Role: message.RoleUser, Content: "hello", CreatedAt: createdAt,
	}))

	for i := 0; i < 2; i++ {
		result, err := h.orchestrator.Handle(context.Background(), Request{
			AuthorID: "student-us", TutorID: "tutor-chat", Content: "hello", MessageID: "pre-1",
		}, nil)
		require.NoError(t, err)
		streamed := result.(Streamed)
		assert.Equal(t, "pre-1", streamed.UserMessage.ID)
		assert.True(t, createdAt.Equal(streamed.UserMessage.CreatedAt))
	}

	assert.Len(t, h.messages.byRole(message.RoleUser), 1)
}

func TestHandle_SuppliedIDInsertedOnce(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		_, err := h.orchestrator.Handle(context.Background(), Request{
			AuthorID: "student-us", TutorID: "tutor-chat", Content: "hello", MessageID: "client-1",
		}, nil)
		require.NoError(t, err)
	}

	users := h.messages.byRole(message.RoleUser)
	require.Len(t, users, 1)
	assert.Equal(t, "client-1", users[0].ID)
}

func TestHandle_Errors(t *testing.T) {
	h := newHarness(t)
	other, err := h.instances.FindOrCreate(context.Background(), "student-gb", "tutor-chat", "room-1")
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     Request
		errType platformerrors.ErrorType
	}{
		{name: "empty content", req: Request{AuthorID: "student-us", TutorID: "tutor-chat", Content: "   "}, errType: platformerrors.ErrorTypeValidation},
		{name: "missing tutor id", req: Request{AuthorID: "student-us", Content: "hi"}, errType: platformerrors.ErrorTypeValidation},
		{name: "unknown tutor", req: Request{AuthorID: "student-us", TutorID: "nope", Content: "hi"}, errType: platformerrors.ErrorTypeNotFound},
		{name: "room mismatch", req: Request{AuthorID: "student-us", TutorID: "tutor-chat", RoomID: "room-2", Content: "hi"}, errType: platformerrors.ErrorTypeValidation},
		{name: "foreign instance", req: Request{AuthorID: "student-us", TutorID: "tutor-chat", InstanceID: other.ID, Content: "hi"}, errType: platformerrors.ErrorTypeForbidden},
		{name: "unknown instance", req: Request{AuthorID: "student-us", TutorID: "tutor-chat", InstanceID: "missing", Content: "hi"}, errType: platformerrors.ErrorTypeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.orchestrator.Handle(context.Background(), tt.req, nil)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.True(t, platformerrors.IsErrorType(err, tt.errType), "got %v", err)
		})
	}
}

func TestHandle_StreamFailureStillReturnsStreamed(t *testing.T) {
	h := newHarness(t)
	h.streamer.RunFunc = func(ctx context.Context, turn streaming.Turn, sink streaming.Sink) (*streaming.Result, error) {
		err := &streaming.UpstreamError{StatusCode: 429}
		return &streaming.Result{Status: streaming.StatusFailed, Err: err}, err
	}

	result, err := h.orchestrator.Handle(context.Background(), Request{AuthorID: "student-us", TutorID: "tutor-chat", Content: "hello"}, nil)
	require.NoError(t, err)
	streamed := result.(Streamed)
	assert.Equal(t, streaming.StatusFailed, streamed.Stream.Status)
	assert.True(t, strings.Contains(streaming.UserSafeMessage(streamed.Stream.Err), "high demand"))
}
