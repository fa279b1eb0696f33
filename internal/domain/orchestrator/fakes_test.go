package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"jan-server/services/tutor-api/internal/domain/assessment"
	"jan-server/services/tutor-api/internal/domain/contentfilter"
	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/moderation"
	"jan-server/services/tutor-api/internal/domain/retrieval"
	"jan-server/services/tutor-api/internal/domain/streaming"
)

type memoryMessages struct {
	mu      sync.Mutex
	rows    map[string]*message.Message
	inserts int
}

func newMemoryMessages() *memoryMessages {
	return &memoryMessages{rows: make(map[string]*message.Message)}
}

func (r *memoryMessages) Insert(ctx context.Context, msg *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[msg.ID] = msg.Clone()
	r.inserts++
	return nil
}

func (r *memoryMessages) Get(ctx context.Context, id string) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	return row.Clone(), nil
}

func (r *memoryMessages) UpdateContent(ctx context.Context, id string, content string, metadata message.Metadata) error {
	return nil
}

func (r *memoryMessages) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memoryMessages) ListRecent(ctx context.Context, filter message.ListFilter) ([]*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*message.Message
	for _, row := range r.rows {
		if filter.InstanceID != "" && row.ConversationInstanceID != filter.InstanceID {
			continue
		}
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (r *memoryMessages) ListStreamingBefore(ctx context.Context, before time.Time) ([]*message.Message, error) {
	return nil, nil
}

func (r *memoryMessages) byRole(role message.Role) []*message.Message {
	rows, _ := r.ListRecent(context.Background(), message.ListFilter{})
	var out []*message.Message
	for _, row := range rows {
		if row.Role == role {
			out = append(out, row)
		}
	}
	return out
}

type memoryInstances struct {
	mu        sync.Mutex
	instances map[string]*message.ConversationInstance
}

func newMemoryInstances() *memoryInstances {
	return &memoryInstances{instances: make(map[string]*message.ConversationInstance)}
}

func (r *memoryInstances) FindOrCreate(ctx context.Context, authorID, tutorID, roomID string) (*message.ConversationInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.AuthorID == authorID && inst.TutorID == tutorID && inst.RoomID == roomID {
			return inst, nil
		}
	}
	inst := &message.ConversationInstance{ID: "inst-" + authorID, AuthorID: authorID, TutorID: tutorID, RoomID: roomID}
	r.instances[inst.ID] = inst
	return inst, nil
}

func (r *memoryInstances) Get(ctx context.Context, id string) (*message.ConversationInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	return inst, nil
}

type staticDirectory struct {
	tutors   map[string]*message.Tutor
	profiles map[string]*message.Profile
	rooms    map[string]*message.Room
}

func (d *staticDirectory) GetTutor(ctx context.Context, id string) (*message.Tutor, error) {
	if t, ok := d.tutors[id]; ok {
		return t, nil
	}
	return nil, message.ErrNotFound
}

func (d *staticDirectory) GetProfile(ctx context.Context, userID string) (*message.Profile, error) {
	if p, ok := d.profiles[userID]; ok {
		return p, nil
	}
	return nil, message.ErrNotFound
}

func (d *staticDirectory) GetRoom(ctx context.Context, id string) (*message.Room, error) {
	if r, ok := d.rooms[id]; ok {
		return r, nil
	}
	return nil, message.ErrNotFound
}

type recordingAudit struct {
	rows []*message.FlaggedContent
}

func (a *recordingAudit) RecordFlagged(ctx context.Context, row *message.FlaggedContent) error {
	a.rows = append(a.rows, row)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []message.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event message.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type spyFilter struct {
	inner ContentFilter
	calls int
}

func (f *spyFilter) Check(text string, isMinor bool) contentfilter.Result {
	f.calls++
	return f.inner.Check(text, isMinor)
}

type MockModerator struct {
	calls     int
	CheckFunc func(ctx context.Context, text string, mc moderation.Context) moderation.Result
}

func (m *MockModerator) Check(ctx context.Context, text string, mc moderation.Context) moderation.Result {
	m.calls++
	if m.CheckFunc == nil {
		return moderation.Result{Severity: moderation.SeverityNone}
	}
	return m.CheckFunc(ctx, text, mc)
}

type MockRetriever struct {
	calls        int
	RetrieveFunc func(ctx context.Context, query, scope string) ([]retrieval.Passage, error)
}

func (m *MockRetriever) Retrieve(ctx context.Context, query, scope string) ([]retrieval.Passage, error) {
	m.calls++
	if m.RetrieveFunc == nil {
		return nil, nil
	}
	return m.RetrieveFunc(ctx, query, scope)
}

type MockStreamer struct {
	turns   []streaming.Turn
	RunFunc func(ctx context.Context, turn streaming.Turn, sink streaming.Sink) (*streaming.Result, error)
}

func (m *MockStreamer) Run(ctx context.Context, turn streaming.Turn, sink streaming.Sink) (*streaming.Result, error) {
	m.turns = append(m.turns, turn)
	if m.RunFunc == nil {
		return &streaming.Result{Status: streaming.StatusComplete}, nil
	}
	return m.RunFunc(ctx, turn, sink)
}

type MockCompleter struct {
	CreateCompletionFunc func(ctx context.Context, request openai.ChatCompletionRequest) (string, error)
}

func (m *MockCompleter) CreateStream(ctx context.Context, request openai.ChatCompletionRequest) (streaming.Stream, error) {
	return nil, nil
}

func (m *MockCompleter) CreateCompletion(ctx context.Context, request openai.ChatCompletionRequest) (string, error) {
	return m.CreateCompletionFunc(ctx, request)
}

type MockGrader struct {
	mu       sync.Mutex
	requests []assessment.GradingRequest
}

func (m *MockGrader) SubmitGrading(ctx context.Context, request assessment.GradingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, request)
	return nil
}

type passthroughSanitizer struct{}

func (passthroughSanitizer) SanitizeContent(text string) string { return "[redacted]" }
func (passthroughSanitizer) SanitizeUserID(id string) string    { return "user" }
