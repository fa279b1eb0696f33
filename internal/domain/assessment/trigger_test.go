package assessment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/retry"
)

type stubRepository struct {
	mu       sync.Mutex
	rows     []*message.Message
	inserted []*message.Message
}

func (r *stubRepository) Insert(ctx context.Context, msg *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserted = append(r.inserted, msg.Clone())
	return nil
}

func (r *stubRepository) Get(ctx context.Context, id string) (*message.Message, error) {
	return nil, message.ErrNotFound
}

func (r *stubRepository) UpdateContent(ctx context.Context, id string, content string, metadata message.Metadata) error {
	return nil
}

func (r *stubRepository) Delete(ctx context.Context, id string) error { return nil }

func (r *stubRepository) ListRecent(ctx context.Context, filter message.ListFilter) ([]*message.Message, error) {
	rows := r.rows
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[len(rows)-filter.Limit:]
	}
	return rows, nil
}

func (r *stubRepository) ListStreamingBefore(ctx context.Context, before time.Time) ([]*message.Message, error) {
	return nil, nil
}

type MockGrader struct {
	mu                sync.Mutex
	calls             []GradingRequest
	SubmitGradingFunc func(ctx context.Context, request GradingRequest) error
}

func (m *MockGrader) SubmitGrading(ctx context.Context, request GradingRequest) error {
	m.mu.Lock()
	m.calls = append(m.calls, request)
	m.mu.Unlock()
	if m.SubmitGradingFunc == nil {
		return nil
	}
	return m.SubmitGradingFunc(ctx, request)
}

type MockLocker struct {
	AcquireFunc func(ctx context.Context, key string) (func(), error)
}

func (m *MockLocker) Acquire(ctx context.Context, key string) (func(), error) {
	return m.AcquireFunc(ctx, key)
}

func testInstance() *message.ConversationInstance {
	return &message.ConversationInstance{ID: "inst-1", AuthorID: "student-1", TutorID: "tutor-1", RoomID: "room-1"}
}

func transcript(turns int) []*message.Message {
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	var rows []*message.Message
	for i := 0; i < turns; i++ {
		role := message.RoleUser
		if i%2 == 1 {
			role = message.RoleAssistant
		}
		rows = append(rows, &message.Message{
			ID:        fmt.Sprintf("m%d", i+1),
			Role:      role,
			Content:   fmt.Sprintf("turn %d", i+1),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return rows
}

func newTestTrigger(repo message.Repository, grader Grader, locker Locker, delays *[]time.Duration) *Trigger {
	var mu sync.Mutex
	return NewTrigger(Config{Token: "/grade", HistoryTurns: 5, Policy: retry.DispatchPolicy()}, repo, nil, grader, locker, zerolog.Nop(),
		retry.WithWaitFunc(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			if delays != nil {
				*delays = append(*delays, d)
			}
			return nil
		}),
	)
}

func TestMatches(t *testing.T) {
	trigger := newTestTrigger(&stubRepository{}, &MockGrader{}, nil, nil)

	tests := []struct {
		name    string
		content string
		tutor   *message.Tutor
		want    bool
	}{
		{name: "assessment tutor", content: "/grade", tutor: &message.Tutor{Mode: message.TutorModeAssessment}, want: true},
		{name: "surrounding whitespace", content: "  /GRADE ", tutor: &message.Tutor{Mode: message.TutorModeAssessment}, want: true},
		{name: "chat tutor", content: "/grade", tutor: &message.Tutor{Mode: message.TutorModeChat}, want: false},
		{name: "nil tutor", content: "/grade", tutor: nil, want: false},
		{name: "token inside text", content: "please /grade me", tutor: &message.Tutor{Mode: message.TutorModeAssessment}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trigger.Matches(tt.content, tt.tutor))
		})
	}
}

func TestPrepare_LastNChronological(t *testing.T) {
	rows := transcript(6)
	rows = append(rows,
		&message.Message{ID: "sys", Role: message.RoleSystem, Content: "notice"},
		&message.Message{ID: "trigger", Role: message.RoleUser, Content: "/grade"},
	)
	trigger := newTestTrigger(&stubRepository{rows: rows}, &MockGrader{}, nil, nil)

	req, err := trigger.Prepare(context.Background(), testInstance())
	require.NoError(t, err)

	assert.Equal(t, []string{"m2", "m3", "m4", "m5", "m6"}, req.MessageIDs)
	assert.Equal(t, "student-1", req.AuthorID)
	assert.Equal(t, "tutor-1", req.TutorID)
	assert.Equal(t, "room-1", req.RoomID)
}

func TestDispatch_SucceedsAfterRetry(t *testing.T) {
	var attempts int
	grader := &MockGrader{SubmitGradingFunc: func(ctx context.Context, request GradingRequest) error {
		attempts++
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		if attempts < 2 {
			return errors.New("grading unavailable")
		}
		return nil
	}}
	repo := &stubRepository{}
	var delays []time.Duration
	trigger := newTestTrigger(repo, grader, nil, &delays)

	ctx, cancel := context.WithCancel(context.Background())
	trigger.Dispatch(ctx, GradingRequest{InstanceID: "inst-1", MessageIDs: []string{"m1"}})
	cancel()
	trigger.Wait()

	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Second}, delays)
	assert.Empty(t, repo.inserted)
}

func TestDispatch_FinalFailureInsertsSystemRow(t *testing.T) {
	grader := &MockGrader{SubmitGradingFunc: func(ctx context.Context, request GradingRequest) error {
		return errors.New("grading unavailable")
	}}
	repo := &stubRepository{}
	var delays []time.Duration
	trigger := newTestTrigger(repo, grader, nil, &delays)

	trigger.Dispatch(context.Background(), GradingRequest{RoomID: "room-1", TutorID: "tutor-1", InstanceID: "inst-1"})
	trigger.Wait()

	assert.Len(t, grader.calls, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	require.Len(t, repo.inserted, 1)
	row := repo.inserted[0]
	assert.Equal(t, message.RoleSystem, row.Role)
	assert.Equal(t, "inst-1", row.ConversationInstanceID)
	assert.True(t, row.Metadata.Bool(message.MetaIsAssessmentError))
}

func TestDispatch_LockedInstanceSkips(t *testing.T) {
	grader := &MockGrader{}
	locker := &MockLocker{AcquireFunc: func(ctx context.Context, key string) (func(), error) {
		assert.Equal(t, "assessment:inst-1", key)
		return nil, ErrLocked
	}}
	trigger := newTestTrigger(&stubRepository{}, grader, locker, nil)

	trigger.Dispatch(context.Background(), GradingRequest{InstanceID: "inst-1"})
	trigger.Wait()

	assert.Empty(t, grader.calls)
}

func TestDispatch_ReleasesLock(t *testing.T) {
	released := false
	locker := &MockLocker{AcquireFunc: func(ctx context.Context, key string) (func(), error) {
		return func() { released = true }, nil
	}}
	grader := &MockGrader{}
	trigger := newTestTrigger(&stubRepository{}, grader, locker, nil)

	trigger.Dispatch(context.Background(), GradingRequest{InstanceID: "inst-1"})
	trigger.Wait()

	assert.Len(t, grader.calls, 1)
	assert.True(t, released)
}
