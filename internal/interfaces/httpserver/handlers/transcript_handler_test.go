package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/reconcile"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/dto"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/handlers"
)

func newTranscriptRouter(t *testing.T, repo *MockMessageRepository, instances *MockInstanceRepository, directory *MockDirectoryRepository) http.Handler {
	router := newRouter(t)
	h := handlers.NewTranscriptHandler(repo, instances, directory, reconcile.DefaultOptions(), zerolog.Nop())
	router.GET("/v1/rooms/:room_id/messages", h.List)
	return router
}

func TestTranscriptHandler_List_DropsStaleSafetyRows(t *testing.T) {
	now := time.Now()
	var gotFilter message.ListFilter
	repo := &MockMessageRepository{
		ListRecentFunc: func(ctx context.Context, filter message.ListFilter) ([]*message.Message, error) {
			gotFilter = filter
			return []*message.Message{
				{ID: "m1", Role: message.RoleUser, Content: "hi", CreatedAt: now.Add(-2 * time.Hour)},
				{ID: "m2", Role: message.RoleAssistant, Content: "take care", CreatedAt: now.Add(-time.Hour),
					Metadata: message.Metadata{message.MetaIsSafetyResponse: true, message.MetaConcernType: "self-harm"}},
				{ID: "m3", Role: message.RoleAssistant, Content: "hello!", CreatedAt: now.Add(-time.Minute)},
			}, nil
		},
	}
	var gotAuthor string
	instances := &MockInstanceRepository{
		FindOrCreateFunc: func(ctx context.Context, authorID, tutorID, roomID string) (*message.ConversationInstance, error) {
			gotAuthor = authorID
			return &message.ConversationInstance{ID: "inst_1", AuthorID: authorID, TutorID: tutorID, RoomID: roomID}, nil
		},
	}

	w := doRequest(newTranscriptRouter(t, repo, instances, &MockDirectoryRepository{}), http.MethodGet,
		"/v1/rooms/room_1/messages?tutor_id=tutor_1&limit=50", "student_1", "", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "student_1", gotAuthor)
	assert.Equal(t, "inst_1", gotFilter.InstanceID)
	assert.Equal(t, 50, gotFilter.Limit)

	var resp dto.TranscriptResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "inst_1", resp.InstanceID)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "m1", resp.Data[0].ID)
	assert.Equal(t, "m3", resp.Data[1].ID)
}

func TestTranscriptHandler_List_Access(t *testing.T) {
	foreign := &message.ConversationInstance{ID: "inst_other", AuthorID: "student_2", TutorID: "tutor_1", RoomID: "room_1"}
	instances := &MockInstanceRepository{
		GetFunc: func(ctx context.Context, id string) (*message.ConversationInstance, error) {
			if id == foreign.ID {
				return foreign, nil
			}
			return nil, message.ErrNotFound
		},
	}

	tests := []struct {
		name       string
		query      string
		userID     string
		role       string
		wantStatus int
	}{
		{name: "student reading another student", query: "instance_id=inst_other", userID: "student_1", wantStatus: http.StatusForbidden},
		{name: "room owner reading a student", query: "instance_id=inst_other", userID: "teacher_1", role: "teacher", wantStatus: http.StatusOK},
		{name: "other teacher", query: "instance_id=inst_other", userID: "teacher_9", role: "teacher", wantStatus: http.StatusForbidden},
		{name: "unknown instance", query: "instance_id=inst_missing", userID: "student_1", wantStatus: http.StatusNotFound},
		{name: "missing selector", query: "", userID: "student_1", wantStatus: http.StatusBadRequest},
		{name: "student impersonation", query: "tutor_id=tutor_1&author_id=student_2", userID: "student_1", wantStatus: http.StatusForbidden},
		{name: "invalid limit", query: "tutor_id=tutor_1&limit=-3", userID: "student_1", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTranscriptRouter(t, &MockMessageRepository{}, instances, &MockDirectoryRepository{})
			w := doRequest(router, http.MethodGet, "/v1/rooms/room_1/messages?"+tt.query, tt.userID, tt.role, "")
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestTranscriptHandler_List_TutorFromAnotherRoom(t *testing.T) {
	directory := &MockDirectoryRepository{
		GetTutorFunc: func(ctx context.Context, id string) (*message.Tutor, error) {
			return &message.Tutor{ID: id, RoomID: "room_9"}, nil
		},
	}
	router := newTranscriptRouter(t, &MockMessageRepository{}, &MockInstanceRepository{}, directory)

	w := doRequest(router, http.MethodGet, "/v1/rooms/room_1/messages?tutor_id=tutor_1", "student_1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
