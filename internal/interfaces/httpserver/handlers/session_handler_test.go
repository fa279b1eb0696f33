package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/tutor-api/internal/domain/reconcile"
	"jan-server/services/tutor-api/internal/infrastructure/memory"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/handlers"
)

const snapshotBody = `{
	"tutor_id": "tutor_1",
	"room_id": "room_1",
	"instance_id": "inst_1",
	"started_at": "2026-10-01T09:00:00Z",
	"messages": [
		{"id": "m1", "room_id": "room_1", "author_id": "student_1", "role": "user", "content": "what is a prime?"},
		{"id": "m2", "room_id": "room_1", "author_id": "student_2", "role": "user", "content": "not mine"},
		{"id": "m3", "room_id": "room_1", "role": "assistant", "content": "A number with two divisors."}
	]
}`

func TestSessionHandler_Snapshot(t *testing.T) {
	var got reconcile.Snapshot
	snapshotter := &MockSnapshotter{
		SnapshotFunc: func(ctx context.Context, snapshot reconcile.Snapshot) error {
			got = snapshot
			return nil
		},
	}
	router := newRouter(t)
	h := handlers.NewSessionHandler(snapshotter, zerolog.Nop())
	router.POST("/v1/sessions/snapshot", h.Snapshot)

	w := doRequest(router, http.MethodPost, "/v1/sessions/snapshot", "student_1", "", snapshotBody)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "student_1", got.AuthorID)
	assert.Equal(t, "tutor_1", got.TutorID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "m1", got.Messages[0].ID)
	assert.Equal(t, "m3", got.Messages[1].ID)
	assert.False(t, got.EndedAt.IsZero())
}

func TestSessionHandler_Snapshot_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{name: "memory disabled", err: memory.ErrDisabled, wantStatus: http.StatusAccepted, wantBody: "skipped"},
		{name: "memory unavailable", err: errors.New("connection refused"), wantStatus: http.StatusBadGateway, wantBody: "memory service unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshotter := &MockSnapshotter{
				SnapshotFunc: func(ctx context.Context, snapshot reconcile.Snapshot) error { return tt.err },
			}
			router := newRouter(t)
			h := handlers.NewSessionHandler(snapshotter, zerolog.Nop())
			router.POST("/v1/sessions/snapshot", h.Snapshot)

			w := doRequest(router, http.MethodPost, "/v1/sessions/snapshot", "student_1", "", snapshotBody)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}
