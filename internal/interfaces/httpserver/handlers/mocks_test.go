package handlers_test

import (
	"context"
	"time"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/orchestrator"
	"jan-server/services/tutor-api/internal/domain/reconcile"
	"jan-server/services/tutor-api/internal/domain/streaming"
)

// MockMessageService is a mock implementation of handlers.MessageService.
type MockMessageService struct {
	HandleFunc func(ctx context.Context, req orchestrator.Request, sink streaming.Sink) (orchestrator.Result, error)
}

func (m *MockMessageService) Handle(ctx context.Context, req orchestrator.Request, sink streaming.Sink) (orchestrator.Result, error) {
	if m.HandleFunc != nil {
		return m.HandleFunc(ctx, req, sink)
	}
	return nil, nil
}

// MockMessageRepository is a mock implementation of message.Repository.
type MockMessageRepository struct {
	InsertFunc              func(ctx context.Context, msg *message.Message) error
	GetFunc                 func(ctx context.Context, id string) (*message.Message, error)
	UpdateContentFunc       func(ctx context.Context, id string, content string, metadata message.Metadata) error
	DeleteFunc              func(ctx context.Context, id string) error
	ListRecentFunc          func(ctx context.Context, filter message.ListFilter) ([]*message.Message, error)
	ListStreamingBeforeFunc func(ctx context.Context, before time.Time) ([]*message.Message, error)
}

func (m *MockMessageRepository) Insert(ctx context.Context, msg *message.Message) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, msg)
	}
	return nil
}

func (m *MockMessageRepository) Get(ctx context.Context, id string) (*message.Message, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	return nil, message.ErrNotFound
}

func (m *MockMessageRepository) UpdateContent(ctx context.Context, id string, content string, metadata message.Metadata) error {
	if m.UpdateContentFunc != nil {
		return m.UpdateContentFunc(ctx, id, content, metadata)
	}
	return nil
}

func (m *MockMessageRepository) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

func (m *MockMessageRepository) ListRecent(ctx context.Context, filter message.ListFilter) ([]*message.Message, error) {
	if m.ListRecentFunc != nil {
		return m.ListRecentFunc(ctx, filter)
	}
	return nil, nil
}

func (m *MockMessageRepository) ListStreamingBefore(ctx context.Context, before time.Time) ([]*message.Message, error) {
	if m.ListStreamingBeforeFunc != nil {
		return m.ListStreamingBeforeFunc(ctx, before)
	}
	return nil, nil
}

// MockInstanceRepository is a mock implementation of message.InstanceRepository.
type MockInstanceRepository struct {
	FindOrCreateFunc func(ctx context.Context, authorID, tutorID, roomID string) (*message.ConversationInstance, error)
	GetFunc          func(ctx context.Context, id string) (*message.ConversationInstance, error)
}

func (m *MockInstanceRepository) FindOrCreate(ctx context.Context, authorID, tutorID, roomID string) (*message.ConversationInstance, error) {
	if m.FindOrCreateFunc != nil {
		return m.FindOrCreateFunc(ctx, authorID, tutorID, roomID)
	}
	return &message.ConversationInstance{ID: "inst_default", AuthorID: authorID, TutorID: tutorID, RoomID: roomID}, nil
}

func (m *MockInstanceRepository) Get(ctx context.Context, id string) (*message.ConversationInstance, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	return nil, message.ErrNotFound
}

// MockDirectoryRepository is a mock implementation of message.DirectoryRepository.
type MockDirectoryRepository struct {
	GetTutorFunc   func(ctx context.Context, id string) (*message.Tutor, error)
	GetProfileFunc func(ctx context.Context, userID string) (*message.Profile, error)
	GetRoomFunc    func(ctx context.Context, id string) (*message.Room, error)
}

func (m *MockDirectoryRepository) GetTutor(ctx context.Context, id string) (*message.Tutor, error) {
	if m.GetTutorFunc != nil {
		return m.GetTutorFunc(ctx, id)
	}
	return &message.Tutor{ID: id, RoomID: "room_1", Mode: message.TutorModeChat}, nil
}

func (m *MockDirectoryRepository) GetProfile(ctx context.Context, userID string) (*message.Profile, error) {
	if m.GetProfileFunc != nil {
		return m.GetProfileFunc(ctx, userID)
	}
	return &message.Profile{UserID: userID, Role: message.AuthorRoleStudent}, nil
}

func (m *MockDirectoryRepository) GetRoom(ctx context.Context, id string) (*message.Room, error) {
	if m.GetRoomFunc != nil {
		return m.GetRoomFunc(ctx, id)
	}
	return &message.Room{ID: id, OwnerID: "teacher_1"}, nil
}

// MockSnapshotter is a mock implementation of reconcile.Snapshotter.
type MockSnapshotter struct {
	SnapshotFunc func(ctx context.Context, snapshot reconcile.Snapshot) error
}

func (m *MockSnapshotter) Snapshot(ctx context.Context, snapshot reconcile.Snapshot) error {
	if m.SnapshotFunc != nil {
		return m.SnapshotFunc(ctx, snapshot)
	}
	return nil
}
