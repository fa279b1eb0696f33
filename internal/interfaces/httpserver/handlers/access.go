package handlers

import (
	"context"
	"errors"
	"strings"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/infrastructure/auth"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

// conversationAccess resolves which conversation instance a caller may read.
// Students only see their own instances; the teacher who owns the room sees all of them.
type conversationAccess struct {
	instances message.InstanceRepository
	directory message.DirectoryRepository
}

type accessQuery struct {
	RoomID     string
	TutorID    string
	InstanceID string
	// AuthorID selects another author's conversation; teachers only.
	AuthorID string
}

func (a *conversationAccess) resolve(ctx context.Context, principal *auth.Principal, q accessQuery) (*message.ConversationInstance, error) {
	if id := strings.TrimSpace(q.InstanceID); id != "" {
		instance, err := a.instances.Get(ctx, id)
		if err != nil {
			if errors.Is(err, message.ErrNotFound) {
				return nil, platformerrors.NewError(ctx, platformerrors.LayerHandler, platformerrors.ErrorTypeNotFound, "conversation instance not found", err, "")
			}
			return nil, platformerrors.AsError(ctx, platformerrors.LayerHandler, err, "load conversation instance")
		}
		if instance.RoomID != q.RoomID {
			return nil, platformerrors.NewError(ctx, platformerrors.LayerHandler, platformerrors.ErrorTypeNotFound, "conversation instance not found", nil, "")
		}
		if instance.AuthorID != principal.UserID {
			if err := a.requireRoomOwner(ctx, principal, q.RoomID); err != nil {
				return nil, err
			}
		}
		return instance, nil
	}

	if strings.TrimSpace(q.TutorID) == "" {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerHandler, platformerrors.ErrorTypeValidation, "tutor_id or instance_id is required", nil, "")
	}
	authorID := principal.UserID
	if other := strings.TrimSpace(q.AuthorID); other != "" && other != principal.UserID {
		if err := a.requireRoomOwner(ctx, principal, q.RoomID); err != nil {
			return nil, err
		}
		authorID = other
	}

	tutor, err := a.directory.GetTutor(ctx, q.TutorID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return nil, platformerrors.NewError(ctx, platformerrors.LayerHandler, platformerrors.ErrorTypeNotFound, "tutor not found", err, "")
		}
		return nil, platformerrors.AsError(ctx, platformerrors.LayerHandler, err, "load tutor")
	}
	if tutor.RoomID != "" && tutor.RoomID != q.RoomID {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerHandler, platformerrors.ErrorTypeValidation, "tutor does not belong to this room", nil, "")
	}

	instance, err := a.instances.FindOrCreate(ctx, authorID, tutor.ID, q.RoomID)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerHandler, err, "resolve conversation instance")
	}
	return instance, nil
}

func (a *conversationAccess) requireRoomOwner(ctx context.Context, principal *auth.Principal, roomID string) error {
	if principal.Role != message.AuthorRoleTeacher {
		return platformerrors.NewError(ctx, platformerrors.LayerHandler, platformerrors.ErrorTypeForbidden, "conversation belongs to another author", nil, "")
	}
	room, err := a.directory.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return platformerrors.NewError(ctx, platformerrors.LayerHandler, platformerrors.ErrorTypeNotFound, "room not found", err, "")
		}
		return platformerrors.AsError(ctx, platformerrors.LayerHandler, err, "load room")
	}
	if room.OwnerID != principal.UserID {
		return platformerrors.NewError(ctx, platformerrors.LayerHandler, platformerrors.ErrorTypeForbidden, "only the room owner may view other conversations", nil, "")
	}
	return nil
}
