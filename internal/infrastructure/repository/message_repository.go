package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/infrastructure/database/entities"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

// MessageRepository persists transcript rows.
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs the message repository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Insert stores a new row. CreatedAt defaults to now.
func (r *MessageRepository) Insert(ctx context.Context, msg *message.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	row := entities.NewSchemaMessage(msg)
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeConflict,
				fmt.Sprintf("message %s already exists", msg.ID), err, "message-insert-duplicate")
		}
		return platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeDatabaseError,
			"failed to insert message", err, "message-insert-error")
	}
	return nil
}

// Get returns a row by id or message.ErrNotFound.
func (r *MessageRepository) Get(ctx context.Context, id string) (*message.Message, error) {
	var row entities.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, message.ErrNotFound
		}
		return nil, platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeDatabaseError,
			"failed to load message", err, "message-get-error")
	}
	return row.EtoD(), nil
}

// UpdateContent replaces content and metadata of an existing row.
func (r *MessageRepository) UpdateContent(ctx context.Context, id string, content string, metadata message.Metadata) error {
	if metadata == nil {
		metadata = message.Metadata{}
	}
	result := r.db.WithContext(ctx).
		Model(&entities.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"content":    content,
			"metadata":   datatypes.JSONMap(metadata),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeDatabaseError,
			"failed to update message", result.Error, "message-update-error")
	}
	if result.RowsAffected == 0 {
		return message.ErrNotFound
	}
	return nil
}

// Delete removes a row. Deleting a missing row is not an error.
func (r *MessageRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&entities.Message{}).Error; err != nil {
		return platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeDatabaseError,
			"failed to delete message", err, "message-delete-error")
	}
	return nil
}

// ListRecent returns the newest Limit rows of a conversation, oldest first.
func (r *MessageRepository) ListRecent(ctx context.Context, filter message.ListFilter) ([]*message.Message, error) {
	query := r.db.WithContext(ctx).Model(&entities.Message{})
	switch {
	case filter.InstanceID != "":
		query = query.Where("conversation_instance_id = ?", filter.InstanceID)
	case filter.RoomID != "":
		query = query.Where("room_id = ?", filter.RoomID)
		if filter.AuthorID != "" {
			query = query.Where("author_id = ?", filter.AuthorID)
		}
	default:
		return nil, platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeValidation,
			"room or conversation instance is required", nil, "message-list-scope")
	}
	if filter.Before != nil {
		query = query.Where("created_at < ?", *filter.Before)
	}
	query = query.Order("created_at DESC").Order("id DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []entities.Message
	if err := query.Find(&rows).Error; err != nil {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeDatabaseError,
			"failed to list messages", err, "message-list-error")
	}
	return reverse(rows), nil
}

// ListStreamingBefore returns rows still marked streaming or thinking that were created before the cutoff.
func (r *MessageRepository) ListStreamingBefore(ctx context.Context, before time.Time) ([]*message.Message, error) {
	var rows []entities.Message
	err := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Where("((metadata ->> ?)::boolean IS TRUE OR (metadata ->> ?)::boolean IS TRUE)",
			message.MetaIsStreaming, message.MetaIsThinking).
		Order("created_at ASC").
		Limit(500).
		Find(&rows).Error
	if err != nil {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeDatabaseError,
			"failed to list streaming messages", err, "message-list-streaming-error")
	}
	out := make([]*message.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].EtoD())
	}
	return out, nil
}

func reverse(rows []entities.Message) []*message.Message {
	out := make([]*message.Message, len(rows))
	for i := range rows {
		out[len(rows)-1-i] = rows[i].EtoD()
	}
	return out
}
