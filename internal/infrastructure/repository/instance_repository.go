package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/infrastructure/database/entities"
	"jan-server/services/tutor-api/internal/utils/idgen"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

// InstanceRepository manages conversation instances.
type InstanceRepository struct {
	db *gorm.DB
}

// NewInstanceRepository constructs the instance repository.
func NewInstanceRepository(db *gorm.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// FindOrCreate returns the instance for (author, tutor, room), creating it on first use.
// Concurrent first turns converge on one row through the unique constraint.
func (r *InstanceRepository) FindOrCreate(ctx context.Context, authorID, tutorID, roomID string) (*message.ConversationInstance, error) {
	row := entities.ConversationInstance{
		ID:        idgen.NewMessageID(),
		AuthorID:  authorID,
		TutorID:   tutorID,
		RoomID:    roomID,
		CreatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "author_id"}, {Name: "tutor_id"}, {Name: "room_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeDatabaseError,
			"failed to create conversation instance", err, "instance-create-error")
	}

	var existing entities.ConversationInstance
	err = r.db.WithContext(ctx).
		Where("author_id = ? AND tutor_id = ? AND room_id = ?", authorID, tutorID, roomID).
		First(&existing).Error
	if err != nil {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeDatabaseError,
			"failed to load conversation instance", err, "instance-load-error")
	}
	return existing.EtoD(), nil
}

// Get returns an instance by id or message.ErrNotFound.
func (r *InstanceRepository) Get(ctx context.Context, id string) (*message.ConversationInstance, error) {
	var row entities.ConversationInstance
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, message.ErrNotFound
		}
		return nil, platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeDatabaseError,
			"failed to load conversation instance", err, "instance-get-error")
	}
	return row.EtoD(), nil
}
