package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/infrastructure/database/entities"
	"jan-server/services/tutor-api/internal/utils/idgen"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

// DirectoryRepository reads tutors, profiles and rooms.
type DirectoryRepository struct {
	db *gorm.DB
}

// NewDirectoryRepository constructs the directory repository.
func NewDirectoryRepository(db *gorm.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// GetTutor returns a tutor or message.ErrNotFound.
func (r *DirectoryRepository) GetTutor(ctx context.Context, id string) (*message.Tutor, error) {
	var row entities.Tutor
	if err := first(ctx, r.db, &row, "id = ?", id); err != nil {
		return nil, err
	}
	return row.EtoD(), nil
}

// GetProfile returns a profile or message.ErrNotFound.
func (r *DirectoryRepository) GetProfile(ctx context.Context, userID string) (*message.Profile, error) {
	var row entities.Profile
	if err := first(ctx, r.db, &row, "user_id = ?", userID); err != nil {
		return nil, err
	}
	return row.EtoD(), nil
}

// GetRoom returns a room or message.ErrNotFound.
func (r *DirectoryRepository) GetRoom(ctx context.Context, id string) (*message.Room, error) {
	var row entities.Room
	if err := first(ctx, r.db, &row, "id = ?", id); err != nil {
		return nil, err
	}
	return row.EtoD(), nil
}

func first(ctx context.Context, db *gorm.DB, dest any, query string, args ...any) error {
	if err := db.WithContext(ctx).Where(query, args...).First(dest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return message.ErrNotFound
		}
		return platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeDatabaseError,
			"failed to load directory row", err, "directory-get-error")
	}
	return nil
}

// AuditRepository stores flagged-content rows.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository constructs the audit repository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// RecordFlagged writes one audit row with the raw blocked content.
func (r *AuditRepository) RecordFlagged(ctx context.Context, flagged *message.FlaggedContent) error {
	if flagged.ID == "" {
		flagged.ID = idgen.NewMessageID()
	}
	if err := r.db.WithContext(ctx).Create(entities.NewSchemaFlaggedContent(flagged)).Error; err != nil {
		return platformerrors.NewError(ctx, platformerrors.LayerRepository, platformerrors.ErrorTypeDatabaseError,
			"failed to record flagged content", err, "audit-record-error")
	}
	return nil
}
