package entities

import (
	"time"

	"gorm.io/datatypes"

	"jan-server/services/tutor-api/internal/domain/message"
)

// Tutor rows are owned by the classroom service; tutor-api only reads them.
type Tutor struct {
	ID                  string                      `gorm:"type:varchar(64);primaryKey"`
	RoomID              string                      `gorm:"type:varchar(64);index"`
	Name                string                      `gorm:"type:varchar(255)"`
	SystemPrompt        string                      `gorm:"type:text"`
	Model               string                      `gorm:"type:varchar(128)"`
	Mode                string                      `gorm:"type:varchar(32)"`
	KnowledgeBaseID     string                      `gorm:"type:varchar(64)"`
	AssessmentQuestions datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	Temperature         *float64
	MaxTokens           *int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TableName specifies the table name for Tutor.
func (Tutor) TableName() string {
	return "tutor_api.tutors"
}

// EtoD converts the row to the domain tutor.
func (t *Tutor) EtoD() *message.Tutor {
	mode := message.TutorMode(t.Mode)
	if mode == "" {
		mode = message.TutorModeChat
	}
	return &message.Tutor{
		ID:                  t.ID,
		RoomID:              t.RoomID,
		Name:                t.Name,
		SystemPrompt:        t.SystemPrompt,
		Model:               t.Model,
		Mode:                mode,
		KnowledgeBaseID:     t.KnowledgeBaseID,
		AssessmentQuestions: []string(t.AssessmentQuestions),
		Temperature:         t.Temperature,
		MaxTokens:           t.MaxTokens,
	}
}

// Profile rows are maintained by the roster service.
type Profile struct {
	UserID      string `gorm:"type:varchar(64);primaryKey"`
	Role        string `gorm:"type:varchar(32)"`
	IsMinor     bool
	CountryCode string `gorm:"type:varchar(8)"`
	UpdatedAt   time.Time
}

// TableName specifies the table name for Profile.
func (Profile) TableName() string {
	return "tutor_api.profiles"
}

// EtoD converts the row to the domain profile.
func (p *Profile) EtoD() *message.Profile {
	return &message.Profile{
		UserID:      p.UserID,
		Role:        message.AuthorRole(p.Role),
		IsMinor:     p.IsMinor,
		CountryCode: p.CountryCode,
	}
}

// Room is the classroom row.
type Room struct {
	ID        string `gorm:"type:varchar(64);primaryKey"`
	OwnerID   string `gorm:"type:varchar(64)"`
	CreatedAt time.Time
}

// TableName specifies the table name for Room.
func (Room) TableName() string {
	return "tutor_api.rooms"
}

// EtoD converts the row to the domain room.
func (r *Room) EtoD() *message.Room {
	return &message.Room{ID: r.ID, OwnerID: r.OwnerID}
}
