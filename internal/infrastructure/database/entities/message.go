package entities

import (
	"time"

	"gorm.io/datatypes"

	"jan-server/services/tutor-api/internal/domain/message"
)

// Message is the transcript row table.
type Message struct {
	ID                     string            `gorm:"type:varchar(64);primaryKey"`
	RoomID                 string            `gorm:"type:varchar(64);index:idx_messages_room_created;not null"`
	AuthorID               string            `gorm:"type:varchar(64);not null"`
	Role                   string            `gorm:"type:varchar(16);not null"`
	Content                string            `gorm:"type:text;not null;default:''"`
	ConversationInstanceID *string           `gorm:"type:varchar(64);index:idx_messages_instance_created"`
	Metadata               datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt              time.Time         `gorm:"index:idx_messages_instance_created;index:idx_messages_room_created"`
	UpdatedAt              time.Time         `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Message.
func (Message) TableName() string {
	return "tutor_api.messages"
}

// EtoD converts the row to the domain message.
func (m *Message) EtoD() *message.Message {
	out := &message.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Role:      message.Role(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Metadata:  message.Metadata(m.Metadata),
	}
	if m.ConversationInstanceID != nil {
		out.ConversationInstanceID = *m.ConversationInstanceID
	}
	if out.Metadata == nil {
		out.Metadata = message.Metadata{}
	}
	return out
}

// NewSchemaMessage creates a row from the domain message.
func NewSchemaMessage(m *message.Message) *Message {
	row := &Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Role:      string(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Metadata:  datatypes.JSONMap(m.Metadata),
	}
	if m.ConversationInstanceID != "" {
		id := m.ConversationInstanceID
		row.ConversationInstanceID = &id
	}
	if row.Metadata == nil {
		row.Metadata = datatypes.JSONMap{}
	}
	return row
}

// ConversationInstance isolates one author's conversation with one tutor.
type ConversationInstance struct {
	ID        string    `gorm:"type:varchar(64);primaryKey"`
	AuthorID  string    `gorm:"type:varchar(64);uniqueIndex:uq_conversation_instance;not null"`
	TutorID   string    `gorm:"type:varchar(64);uniqueIndex:uq_conversation_instance;not null"`
	RoomID    string    `gorm:"type:varchar(64);uniqueIndex:uq_conversation_instance;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for ConversationInstance.
func (ConversationInstance) TableName() string {
	return "tutor_api.conversation_instances"
}

// EtoD converts the row to the domain instance.
func (c *ConversationInstance) EtoD() *message.ConversationInstance {
	return &message.ConversationInstance{
		ID:        c.ID,
		AuthorID:  c.AuthorID,
		TutorID:   c.TutorID,
		RoomID:    c.RoomID,
		CreatedAt: c.CreatedAt,
	}
}

// FlaggedContent is the audit table for blocked submissions.
type FlaggedContent struct {
	ID         string                      `gorm:"type:varchar(64);primaryKey"`
	AuthorID   string                      `gorm:"type:varchar(64);not null"`
	RoomID     string                      `gorm:"type:varchar(64);not null"`
	TutorID    string                      `gorm:"type:varchar(64);not null"`
	Source     string                      `gorm:"type:varchar(32);not null"`
	Reason     string                      `gorm:"type:varchar(255);not null"`
	Categories datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	Severity   string                      `gorm:"type:varchar(32)"`
	Content    string                      `gorm:"type:text;not null"`
	CreatedAt  time.Time                   `gorm:"autoCreateTime"`
}

// TableName specifies the table name for FlaggedContent.
func (FlaggedContent) TableName() string {
	return "tutor_api.flagged_content"
}

// NewSchemaFlaggedContent creates an audit row from the domain record.
func NewSchemaFlaggedContent(f *message.FlaggedContent) *FlaggedContent {
	return &FlaggedContent{
		ID:         f.ID,
		AuthorID:   f.AuthorID,
		RoomID:     f.RoomID,
		TutorID:    f.TutorID,
		Source:     f.Source,
		Reason:     f.Reason,
		Categories: datatypes.JSONSlice[string](f.Categories),
		Severity:   f.Severity,
		Content:    f.Content,
		CreatedAt:  f.CreatedAt,
	}
}
