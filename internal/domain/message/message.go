package message

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// Role of a transcript row.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Metadata keys. Metadata is an open, additive bag and never carries identity.
const (
	MetaIsOptimistic      = "isOptimistic"
	MetaIsStreaming       = "isStreaming"
	MetaIsSafetyResponse  = "isSafetyResponse"
	MetaConcernType       = "concernType"
	MetaChatbotID         = "chatbotId"
	MetaIsThinking        = "isThinking"
	MetaInterrupted       = "interrupted"
	MetaIsBlockNotice     = "isBlockNotice"
	MetaBlockReason       = "blockReason"
	MetaCitations         = "citations"
	MetaConfidence        = "confidence"
	MetaIsAssessmentError = "isAssessmentError"
	MetaModel             = "model"
	MetaEmptyResponse     = "emptyResponse"
)

// Metadata carries presentation tags for a message.
type Metadata map[string]any

// Bool returns the boolean value stored under key.
func (m Metadata) Bool(key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key].(bool)
	return ok && v
}

// String returns the string value stored under key.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// Clone returns a shallow copy that can be mutated independently.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Message is one transcript row.
type Message struct {
	ID                     string
	RoomID                 string
	AuthorID               string
	Role                   Role
	Content                string
	CreatedAt              time.Time
	ConversationInstanceID string
	Metadata               Metadata
}

// IsSafety reports whether the row is a safety intervention.
func (m *Message) IsSafety() bool {
	return m.Metadata.Bool(MetaIsSafetyResponse)
}

// ConcernType returns the concern the row responds to, if any.
func (m *Message) ConcernType() string {
	return m.Metadata.String(MetaConcernType)
}

// Clone deep-copies the message including its metadata.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Metadata = m.Metadata.Clone()
	return &cp
}

// ConversationInstance isolates one author's transcript with one tutor in one room.
type ConversationInstance struct {
	ID        string
	AuthorID  string
	TutorID   string
	RoomID    string
	CreatedAt time.Time
}

// TutorMode selects tutor-specific behavior.
type TutorMode string

const (
	TutorModeChat       TutorMode = "chat"
	TutorModeAssessment TutorMode = "assessment"
	TutorModeDocument   TutorMode = "document"
)

// Tutor is a configured AI persona bound to a room.
type Tutor struct {
	ID                  string
	RoomID              string
	Name                string
	SystemPrompt        string
	Model               string
	Mode                TutorMode
	KnowledgeBaseID     string
	AssessmentQuestions []string
	Temperature         *float64
	MaxTokens           *int
}

// IsAssessment reports whether the tutor runs graded assessments.
func (t *Tutor) IsAssessment() bool {
	return t != nil && t.Mode == TutorModeAssessment
}

// UsesRetrieval reports whether the tutor grounds replies in a knowledge base.
func (t *Tutor) UsesRetrieval() bool {
	return t != nil && strings.TrimSpace(t.KnowledgeBaseID) != ""
}

// AuthorRole is the caller's role within the classroom.
type AuthorRole string

const (
	AuthorRoleStudent AuthorRole = "student"
	AuthorRoleTeacher AuthorRole = "teacher"
)

// Profile is the read-only author profile maintained by the roster service.
type Profile struct {
	UserID      string
	Role        AuthorRole
	IsMinor     bool
	CountryCode string
}

// Room is the classroom a tutor belongs to.
type Room struct {
	ID      string
	OwnerID string
}

// FlaggedContent is an audit row for blocked content.
type FlaggedContent struct {
	ID         string
	AuthorID   string
	RoomID     string
	TutorID    string
	Source     string
	Reason     string
	Categories []string
	Severity   string
	Content    string
	CreatedAt  time.Time
}

// ListFilter selects transcript rows for one conversation.
type ListFilter struct {
	RoomID     string
	InstanceID string
	AuthorID   string
	Limit      int
	Before     *time.Time
}

// Repository persists transcript rows.
type Repository interface {
	Insert(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	UpdateContent(ctx context.Context, id string, content string, metadata Metadata) error
	Delete(ctx context.Context, id string) error
	// ListRecent returns at most Limit rows ordered oldest first; the newest rows win when truncating.
	ListRecent(ctx context.Context, filter ListFilter) ([]*Message, error)
	ListStreamingBefore(ctx context.Context, before time.Time) ([]*Message, error)
}

// InstanceRepository manages conversation instances.
type InstanceRepository interface {
	FindOrCreate(ctx context.Context, authorID, tutorID, roomID string) (*ConversationInstance, error)
	Get(ctx context.Context, id string) (*ConversationInstance, error)
}

// DirectoryRepository reads tutor, profile and room rows owned by external services.
type DirectoryRepository interface {
	GetTutor(ctx context.Context, id string) (*Tutor, error)
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	GetRoom(ctx context.Context, id string) (*Room, error)
}

// AuditRepository stores flagged-content audit rows.
type AuditRepository interface {
	RecordFlagged(ctx context.Context, row *FlaggedContent) error
}
