package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/utils/idgen"
)

const snapshotTimeout = 15 * time.Second

// StreamStatus is the client-side state of one streamed reply.
type StreamStatus string

const (
	StreamPending     StreamStatus = "pending"
	StreamStreaming   StreamStatus = "streaming"
	StreamComplete    StreamStatus = "complete"
	StreamInterrupted StreamStatus = "interrupted"
)

// StreamSession tracks one in-flight reply until the server confirms the persisted row.
type StreamSession struct {
	TempID  string
	RealID  string
	Content string
	Status  StreamStatus
	Error   string
}

func (s *StreamSession) rowID() string {
	if s.RealID != "" {
		return s.RealID
	}
	return s.TempID
}

// Snapshot is the session transcript handed to the memory service after inactivity.
type Snapshot struct {
	AuthorID   string             `json:"authorId"`
	TutorID    string             `json:"tutorId"`
	RoomID     string             `json:"roomId"`
	InstanceID string             `json:"instanceId,omitempty"`
	Messages   []*message.Message `json:"-"`
	StartedAt  time.Time          `json:"startedAt"`
	EndedAt    time.Time          `json:"endedAt"`
}

// Snapshotter persists session snapshots.
type Snapshotter interface {
	Snapshot(ctx context.Context, snapshot Snapshot) error
}

// SessionConfig configures a Session.
type SessionConfig struct {
	AuthorID         string
	TutorID          string
	RoomID           string
	InstanceID       string
	Options          Options
	InactivityWindow time.Duration
	FrameInterval    time.Duration
	// OnChange receives a copy of the transcript after every change.
	OnChange func(transcript []*message.Message)
	After    AfterFunc
	Now      func() time.Time
}

// Session owns one client's transcript. All mutations go through Merge.
type Session struct {
	mu          sync.Mutex
	cfg         SessionConfig
	snapshotter Snapshotter
	log         zerolog.Logger

	transcript []*message.Message
	stream     *StreamSession
	coalescer  *Coalescer

	idle         Timer
	active       bool
	snapshotted  bool
	activeSince  time.Time
	lastSnapshot time.Time
}

// NewSession creates a session. snapshotter may be nil to disable idle snapshots.
func NewSession(cfg SessionConfig, snapshotter Snapshotter, log zerolog.Logger) *Session {
	if cfg.InactivityWindow <= 0 {
		cfg.InactivityWindow = 10 * time.Minute
	}
	if cfg.Options == (Options{}) {
		cfg.Options = DefaultOptions()
	}
	if cfg.After == nil {
		cfg.After = realAfterFunc
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Session{
		cfg:         cfg,
		snapshotter: snapshotter,
		log:         log.With().Str("component", "reconcile-session").Str("tutor_id", cfg.TutorID).Logger(),
	}
	s.coalescer = NewCoalescer(cfg.FrameInterval, s.renderDelta, cfg.After)
	return s
}

// Transcript returns a copy of the current transcript.
func (s *Session) Transcript() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.Message(nil), s.transcript...)
}

// Stream returns a copy of the in-flight stream state, if any.
func (s *Session) Stream() *StreamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	cp := *s.stream
	return &cp
}

// Load replaces the transcript with a fresh authoritative fetch.
func (s *Session) Load(rows []*message.Message) {
	s.mu.Lock()
	s.transcript = Load(rows, s.cfg.Now(), s.cfg.Options)
	s.mu.Unlock()
	s.notify()
}

// Apply merges a fetch result or real-time event batch.
func (s *Session) Apply(batch Batch) {
	s.mu.Lock()
	s.transcript = Merge(s.transcript, batch, s.cfg.Options)
	s.mu.Unlock()
	s.notify()
}

// ApplyEvent merges one real-time feed event.
func (s *Session) ApplyEvent(event message.Event) {
	switch event.Type {
	case message.EventDeleted:
		s.Apply(Batch{Deletes: []string{event.MessageID}})
	case message.EventInserted, message.EventUpdated, message.EventSafety:
		if msg := message.FromWire(event.Message); msg != nil {
			s.Apply(Batch{Upserts: []*message.Message{msg}})
		}
	}
}

// Submit echoes a user turn optimistically and re-arms the inactivity timer.
func (s *Session) Submit(content string) *message.Message {
	echo := &message.Message{
		ID:                     idgen.NewMessageID(),
		RoomID:                 s.cfg.RoomID,
		AuthorID:               s.cfg.AuthorID,
		Role:                   message.RoleUser,
		Content:                content,
		CreatedAt:              s.cfg.Now().UTC(),
		ConversationInstanceID: s.cfg.InstanceID,
		Metadata:               message.Metadata{message.MetaIsOptimistic: true},
	}
	s.Apply(Batch{Upserts: []*message.Message{echo}})
	s.RecordActivity()
	return echo
}

// BeginStream adds a pending assistant row for a reply about to stream.
func (s *Session) BeginStream() *StreamSession {
	s.mu.Lock()
	s.stream = &StreamSession{TempID: idgen.NewTempID(), Status: StreamPending}
	row := s.streamRowLocked()
	s.transcript = Merge(s.transcript, Batch{Upserts: []*message.Message{row}}, s.cfg.Options)
	cp := *s.stream
	s.mu.Unlock()
	s.notify()
	return &cp
}

// StreamStarted binds the in-flight reply to the server placeholder row.
func (s *Session) StreamStarted(placeholder *message.Message) {
	s.mu.Lock()
	if s.stream == nil || placeholder == nil {
		s.mu.Unlock()
		return
	}
	temp := s.stream.TempID
	s.stream.RealID = placeholder.ID
	s.stream.Status = StreamStreaming
	row := s.streamRowLocked()
	row.CreatedAt = placeholder.CreatedAt
	s.transcript = Merge(s.transcript, Batch{Deletes: []string{temp}, Upserts: []*message.Message{row}}, s.cfg.Options)
	s.mu.Unlock()
	s.notify()
}

// StreamDelta queues text for the next frame.
func (s *Session) StreamDelta(delta string) {
	s.coalescer.Push(delta)
}

func (s *Session) renderDelta(batch string) {
	s.mu.Lock()
	if s.stream == nil {
		s.mu.Unlock()
		return
	}
	s.stream.Content += batch
	s.stream.Status = StreamStreaming
	row := s.streamRowLocked()
	if existing := indexOf(s.transcript, row.ID); existing >= 0 {
		row.CreatedAt = s.transcript[existing].CreatedAt
	}
	s.transcript = Merge(s.transcript, Batch{Upserts: []*message.Message{row}}, s.cfg.Options)
	s.mu.Unlock()
	s.notify()
}

// StreamCompleted replaces the in-flight row with the persisted final row.
func (s *Session) StreamCompleted(final *message.Message) {
	s.coalescer.Flush()

	s.mu.Lock()
	batch := Batch{}
	if s.stream != nil {
		s.stream.Status = StreamComplete
		batch.Deletes = append(batch.Deletes, s.stream.TempID)
		if s.stream.RealID != "" && (final == nil || s.stream.RealID != final.ID) {
			batch.Deletes = append(batch.Deletes, s.stream.RealID)
		}
		s.stream = nil
	}
	if final != nil {
		batch.Upserts = append(batch.Upserts, final)
	}
	s.transcript = Merge(s.transcript, batch, s.cfg.Options)
	s.mu.Unlock()
	s.notify()
}

// StreamFailed ends the in-flight reply. Accumulated text stays visible, marked interrupted.
func (s *Session) StreamFailed(userMessage string) {
	s.coalescer.Flush()

	s.mu.Lock()
	if s.stream == nil {
		s.mu.Unlock()
		return
	}
	s.stream.Status = StreamInterrupted
	s.stream.Error = userMessage
	batch := Batch{}
	if s.stream.Content == "" {
		batch.Deletes = []string{s.stream.TempID, s.stream.RealID}
	} else {
		row := s.streamRowLocked()
		if existing := indexOf(s.transcript, row.ID); existing >= 0 {
			row.CreatedAt = s.transcript[existing].CreatedAt
		}
		delete(row.Metadata, message.MetaIsStreaming)
		row.Metadata[message.MetaInterrupted] = true
		batch.Upserts = []*message.Message{row}
	}
	s.stream = nil
	s.transcript = Merge(s.transcript, batch, s.cfg.Options)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) streamRowLocked() *message.Message {
	return &message.Message{
		ID:                     s.stream.rowID(),
		RoomID:                 s.cfg.RoomID,
		AuthorID:               s.cfg.TutorID,
		Role:                   message.RoleAssistant,
		Content:                s.stream.Content,
		CreatedAt:              s.cfg.Now().UTC(),
		ConversationInstanceID: s.cfg.InstanceID,
		Metadata: message.Metadata{
			message.MetaIsOptimistic: s.stream.RealID == "",
			message.MetaIsStreaming:  true,
		},
	}
}

// RecordActivity marks a new user-authored turn: the idle timer is reset and a new
// snapshot becomes due after the next idle period. Assistant replies never call this.
func (s *Session) RecordActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		s.activeSince = s.cfg.Now()
	}
	s.active = true
	s.snapshotted = false
	if s.idle != nil {
		s.idle.Stop()
	}
	s.idle = s.cfg.After(s.cfg.InactivityWindow, s.onIdle)
}

// onIdle snapshots the rolling transcript at most once per idle period.
func (s *Session) onIdle() {
	s.mu.Lock()
	s.idle = nil
	if s.snapshotted || !s.active || s.snapshotter == nil {
		s.mu.Unlock()
		return
	}
	s.snapshotted = true
	s.active = false

	now := s.cfg.Now()
	rows := make([]*message.Message, 0, len(s.transcript))
	for _, row := range s.transcript {
		if isOptimistic(row) || row.Metadata.Bool(message.MetaIsStreaming) {
			continue
		}
		if !s.lastSnapshot.IsZero() && !row.CreatedAt.After(s.lastSnapshot) {
			continue
		}
		rows = append(rows, row)
	}
	snapshot := Snapshot{
		AuthorID:   s.cfg.AuthorID,
		TutorID:    s.cfg.TutorID,
		RoomID:     s.cfg.RoomID,
		InstanceID: s.cfg.InstanceID,
		Messages:   rows,
		StartedAt:  s.activeSince,
		EndedAt:    now,
	}
	s.lastSnapshot = now
	s.mu.Unlock()

	if len(rows) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := s.snapshotter.Snapshot(ctx, snapshot); err != nil {
		s.log.Warn().Err(err).Int("messages", len(rows)).Msg("session snapshot failed")
		return
	}
	s.log.Debug().Int("messages", len(rows)).Msg("session snapshot saved")
}

// Close stops the session timers and flushes pending stream text.
func (s *Session) Close() {
	s.coalescer.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

func (s *Session) notify() {
	if s.cfg.OnChange == nil {
		return
	}
	s.cfg.OnChange(s.Transcript())
}
