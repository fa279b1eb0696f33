package tutorclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/reconcile"
)

// ConversationConfig configures a Conversation.
type ConversationConfig struct {
	RoomID   string
	TutorID  string
	AuthorID string
	// CountryCode selects the helpline for safety replies.
	CountryCode      string
	Options          reconcile.Options
	InactivityWindow time.Duration
	FrameInterval    time.Duration
	// DisableSnapshots stops idle sessions from being sent to the memory service.
	DisableSnapshots bool
	OnChange         func(transcript []*message.Message)
}

// Conversation keeps one author's transcript with one tutor consistent across the
// initial load, optimistic echoes, streamed replies and realtime feed events.
type Conversation struct {
	client  *Client
	cfg     ConversationConfig
	session *reconcile.Session

	mu         sync.Mutex
	instanceID string
	cancelFeed context.CancelFunc
	feedDone   chan struct{}
	feedErr    error
}

// NewConversation prepares a conversation; call Open before sending.
func NewConversation(client *Client, cfg ConversationConfig) *Conversation {
	return &Conversation{client: client, cfg: cfg}
}

// Open loads the transcript and starts following the feed.
func (c *Conversation) Open(ctx context.Context) error {
	transcript, err := c.client.LoadTranscript(ctx, c.cfg.RoomID, TranscriptQuery{TutorID: c.cfg.TutorID})
	if err != nil {
		return err
	}

	var snapshotter reconcile.Snapshotter
	if !c.cfg.DisableSnapshots {
		snapshotter = c.client
	}
	session := reconcile.NewSession(reconcile.SessionConfig{
		AuthorID:         c.cfg.AuthorID,
		TutorID:          c.cfg.TutorID,
		RoomID:           c.cfg.RoomID,
		InstanceID:       transcript.InstanceID,
		Options:          c.cfg.Options,
		InactivityWindow: c.cfg.InactivityWindow,
		FrameInterval:    c.cfg.FrameInterval,
		OnChange:         c.cfg.OnChange,
	}, snapshotter, c.client.log)
	session.Load(transcript.Messages)

	feedCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.session = session
	c.instanceID = transcript.InstanceID
	c.cancelFeed = cancel
	c.feedDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := c.client.Subscribe(feedCtx, c.cfg.RoomID, FeedQuery{InstanceID: transcript.InstanceID}, session.ApplyEvent)
		if err != nil {
			c.client.log.Warn().Err(err).Str("room_id", c.cfg.RoomID).Msg("feed subscription ended")
			c.mu.Lock()
			c.feedErr = err
			c.mu.Unlock()
		}
	}()
	return nil
}

// InstanceID is the conversation instance resolved by Open.
func (c *Conversation) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// Transcript returns the reconciled transcript.
func (c *Conversation) Transcript() []*message.Message {
	if s := c.currentSession(); s != nil {
		return s.Transcript()
	}
	return nil
}

// FeedErr reports why the feed subscription stopped, if it did.
func (c *Conversation) FeedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedErr
}

// Send echoes content optimistically, submits it and folds the reply into the transcript.
func (c *Conversation) Send(ctx context.Context, content string) (*Outcome, error) {
	session := c.currentSession()
	if session == nil {
		return nil, errors.New("conversation is not open")
	}

	echo := session.Submit(content)
	session.BeginStream()

	out, err := c.client.Send(ctx, c.cfg.RoomID, SendRequest{
		TutorID:     c.cfg.TutorID,
		MessageID:   echo.ID,
		Content:     content,
		InstanceID:  c.InstanceID(),
		CountryCode: c.cfg.CountryCode,
	}, StreamCallbacks{
		OnStarted:   session.StreamStarted,
		OnDelta:     session.StreamDelta,
		OnError:     session.StreamFailed,
		OnCompleted: session.StreamCompleted,
	})
	if err != nil {
		session.StreamFailed("Something went wrong. Please try again.")
		session.Apply(reconcile.Batch{Deletes: []string{echo.ID}})
		return nil, err
	}

	batch := reconcile.Batch{}
	if out.UserMessage != nil {
		batch.Upserts = append(batch.Upserts, out.UserMessage)
	}
	switch out.Kind {
	case OutcomeStreamed:
		if out.Reply != nil {
			session.StreamCompleted(out.Reply)
		} else {
			session.StreamFailed(out.StreamError)
		}
	case OutcomeSafety:
		session.StreamCompleted(toMessage(out.Safety.Response))
	case OutcomeBlocked:
		// Blocked turns are never persisted; drop the echo and show the notice if any.
		session.StreamCompleted(toMessage(out.Blocked.Notice))
		batch.Deletes = append(batch.Deletes, echo.ID)
	case OutcomeAssessment:
		session.StreamCompleted(nil)
	}
	session.Apply(batch)
	return out, nil
}

// Close stops the feed and the session timers.
func (c *Conversation) Close() {
	c.mu.Lock()
	cancel, done, session := c.cancelFeed, c.feedDone, c.session
	c.cancelFeed = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if session != nil {
		session.Close()
	}
}

func (c *Conversation) currentSession() *reconcile.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}
