package streaming

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/infrastructure/metrics"
	"jan-server/services/tutor-api/internal/infrastructure/observability"
	"jan-server/services/tutor-api/internal/utils/idgen"
)

const (
	thinkingContent   = "Thinking..."
	emptyReplyContent = "I'm sorry, I wasn't able to come up with a response. Could you try asking in a different way?"
	teardownTimeout   = 10 * time.Second
)

// Config tunes incremental persistence.
type Config struct {
	FlushInterval time.Duration
	FlushChars    int
	// IsSlowReasoning reports models that get a thinking placeholder.
	IsSlowReasoning func(model string) bool
}

// Adapter streams one assistant reply to a Sink while persisting it.
type Adapter struct {
	client    CompletionClient
	repo      message.Repository
	publisher message.Publisher
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

// NewAdapter creates the streaming completion adapter.
func NewAdapter(client CompletionClient, repo message.Repository, publisher message.Publisher, cfg Config, log zerolog.Logger) *Adapter {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 750 * time.Millisecond
	}
	if cfg.FlushChars <= 0 {
		cfg.FlushChars = 400
	}
	if cfg.IsSlowReasoning == nil {
		cfg.IsSlowReasoning = func(string) bool { return false }
	}
	return &Adapter{
		client:    client,
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With().Str("component", "streaming").Logger(),
		now:       time.Now,
	}
}

// session is the mutable state of one streamed turn.
type session struct {
	turn        Turn
	model       string
	placeholder *message.Message
	persisted   bool
	thinking    *message.Message
	content     strings.Builder
	citations   []Citation
	confidence  *float64
	writer      *incrementalWriter
	startedAt   time.Time
}

// Run streams turn to sink. The returned error is non-nil only when nothing could be
// persisted for the turn; partial content is saved and reported as StatusInterrupted.
func (a *Adapter) Run(ctx context.Context, turn Turn, sink Sink) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "streaming.Run")
	defer span.End()

	turn.Request.Stream = true
	s := &session{turn: turn, model: turn.Request.Model, startedAt: a.now()}
	observability.AddSpanAttributes(ctx, attribute.String("model", s.model))

	if a.cfg.IsSlowReasoning(s.model) {
		s.thinking = a.newAssistantRow(turn, thinkingContent, message.Metadata{message.MetaIsThinking: true})
		if err := a.repo.Insert(ctx, s.thinking); err != nil {
			a.log.Warn().Err(err).Msg("insert thinking placeholder failed")
			s.thinking = nil
		} else {
			a.publish(ctx, message.NewEvent(message.EventInserted, s.thinking))
		}
	}

	s.placeholder = a.newAssistantRow(turn, "", message.Metadata{message.MetaIsStreaming: true})
	if err := a.repo.Insert(ctx, s.placeholder); err != nil {
		// Finalization falls back to a direct insert.
		a.log.Warn().Err(err).Msg("insert streaming placeholder failed")
	} else {
		s.persisted = true
		a.publish(ctx, message.NewEvent(message.EventInserted, s.placeholder))
		s.writer = newIncrementalWriter(a.repo, s.placeholder.ID, s.placeholder.Metadata, a.log)
	}
	if err := sink.Started(s.placeholder); err != nil {
		return a.interrupt(ctx, s, sink, err, false)
	}

	stream, err := a.client.CreateStream(ctx, turn.Request)
	if err != nil {
		return a.interrupt(ctx, s, sink, err, true)
	}
	defer stream.Close()

	var (
		sinceFlush int
		lastFlush  = a.now()
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return a.interrupt(ctx, s, sink, err, ctx.Err() == nil)
		}

		if len(chunk.Citations) > 0 || chunk.Confidence != nil {
			if len(chunk.Citations) > 0 {
				s.citations = chunk.Citations
			}
			if chunk.Confidence != nil {
				s.confidence = chunk.Confidence
			}
			if err := sink.Metadata(chunk.Citations, chunk.Confidence); err != nil {
				return a.interrupt(ctx, s, sink, err, false)
			}
		}

		if chunk.Content == "" {
			continue
		}
		if s.content.Len() == 0 {
			metrics.StreamFirstTokenDuration.WithLabelValues(s.model).Observe(a.now().Sub(s.startedAt).Seconds())
			observability.AddSpanEvent(ctx, "first_token")
			a.removeThinking(ctx, s)
		}
		s.content.WriteString(chunk.Content)
		sinceFlush += len(chunk.Content)

		if err := sink.Delta(chunk.Content); err != nil {
			return a.interrupt(ctx, s, sink, err, false)
		}

		if s.writer != nil && (sinceFlush >= a.cfg.FlushChars || a.now().Sub(lastFlush) >= a.cfg.FlushInterval) {
			s.writer.Offer(s.content.String())
			sinceFlush = 0
			lastFlush = a.now()
		}
	}

	return a.complete(ctx, s, sink)
}

func (a *Adapter) complete(ctx context.Context, s *session, sink Sink) (*Result, error) {
	a.closeWriter(s)
	a.removeThinking(ctx, s)

	final := Finalize(s.content.String())
	if final == "" {
		return a.completeEmpty(ctx, s, sink)
	}

	metadata := a.finalMetadata(s)
	row, err := a.persistFinal(ctx, s, final, metadata)
	if err != nil {
		metrics.StreamDuration.WithLabelValues(s.model, string(StatusFailed)).Observe(a.now().Sub(s.startedAt).Seconds())
		_ = sink.Failed(msgInterrupted)
		return &Result{Status: StatusFailed, Err: err}, err
	}

	metrics.StreamDuration.WithLabelValues(s.model, string(StatusComplete)).Observe(a.now().Sub(s.startedAt).Seconds())
	if err := sink.Completed(row); err != nil {
		a.log.Debug().Err(err).Msg("client gone before completion frame")
	}
	return &Result{Status: StatusComplete, Message: row}, nil
}

// completeEmpty replaces the placeholder with a full fallback row so no empty row remains.
func (a *Adapter) completeEmpty(ctx context.Context, s *session, sink Sink) (*Result, error) {
	a.deletePlaceholder(ctx, s)

	row := a.newAssistantRow(s.turn, emptyReplyContent, message.Metadata{message.MetaEmptyResponse: true})
	if err := a.repo.Insert(context.WithoutCancel(ctx), row); err != nil {
		a.log.Error().Err(err).Msg("insert empty-response fallback failed")
		_ = sink.Failed(msgInterrupted)
		return &Result{Status: StatusFailed, Err: err}, err
	}
	a.publish(ctx, message.NewEvent(message.EventInserted, row))

	metrics.StreamErrorsTotal.WithLabelValues(s.model, "empty_response").Inc()
	metrics.StreamDuration.WithLabelValues(s.model, string(StatusEmpty)).Observe(a.now().Sub(s.startedAt).Seconds())
	if err := sink.Completed(row); err != nil {
		a.log.Debug().Err(err).Msg("client gone before completion frame")
	}
	return &Result{Status: StatusEmpty, Message: row}, nil
}

// interrupt ends a turn early. Accumulated content is persisted and annotated; without
// content the placeholder is removed. notify reports whether the client should receive a
// mapped error message.
func (a *Adapter) interrupt(ctx context.Context, s *session, sink Sink, cause error, notify bool) (*Result, error) {
	a.closeWriter(s)
	a.removeThinking(ctx, s)

	reason := "client_disconnected"
	if notify {
		reason = failureReason(cause)
		a.log.Error().Err(cause).Str("model", s.model).Msg("completion stream failed")
	} else {
		a.log.Info().Err(cause).Str("model", s.model).Msg("completion stream cancelled")
	}
	metrics.StreamErrorsTotal.WithLabelValues(s.model, reason).Inc()
	observability.RecordError(ctx, cause)

	partial := s.content.String()
	if strings.TrimSpace(partial) == "" {
		a.deletePlaceholder(ctx, s)
		metrics.StreamDuration.WithLabelValues(s.model, string(StatusFailed)).Observe(a.now().Sub(s.startedAt).Seconds())
		if notify {
			_ = sink.Failed(UserSafeMessage(cause))
		}
		return &Result{Status: StatusFailed, Err: cause}, cause
	}

	// Keep the bytes the user already saw.
	metadata := a.finalMetadata(s)
	metadata[message.MetaInterrupted] = true
	row, err := a.persistFinal(ctx, s, partial, metadata)
	if err != nil {
		if notify {
			_ = sink.Failed(UserSafeMessage(cause))
		}
		return &Result{Status: StatusFailed, Err: err}, err
	}

	metrics.StreamDuration.WithLabelValues(s.model, string(StatusInterrupted)).Observe(a.now().Sub(s.startedAt).Seconds())
	if notify {
		_ = sink.Failed(UserSafeMessage(cause))
	}
	return &Result{Status: StatusInterrupted, Message: row, Err: cause}, nil
}

// persistFinal performs the awaited final write. It survives request cancellation.
func (a *Adapter) persistFinal(ctx context.Context, s *session, content string, metadata message.Metadata) (*message.Message, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	row := s.placeholder.Clone()
	row.Content = content
	row.Metadata = metadata

	if s.persisted {
		if err := a.repo.UpdateContent(writeCtx, row.ID, content, metadata); err != nil {
			a.log.Error().Err(err).Str("message_id", row.ID).Msg("final stream write failed")
			return nil, err
		}
		a.publish(writeCtx, message.NewEvent(message.EventUpdated, row))
		return row, nil
	}

	if err := a.repo.Insert(writeCtx, row); err != nil {
		a.log.Error().Err(err).Str("message_id", row.ID).Msg("final stream insert failed")
		return nil, err
	}
	s.persisted = true
	a.publish(writeCtx, message.NewEvent(message.EventInserted, row))
	return row, nil
}

func (a *Adapter) finalMetadata(s *session) message.Metadata {
	metadata := s.placeholder.Metadata.Clone()
	delete(metadata, message.MetaIsStreaming)
	if len(s.citations) > 0 {
		metadata[message.MetaCitations] = s.citations
	}
	if s.confidence != nil {
		metadata[message.MetaConfidence] = *s.confidence
	}
	return metadata
}

func (a *Adapter) closeWriter(s *session) {
	if s.writer != nil {
		s.writer.Close()
		s.writer = nil
	}
}

func (a *Adapter) deletePlaceholder(ctx context.Context, s *session) {
	if !s.persisted {
		return
	}
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := a.repo.Delete(delCtx, s.placeholder.ID); err != nil {
		a.log.Error().Err(err).Str("message_id", s.placeholder.ID).Msg("delete streaming placeholder failed")
		return
	}
	s.persisted = false
	a.publish(delCtx, message.NewEvent(message.EventDeleted, s.placeholder))
}

func (a *Adapter) removeThinking(ctx context.Context, s *session) {
	if s.thinking == nil {
		return
	}
	thinking := s.thinking
	s.thinking = nil
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := a.repo.Delete(delCtx, thinking.ID); err != nil {
		a.log.Warn().Err(err).Str("message_id", thinking.ID).Msg("delete thinking placeholder failed")
		return
	}
	a.publish(delCtx, message.NewEvent(message.EventDeleted, thinking))
}

func (a *Adapter) newAssistantRow(turn Turn, content string, metadata message.Metadata) *message.Message {
	if turn.TutorID != "" {
		metadata[message.MetaChatbotID] = turn.TutorID
	}
	if turn.Request.Model != "" {
		metadata[message.MetaModel] = turn.Request.Model
	}
	return &message.Message{
		ID:                     idgen.NewMessageID(),
		RoomID:                 turn.RoomID,
		AuthorID:               turn.TutorID,
		Role:                   message.RoleAssistant,
		Content:                content,
		CreatedAt:              a.now().UTC(),
		ConversationInstanceID: turn.InstanceID,
		Metadata:               metadata,
	}
}

func (a *Adapter) publish(ctx context.Context, event message.Event) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(ctx, event); err != nil {
		a.log.Warn().Err(err).Str("event", string(event.Type)).Msg("publish realtime event failed")
	}
}
