package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/gate"
	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/prompt"
	"jan-server/services/tutor-api/internal/domain/streaming"
	"jan-server/services/tutor-api/internal/infrastructure/metrics"
	"jan-server/services/tutor-api/internal/infrastructure/observability"
	"jan-server/services/tutor-api/internal/utils/idgen"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

const (
	safetyResponseTemperature = 0.3
	safetyResponseMaxTokens   = 220
)

// block audits the original content and records a visible notice in the transcript.
func (o *Orchestrator) block(ctx context.Context, tc *turnContext, b gate.Blocked) (Result, error) {
	o.transition(ctx, tc, StateBlocked)
	metrics.TurnsTotal.WithLabelValues("blocked").Inc()

	if o.Audit != nil {
		row := &message.FlaggedContent{
			ID:         uuid.NewString(),
			AuthorID:   tc.req.AuthorID,
			RoomID:     tc.roomID,
			TutorID:    tc.tutor.ID,
			Source:     string(b.Stage),
			Reason:     b.Reason,
			Categories: b.Categories,
			Severity:   b.Severity,
			Content:    tc.req.Content,
			CreatedAt:  o.now().UTC(),
		}
		if err := o.Audit.RecordFlagged(ctx, row); err != nil {
			tc.log.Error().Err(err).Msg("record flagged content failed")
		}
	}

	logEvent := tc.log.Warn().
		Str("stage", string(b.Stage)).
		Str("reason", b.Reason).
		Strs("categories", b.Categories)
	if o.Sanitizer != nil {
		logEvent = logEvent.
			Str("author", o.Sanitizer.SanitizeUserID(tc.req.AuthorID)).
			Str("content", o.Sanitizer.SanitizeContent(tc.req.Content))
	}
	logEvent.Msg("message blocked")

	notice := &message.Message{
		ID:                     idgen.NewMessageID(),
		RoomID:                 tc.roomID,
		AuthorID:               tc.tutor.ID,
		Role:                   message.RoleSystem,
		Content:                b.Message,
		CreatedAt:              o.now().UTC(),
		ConversationInstanceID: tc.instance.ID,
		Metadata: message.Metadata{
			message.MetaIsBlockNotice: true,
			message.MetaBlockReason:   b.Reason,
			message.MetaChatbotID:     tc.tutor.ID,
		},
	}
	if err := o.Messages.Insert(ctx, notice); err != nil {
		tc.log.Error().Err(err).Msg("insert block notice failed")
		notice = nil
	} else {
		o.publish(ctx, message.NewEvent(message.EventInserted, notice))
	}

	return Blocked{Stage: string(b.Stage), Reason: b.Reason, Message: b.Message, Notice: notice}, nil
}

// intervene runs the safety-response flow. It never enters context building or streaming.
func (o *Orchestrator) intervene(ctx context.Context, tc *turnContext, concernType string) (Result, error) {
	o.transition(ctx, tc, StateSafetyIntervention)

	user, err := o.persistUserMessage(ctx, tc)
	if err != nil {
		return nil, err
	}

	helpline := o.Policy.HelplineFor(tc.countryCode)
	reply := o.safetyReply(ctx, tc, concernType, helpline)

	response := &message.Message{
		ID:                     idgen.NewMessageID(),
		RoomID:                 tc.roomID,
		AuthorID:               tc.tutor.ID,
		Role:                   message.RoleSystem,
		Content:                reply,
		CreatedAt:              o.now().UTC(),
		ConversationInstanceID: tc.instance.ID,
		Metadata: message.Metadata{
			message.MetaIsSafetyResponse: true,
			message.MetaConcernType:      concernType,
			message.MetaChatbotID:        tc.tutor.ID,
		},
	}
	writeCtx := context.WithoutCancel(ctx)
	if err := o.Messages.Insert(writeCtx, response); err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "persist safety response")
	}
	o.publish(writeCtx, message.NewEvent(message.EventInserted, response))

	broadcast := message.NewEvent(message.EventSafety, response)
	broadcast.ConcernType = concernType
	o.publish(writeCtx, broadcast)

	metrics.TurnsTotal.WithLabelValues("safety_intervention").Inc()
	tc.log.Warn().Str("concern_type", concernType).Str("country_code", tc.countryCode).Msg("safety intervention triggered")

	return SafetyIntervention{
		ConcernType: concernType,
		UserMessage: user,
		Response:    response,
		Helpline:    helpline,
	}, nil
}

// safetyReply asks the model for a short supportive reply and falls back to the policy
// text. The reply always names the helpline.
func (o *Orchestrator) safetyReply(ctx context.Context, tc *turnContext, concernType string, helpline config.Helpline) string {
	reply := ""
	if o.Completer != nil {
		replyCtx, cancel := context.WithTimeout(ctx, o.cfg.SafetyResponseTimeout)
		text, err := o.Completer.CreateCompletion(replyCtx, openai.ChatCompletionRequest{
			Model:       tc.model,
			Messages:    prompt.SafetyResponseMessages(o.Policy, concernType, tc.countryCode, tc.req.Content),
			Temperature: safetyResponseTemperature,
			MaxTokens:   safetyResponseMaxTokens,
		})
		cancel()
		if err != nil {
			tc.log.Warn().Err(err).Msg("safety response generation failed, using fallback")
		} else {
			reply = streaming.Finalize(text)
		}
	}
	if reply == "" {
		reply = strings.TrimSpace(o.Classifier.ResponseFor(concernType))
	}
	if helpline.Contact != "" && !strings.Contains(reply, helpline.Contact) {
		reply = strings.TrimSpace(fmt.Sprintf("%s You can reach out to %s (%s).", reply, helpline.Name, helpline.Contact))
	}
	return reply
}

// triggerAssessment dispatches grading and acknowledges immediately.
func (o *Orchestrator) triggerAssessment(ctx context.Context, tc *turnContext) (Result, error) {
	o.transition(ctx, tc, StateAssessmentTriggered)

	user, err := o.persistUserMessage(ctx, tc)
	if err != nil {
		return nil, err
	}

	request, err := o.Assessor.Prepare(ctx, tc.instance)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "prepare grading request")
	}
	o.Assessor.Dispatch(ctx, request)

	metrics.TurnsTotal.WithLabelValues("assessment_pending").Inc()
	tc.log.Info().Int("message_count", len(request.MessageIDs)).Msg("assessment dispatched")

	return AssessmentPending{UserMessage: user, InstanceID: tc.instance.ID, MessageCount: len(request.MessageIDs)}, nil
}

// stream composes the prompt and hands the turn to the streaming adapter.
func (o *Orchestrator) stream(ctx context.Context, tc *turnContext, pre prefetch, sink streaming.Sink) (Result, error) {
	o.transition(ctx, tc, StateContextBuilding)

	user, err := o.persistUserMessage(ctx, tc)
	if err != nil {
		return nil, err
	}

	history, err := o.Messages.ListRecent(ctx, message.ListFilter{
		RoomID:     tc.roomID,
		InstanceID: tc.instance.ID,
		Limit:      o.cfg.HistoryWindow + 1,
	})
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load conversation history")
	}
	prior := make([]*message.Message, 0, len(history))
	for _, row := range history {
		if row.ID != user.ID {
			prior = append(prior, row)
		}
	}

	composition, err := o.Composer.Compose(ctx, &prompt.Context{
		Tutor:         tc.tutor,
		IsMinor:       tc.isMinor,
		CountryCode:   tc.countryCode,
		MemorySummary: pre.summary,
		Passages:      pre.passages,
		ShortPrompt:   o.cfg.IsShortPromptModel(tc.model),
		History:       prior,
		UserMessage:   tc.req.Content,
	})
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "compose prompt")
	}

	request := openai.ChatCompletionRequest{
		Model:       tc.model,
		Messages:    composition.Messages,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}
	if tc.tutor.Temperature != nil {
		request.Temperature = float32(*tc.tutor.Temperature)
	}
	if tc.tutor.MaxTokens != nil && *tc.tutor.MaxTokens > 0 {
		request.MaxTokens = *tc.tutor.MaxTokens
	}

	o.transition(ctx, tc, StateStreaming)
	result, err := o.Streamer.Run(ctx, streaming.Turn{
		RoomID:     tc.roomID,
		InstanceID: tc.instance.ID,
		TutorID:    tc.tutor.ID,
		Request:    request,
	}, sink)
	if result == nil {
		if err == nil {
			err = errors.New("streaming adapter returned no result")
		}
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "stream completion")
	}
	if err != nil {
		tc.log.Warn().Err(err).Str("status", string(result.Status)).Msg("stream ended without a persisted reply")
	}

	o.transition(ctx, tc, StatePersisted)
	metrics.TurnsTotal.WithLabelValues("streamed_" + string(result.Status)).Inc()
	return Streamed{UserMessage: user, Stream: result}, nil
}

// persistUserMessage stores the submitted turn. A supplied message id that already exists is
// reused with its stored timestamp instead of being inserted again.
func (o *Orchestrator) persistUserMessage(ctx context.Context, tc *turnContext) (*message.Message, error) {
	id := strings.TrimSpace(tc.req.MessageID)
	if id != "" {
		existing, err := o.Messages.Get(ctx, id)
		switch {
		case err == nil:
			if existing.AuthorID != tc.req.AuthorID {
				return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeForbidden, "message belongs to another author", nil, "")
			}
			observability.AddSpanEvent(ctx, "user_message.reused")
			return existing, nil
		case !errors.Is(err, message.ErrNotFound):
			return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load supplied message")
		}
	} else {
		id = idgen.NewMessageID()
	}

	user := &message.Message{
		ID:                     id,
		RoomID:                 tc.roomID,
		AuthorID:               tc.req.AuthorID,
		Role:                   message.RoleUser,
		Content:                tc.req.Content,
		CreatedAt:              o.now().UTC(),
		ConversationInstanceID: tc.instance.ID,
		Metadata:               message.Metadata{message.MetaChatbotID: tc.tutor.ID},
	}
	if err := o.Messages.Insert(ctx, user); err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "persist user message")
	}
	o.publish(ctx, message.NewEvent(message.EventInserted, user))
	return user, nil
}

func (o *Orchestrator) publish(ctx context.Context, event message.Event) {
	if o.Publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.Publisher.Publish(pubCtx, event); err != nil {
		o.log.Warn().Err(err).Str("event", string(event.Type)).Msg("publish realtime event failed")
	}
}
