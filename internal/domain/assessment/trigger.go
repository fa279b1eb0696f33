package assessment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/retry"
	"jan-server/services/tutor-api/internal/infrastructure/metrics"
	"jan-server/services/tutor-api/internal/utils/idgen"
)

const failureNotice = "We couldn't submit your assessment for grading. Please try sending the grading command again, or let your teacher know."

// ErrLocked is returned by a Locker when another dispatch holds the lock.
var ErrLocked = errors.New("assessment dispatch already in progress")

// GradingRequest is the payload sent to the grading service.
type GradingRequest struct {
	AuthorID   string   `json:"authorId"`
	TutorID    string   `json:"tutorId"`
	RoomID     string   `json:"roomId"`
	InstanceID string   `json:"instanceId,omitempty"`
	MessageIDs []string `json:"messageIds"`
}

// Grader submits transcripts for grading.
type Grader interface {
	SubmitGrading(ctx context.Context, request GradingRequest) error
}

// Locker serializes dispatches for one conversation instance.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Config controls trigger detection and dispatch.
type Config struct {
	Token        string
	HistoryTurns int
	Policy       retry.Policy
}

// Trigger detects the reserved grading command and dispatches grading in the background.
type Trigger struct {
	cfg       Config
	repo      message.Repository
	publisher message.Publisher
	grader    Grader
	locker    Locker
	log       zerolog.Logger
	retryOpts []retry.Option
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewTrigger creates the assessment trigger. locker may be nil.
func NewTrigger(cfg Config, repo message.Repository, publisher message.Publisher, grader Grader, locker Locker, log zerolog.Logger, opts ...retry.Option) *Trigger {
	if strings.TrimSpace(cfg.Token) == "" {
		cfg.Token = "/grade"
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 5
	}
	return &Trigger{
		cfg:       cfg,
		repo:      repo,
		publisher: publisher,
		grader:    grader,
		locker:    locker,
		log:       log.With().Str("component", "assessment-trigger").Logger(),
		retryOpts: opts,
		now:       time.Now,
	}
}

// Matches reports whether content is the trigger token sent to an assessment tutor.
func (t *Trigger) Matches(content string, tutor *message.Tutor) bool {
	return tutor.IsAssessment() && strings.EqualFold(strings.TrimSpace(content), t.cfg.Token)
}

// Prepare collects the ids of the last HistoryTurns prior turns, oldest first.
// System rows and rows whose content is the trigger token are not turns.
func (t *Trigger) Prepare(ctx context.Context, instance *message.ConversationInstance) (GradingRequest, error) {
	rows, err := t.repo.ListRecent(ctx, message.ListFilter{
		RoomID:     instance.RoomID,
		InstanceID: instance.ID,
		Limit:      t.cfg.HistoryTurns * 4,
	})
	if err != nil {
		return GradingRequest{}, fmt.Errorf("list prior turns: %w", err)
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.Role == message.RoleSystem || row.Metadata.Bool(message.MetaIsThinking) {
			continue
		}
		if row.Role == message.RoleUser && strings.EqualFold(strings.TrimSpace(row.Content), t.cfg.Token) {
			continue
		}
		ids = append(ids, row.ID)
	}
	if len(ids) > t.cfg.HistoryTurns {
		ids = ids[len(ids)-t.cfg.HistoryTurns:]
	}

	return GradingRequest{
		AuthorID:   instance.AuthorID,
		TutorID:    instance.TutorID,
		RoomID:     instance.RoomID,
		InstanceID: instance.ID,
		MessageIDs: ids,
	}, nil
}

// Dispatch submits request in the background and returns immediately. The request
// context only contributes values; its cancellation does not stop the dispatch.
func (t *Trigger) Dispatch(ctx context.Context, request GradingRequest) {
	bg := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dispatch(bg, request)
	}()
}

// Wait blocks until all in-flight dispatches finish.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

func (t *Trigger) dispatch(ctx context.Context, request GradingRequest) {
	log := t.log.With().
		Str("instance_id", request.InstanceID).
		Str("tutor_id", request.TutorID).
		Int("message_count", len(request.MessageIDs)).
		Logger()

	if t.locker != nil {
		release, err := t.locker.Acquire(ctx, "assessment:"+request.InstanceID)
		if errors.Is(err, ErrLocked) {
			metrics.AssessmentDispatchTotal.WithLabelValues("deduplicated").Inc()
			log.Info().Msg("grading already in progress for instance")
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("assessment lock unavailable, dispatching without lock")
		} else {
			defer release()
		}
	}

	opts := append([]retry.Option{
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			metrics.AssessmentDispatchTotal.WithLabelValues("retry").Inc()
			log.Warn().Err(err).Int("retry", attempt).Dur("delay", delay).Msg("grading dispatch failed, retrying")
		}),
	}, t.retryOpts...)
	executor := retry.NewExecutor(t.cfg.Policy, opts...)

	err := executor.Execute(ctx, func(attemptCtx context.Context, attempt int) error {
		return t.grader.SubmitGrading(attemptCtx, request)
	})
	if err == nil {
		metrics.AssessmentDispatchTotal.WithLabelValues("success").Inc()
		log.Info().Msg("grading dispatched")
		return
	}

	metrics.AssessmentDispatchTotal.WithLabelValues("failed").Inc()
	log.Error().Err(err).Msg("grading dispatch failed after retries")
	t.notifyFailure(ctx, request)
}

func (t *Trigger) notifyFailure(ctx context.Context, request GradingRequest) {
	row := &message.Message{
		ID:                     idgen.NewMessageID(),
		RoomID:                 request.RoomID,
		AuthorID:               request.TutorID,
		Role:                   message.RoleSystem,
		Content:                failureNotice,
		CreatedAt:              t.now().UTC(),
		ConversationInstanceID: request.InstanceID,
		Metadata: message.Metadata{
			message.MetaIsAssessmentError: true,
			message.MetaChatbotID:         request.TutorID,
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := t.repo.Insert(writeCtx, row); err != nil {
		t.log.Error().Err(err).Str("instance_id", request.InstanceID).Msg("insert assessment failure notice failed")
		return
	}
	if t.publisher != nil {
		if err := t.publisher.Publish(writeCtx, message.NewEvent(message.EventInserted, row)); err != nil {
			t.log.Warn().Err(err).Msg("publish assessment failure notice failed")
		}
	}
}
