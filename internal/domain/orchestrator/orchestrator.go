package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/gate"
	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/moderation"
	"jan-server/services/tutor-api/internal/domain/prompt"
	"jan-server/services/tutor-api/internal/domain/retrieval"
	"jan-server/services/tutor-api/internal/domain/streaming"
	"jan-server/services/tutor-api/internal/infrastructure/metrics"
	"jan-server/services/tutor-api/internal/infrastructure/observability"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

// Config carries the completion defaults used when building a turn.
type Config struct {
	DefaultModel          string
	Temperature           float32
	MaxTokens             int
	HistoryWindow         int
	SafetyResponseTimeout time.Duration
	IsShortPromptModel    func(model string) bool
}

// Dependencies are the collaborators of the orchestrator.
type Dependencies struct {
	Classifier Classifier
	Filter     ContentFilter
	Moderator  Moderator
	Retriever  Retriever
	Memory     MemoryLoader
	Composer   Composer
	Streamer   Streamer
	Completer  streaming.CompletionClient
	Assessor   Assessor
	Messages   message.Repository
	Instances  message.InstanceRepository
	Directory  message.DirectoryRepository
	Audit      message.AuditRepository
	Publisher  message.Publisher
	Sanitizer  Sanitizer
	Policy     *config.Policy
}

// Orchestrator sequences the gate stages and routes each turn to one terminal flow.
type Orchestrator struct {
	Dependencies
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

// New creates the message orchestrator.
func New(deps Dependencies, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.SafetyResponseTimeout <= 0 {
		cfg.SafetyResponseTimeout = 20 * time.Second
	}
	if cfg.IsShortPromptModel == nil {
		cfg.IsShortPromptModel = func(string) bool { return false }
	}
	return &Orchestrator{
		Dependencies: deps,
		cfg:          cfg,
		log:          log.With().Str("component", "orchestrator").Logger(),
		now:          time.Now,
	}
}

// turnContext is the resolved, per-request view of a turn.
type turnContext struct {
	req         Request
	roomID      string
	tutor       *message.Tutor
	profile     *message.Profile
	instance    *message.ConversationInstance
	isMinor     bool
	countryCode string
	model       string
	log         zerolog.Logger
}

// prefetch holds the context-building inputs fetched alongside moderation.
type prefetch struct {
	passages []retrieval.Passage
	summary  string
}

// Handle runs one turn. A nil error is returned for every gate outcome; errors are
// reserved for validation, authorization and storage failures.
func (o *Orchestrator) Handle(ctx context.Context, req Request, sink streaming.Sink) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.Handle")
	defer span.End()

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeValidation, "content is required", nil, "")
	}
	if strings.TrimSpace(req.TutorID) == "" {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeValidation, "tutor_id is required", nil, "")
	}

	tc, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	observability.AddSpanAttributes(ctx,
		attribute.String("tutor_id", tc.tutor.ID),
		attribute.String("instance_id", tc.instance.ID),
		attribute.String("model", tc.model),
	)
	o.transition(ctx, tc, StateReceived)

	finding := o.Classifier.Classify(req.Content)
	o.transition(ctx, tc, StateSafetyChecked)
	if finding.Concern {
		metrics.SafetyConcernsTotal.WithLabelValues(finding.ConcernType).Inc()
		metrics.GateDecisionsTotal.WithLabelValues(string(gate.StageSafety), "concern").Inc()
		observability.AddSpanEvent(ctx, "content_filter.skipped", attribute.String("concern_type", finding.ConcernType))
	} else {
		metrics.GateDecisionsTotal.WithLabelValues(string(gate.StageSafety), "pass").Inc()
		if blocked, ok := o.Filter.Check(req.Content, tc.isMinor).Outcome().(gate.Blocked); ok {
			metrics.GateDecisionsTotal.WithLabelValues(string(gate.StageContentFilter), "blocked").Inc()
			return o.block(ctx, tc, blocked)
		}
		metrics.GateDecisionsTotal.WithLabelValues(string(gate.StageContentFilter), "pass").Inc()
	}
	o.transition(ctx, tc, StateFilterChecked)

	triggered := !finding.Concern && o.Assessor.Matches(req.Content, tc.tutor)
	modResult, pre := o.moderate(ctx, tc, !finding.Concern && !triggered)
	o.transition(ctx, tc, StateModerationChecked)

	var outcome gate.Outcome = modResult.Decide(finding.Concern)
	if finding.Concern {
		if modResult.Flagged {
			tc.log.Info().Strs("categories", modResult.Categories).Msg("moderation flag overridden by safety concern")
			observability.AddSpanEvent(ctx, "moderation.overridden")
		}
		outcome = finding.Outcome()
	}

	switch out := outcome.(type) {
	case gate.Blocked:
		metrics.GateDecisionsTotal.WithLabelValues(string(gate.StageModeration), "blocked").Inc()
		return o.block(ctx, tc, out)
	case gate.Concern:
		return o.intervene(ctx, tc, out.Type)
	case gate.Pass:
		metrics.GateDecisionsTotal.WithLabelValues(string(gate.StageModeration), "pass").Inc()
		if triggered {
			return o.triggerAssessment(ctx, tc)
		}
		return o.stream(ctx, tc, pre, sink)
	default:
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeInternal, "unknown gate outcome", nil, "")
	}
}

// moderate calls moderation and, when the turn may stream, fetches retrieval passages and
// the memory summary concurrently. Prefetch failures degrade to empty context.
func (o *Orchestrator) moderate(ctx context.Context, tc *turnContext, withPrefetch bool) (moderation.Result, prefetch) {
	var (
		result moderation.Result
		pre    prefetch
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		result = o.Moderator.Check(gctx, tc.req.Content, moderation.Context{AuthorID: tc.req.AuthorID, RoomID: tc.roomID})
		return nil
	})

	if withPrefetch && o.Retriever != nil && tc.tutor.UsesRetrieval() {
		g.Go(func() error {
			passages, err := o.Retriever.Retrieve(gctx, tc.req.Content, tc.tutor.KnowledgeBaseID)
			if err != nil {
				metrics.RetrievalFailuresTotal.Inc()
				tc.log.Warn().Err(err).Msg("retrieval failed, continuing without passages")
				return nil
			}
			pre.passages = passages
			return nil
		})
	}
	if withPrefetch && o.Memory != nil {
		g.Go(func() error {
			summary, err := o.Memory.LoadSummary(gctx, tc.req.AuthorID, tc.tutor.ID, tc.req.Content)
			if err != nil {
				tc.log.Warn().Err(err).Msg("memory summary unavailable")
				return nil
			}
			pre.summary = summary
			return nil
		})
	}
	_ = g.Wait()

	return result, pre
}

func (o *Orchestrator) resolve(ctx context.Context, req Request) (*turnContext, error) {
	tutor, err := o.Directory.GetTutor(ctx, req.TutorID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeNotFound, "tutor not found", err, "")
		}
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load tutor")
	}

	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		roomID = tutor.RoomID
	} else if tutor.RoomID != "" && tutor.RoomID != roomID {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeValidation, "tutor does not belong to this room", nil, "")
	}

	profile, err := o.Directory.GetProfile(ctx, req.AuthorID)
	if err != nil {
		if !errors.Is(err, message.ErrNotFound) {
			return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load author profile")
		}
		// Without a profile only teachers are treated as adults.
		profile = &message.Profile{UserID: req.AuthorID, Role: req.AuthorRole, IsMinor: req.AuthorRole != message.AuthorRoleTeacher}
	}

	ownerCountry := ""
	if strings.TrimSpace(req.CountryCode) == "" && strings.TrimSpace(profile.CountryCode) == "" {
		ownerCountry = o.roomOwnerCountry(ctx, roomID)
	}

	instance, err := o.resolveInstance(ctx, req, tutor.ID, roomID)
	if err != nil {
		return nil, err
	}

	model := firstNonEmpty(req.Model, tutor.Model, o.cfg.DefaultModel)
	country := prompt.ResolveCountryCode(req.CountryCode, profile.CountryCode, ownerCountry)

	return &turnContext{
		req:         req,
		roomID:      roomID,
		tutor:       tutor,
		profile:     profile,
		instance:    instance,
		isMinor:     profile.IsMinor,
		countryCode: country,
		model:       model,
		log: o.log.With().
			Str("instance_id", instance.ID).
			Str("tutor_id", tutor.ID).
			Str("room_id", roomID).
			Logger(),
	}, nil
}

func (o *Orchestrator) resolveInstance(ctx context.Context, req Request, tutorID, roomID string) (*message.ConversationInstance, error) {
	if strings.TrimSpace(req.InstanceID) == "" {
		instance, err := o.Instances.FindOrCreate(ctx, req.AuthorID, tutorID, roomID)
		if err != nil {
			return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "resolve conversation instance")
		}
		return instance, nil
	}

	instance, err := o.Instances.Get(ctx, req.InstanceID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeNotFound, "conversation instance not found", err, "")
		}
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load conversation instance")
	}
	if instance.AuthorID != req.AuthorID || instance.TutorID != tutorID {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeForbidden, "conversation instance belongs to another conversation", nil, "")
	}
	return instance, nil
}

func (o *Orchestrator) roomOwnerCountry(ctx context.Context, roomID string) string {
	if roomID == "" {
		return ""
	}
	room, err := o.Directory.GetRoom(ctx, roomID)
	if err != nil || room.OwnerID == "" {
		return ""
	}
	owner, err := o.Directory.GetProfile(ctx, room.OwnerID)
	if err != nil {
		return ""
	}
	return owner.CountryCode
}

func (o *Orchestrator) transition(ctx context.Context, tc *turnContext, state State) {
	observability.AddSpanEvent(ctx, "state."+string(state))
	tc.log.Debug().Str("state", string(state)).Msg("turn transition")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
