package moderation

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/gate"
	"jan-server/services/tutor-api/internal/infrastructure/metrics"
)

// Severity buckets for flagged content.
const (
	SeverityNone   = "none"
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

const ReasonUnavailable = "moderation_unavailable"

// Context identifies who sent the text being moderated.
type Context struct {
	AuthorID string
	RoomID   string
}

// Verdict is the raw classifier response.
type Verdict struct {
	Flagged    bool
	Categories []string
	Scores     map[string]float64
	Jailbreak  bool
}

// Moderator calls the external moderation model.
type Moderator interface {
	Moderate(ctx context.Context, text string, mc Context) (*Verdict, error)
}

// Result is the adapter output consumed by the orchestrator.
type Result struct {
	Flagged           bool
	Categories        []string
	Severity          string
	JailbreakDetected bool
	// Unavailable is set when the upstream call failed and the fail policy was applied.
	Unavailable bool
	Message     string
}

// Decide maps the result to a gate outcome. A concern found by the safety
// classifier overrides any flag so the safety response can still be produced.
func (r Result) Decide(concern bool) gate.Outcome {
	if concern || !r.Flagged {
		return gate.Pass{}
	}
	reason := r.Severity
	if r.Unavailable {
		reason = ReasonUnavailable
	} else if r.JailbreakDetected {
		reason = "jailbreak"
	}
	return gate.Blocked{
		Stage:      gate.StageModeration,
		Reason:     reason,
		Message:    r.Message,
		Categories: r.Categories,
		Severity:   r.Severity,
	}
}

var jailbreakMarkers = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"ignore your instructions",
	"disregard your rules",
	"developer mode",
	"you are now dan",
	"pretend you have no rules",
	"jailbreak",
}

var highSeverityCategories = map[string]struct{}{
	"sexual/minors":          {},
	"self-harm/instructions": {},
	"violence/graphic":       {},
	"hate/threatening":       {},
	"illicit/violent":        {},
}

// Service wraps a Moderator with severity grading, redirect selection and the failure policy.
type Service struct {
	moderator Moderator
	policy    config.ModerationPolicy
	failMode  string
	log       zerolog.Logger
}

// NewService creates the moderation adapter. A nil moderator disables moderation.
func NewService(moderator Moderator, policy config.ModerationPolicy, failMode string, log zerolog.Logger) *Service {
	if failMode == "" {
		failMode = config.ModerationFailOpen
	}
	return &Service{
		moderator: moderator,
		policy:    policy,
		failMode:  failMode,
		log:       log.With().Str("component", "moderation").Logger(),
	}
}

// Check moderates text. It never returns an error: upstream failures are
// logged, counted, and resolved with the configured fail policy.
func (s *Service) Check(ctx context.Context, text string, mc Context) Result {
	if s.moderator == nil || strings.TrimSpace(text) == "" {
		return Result{Severity: SeverityNone}
	}

	verdict, err := s.moderator.Moderate(ctx, text, mc)
	if err != nil {
		metrics.ModerationFailuresTotal.WithLabelValues(s.failMode).Inc()
		s.log.Error().
			Err(err).
			Str("author_id", mc.AuthorID).
			Str("room_id", mc.RoomID).
			Str("policy", s.failMode).
			Msg("moderation service failed")
		if s.failMode == config.ModerationFailClosed {
			return Result{
				Flagged:     true,
				Severity:    SeverityNone,
				Unavailable: true,
				Message:     strings.TrimSpace(s.policy.FailClosedMessage),
			}
		}
		return Result{Severity: SeverityNone, Unavailable: true}
	}

	jailbreak := verdict.Jailbreak || containsJailbreakMarker(text)
	flagged := verdict.Flagged || jailbreak
	if !flagged {
		return Result{Severity: SeverityNone}
	}

	severity := grade(verdict)
	if jailbreak && severity == SeverityNone {
		severity = SeverityMedium
	}

	result := Result{
		Flagged:           true,
		Categories:        sortedCopy(verdict.Categories),
		Severity:          severity,
		JailbreakDetected: jailbreak,
	}
	result.Message = s.redirectFor(result)
	return result
}

func (s *Service) redirectFor(r Result) string {
	if r.JailbreakDetected && strings.TrimSpace(s.policy.JailbreakRedirect) != "" {
		return strings.TrimSpace(s.policy.JailbreakRedirect)
	}
	if msg, ok := s.policy.Redirects[r.Severity]; ok && strings.TrimSpace(msg) != "" {
		return strings.TrimSpace(msg)
	}
	return strings.TrimSpace(s.policy.Redirects[SeverityMedium])
}

func grade(v *Verdict) string {
	if v == nil || (!v.Flagged && len(v.Categories) == 0) {
		return SeverityNone
	}
	for _, c := range v.Categories {
		if _, ok := highSeverityCategories[c]; ok {
			return SeverityHigh
		}
	}
	var top float64
	for _, score := range v.Scores {
		if score > top {
			top = score
		}
	}
	switch {
	case top >= 0.9:
		return SeverityHigh
	case top >= 0.6:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func containsJailbreakMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range jailbreakMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
