package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	domain "jan-server/services/tutor-api/internal/domain/moderation"
)

// Config configures the moderation client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type moderationAPI interface {
	Moderations(ctx context.Context, request openai.ModerationRequest) (openai.ModerationResponse, error)
}

// Client calls an OpenAI-compatible moderation endpoint behind a circuit breaker.
// While the breaker is open calls fail immediately and the fail policy applies.
type Client struct {
	api     moderationAPI
	breaker *gobreaker.CircuitBreaker
	model   string
	timeout time.Duration
	log     zerolog.Logger
}

// NewClient creates the moderation client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newClient(openai.NewClientWithConfig(clientCfg), cfg, log)
}

func newClient(api moderationAPI, cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger := log.With().Str("component", "moderation-client").Logger()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "moderation",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return &Client{api: api, breaker: breaker, model: cfg.Model, timeout: cfg.Timeout, log: logger}
}

// Moderate classifies text. The moderation context is only used for logging.
func (c *Client) Moderate(ctx context.Context, text string, mc domain.Context) (*domain.Verdict, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.api.Moderations(callCtx, openai.ModerationRequest{Input: text, Model: c.model})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.log.Debug().Str("room_id", mc.RoomID).Msg("moderation skipped, breaker open")
		}
		return nil, fmt.Errorf("moderation request: %w", err)
	}

	resp, ok := out.(openai.ModerationResponse)
	if !ok || len(resp.Results) == 0 {
		return nil, fmt.Errorf("moderation response has no results")
	}
	return toVerdict(resp.Results[0])
}

func toVerdict(result openai.Result) (*domain.Verdict, error) {
	var categories map[string]bool
	if err := remarshal(result.Categories, &categories); err != nil {
		return nil, fmt.Errorf("decode moderation categories: %w", err)
	}
	var scores map[string]float64
	if err := remarshal(result.CategoryScores, &scores); err != nil {
		return nil, fmt.Errorf("decode moderation scores: %w", err)
	}

	verdict := &domain.Verdict{Flagged: result.Flagged, Scores: scores}
	for name, hit := range categories {
		if hit {
			verdict.Categories = append(verdict.Categories, name)
		}
	}
	sort.Strings(verdict.Categories)
	return verdict, nil
}

func remarshal(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
