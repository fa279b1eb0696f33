// Package memory talks to the memory-tools service: it loads the cross-session summary
// used by the prompt composer and forwards idle session snapshots for observation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/reconcile"
)

const maxSummaryItems = 8

// ErrDisabled is returned by Snapshot when no memory service is configured.
var ErrDisabled = errors.New("memory service is not configured")

type loadOptions struct {
	AugmentWithMemory bool    `json:"augment_with_memory"`
	MaxUserItems      int     `json:"max_user_items"`
	MaxProjectItems   int     `json:"max_project_items"`
	MaxEpisodicItems  int     `json:"max_episodic_items"`
	MinSimilarity     float32 `json:"min_similarity"`
}

type loadRequest struct {
	UserID    string      `json:"user_id"`
	ProjectID string      `json:"project_id,omitempty"`
	Query     string      `json:"query"`
	Options   loadOptions `json:"options"`
}

type memoryItem struct {
	Text string `json:"text"`
}

type loadResponse struct {
	CoreMemory     []memoryItem `json:"core_memory"`
	EpisodicMemory []memoryItem `json:"episodic_memory"`
	SemanticMemory []memoryItem `json:"semantic_memory"`
}

type conversationItem struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

type observeRequest struct {
	UserID         string             `json:"user_id"`
	ProjectID      string             `json:"project_id,omitempty"`
	ConversationID string             `json:"conversation_id"`
	Messages       []conversationItem `json:"messages"`
}

// Client is a memory-tools HTTP client. A nil or unconfigured client loads no summary.
type Client struct {
	baseURL    string
	httpClient *resty.Client
	log        zerolog.Logger
}

// NewClient returns nil when baseURL is empty.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: resty.New().
			SetBaseURL(baseURL).
			SetHeader("User-Agent", "Jan-Tutor-API/1.0").
			SetHeader("Content-Type", "application/json").
			SetTimeout(timeout),
		log: log.With().Str("component", "memory-client").Logger(),
	}
}

func (c *Client) IsEnabled() bool {
	return c != nil && c.baseURL != ""
}

// LoadSummary returns a short bullet summary of what the tutor remembers about the author.
func (c *Client) LoadSummary(ctx context.Context, authorID, tutorID, query string) (string, error) {
	if !c.IsEnabled() {
		return "", nil
	}

	var result loadResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(loadRequest{
			UserID:    authorID,
			ProjectID: tutorID,
			Query:     query,
			Options: loadOptions{
				AugmentWithMemory: true,
				MaxUserItems:      3,
				MaxProjectItems:   3,
				MaxEpisodicItems:  3,
				MinSimilarity:     0.5,
			},
		}).
		SetResult(&result).
		Post("/v1/memory/load")
	if err != nil {
		return "", fmt.Errorf("memory load request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("memory load error (%d): %s", resp.StatusCode(), resp.String())
	}
	return summarize(result), nil
}

// Snapshot implements reconcile.Snapshotter.
func (c *Client) Snapshot(ctx context.Context, snapshot reconcile.Snapshot) error {
	if !c.IsEnabled() {
		return ErrDisabled
	}
	conversationID := snapshot.InstanceID
	if conversationID == "" {
		conversationID = fmt.Sprintf("%s:%s:%s", snapshot.RoomID, snapshot.TutorID, snapshot.AuthorID)
	}

	items := make([]conversationItem, 0, len(snapshot.Messages))
	for _, m := range snapshot.Messages {
		if m == nil || m.Role == message.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		items = append(items, conversationItem{
			ID:             m.ID,
			ConversationID: conversationID,
			Role:           string(m.Role),
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
		})
	}
	if len(items) == 0 {
		return nil
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(observeRequest{
			UserID:         snapshot.AuthorID,
			ProjectID:      snapshot.TutorID,
			ConversationID: conversationID,
			Messages:       items,
		}).
		Post("/v1/memory/observe")
	if err != nil {
		return fmt.Errorf("memory observe request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("memory observe error (%d): %s", resp.StatusCode(), resp.String())
	}

	c.log.Debug().
		Str("conversation_id", conversationID).
		Int("messages", len(items)).
		Msg("session snapshot observed")
	return nil
}

func summarize(resp loadResponse) string {
	var lines []string
	for _, group := range [][]memoryItem{resp.CoreMemory, resp.SemanticMemory, resp.EpisodicMemory} {
		for _, item := range group {
			text := strings.TrimSpace(item.Text)
			if text == "" {
				continue
			}
			lines = append(lines, "- "+text)
			if len(lines) == maxSummaryItems {
				return strings.Join(lines, "\n")
			}
		}
	}
	return strings.Join(lines, "\n")
}
