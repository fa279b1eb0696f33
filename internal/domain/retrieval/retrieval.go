package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Passage is one retrieved knowledge chunk.
type Passage struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index runs a similarity query restricted to one knowledge base.
type Index interface {
	Query(ctx context.Context, vector []float32, scope string, k int) ([]Passage, error)
}

// Service embeds a query and fetches the top-k passages for a tutor's knowledge base.
type Service struct {
	embedder Embedder
	index    Index
	topK     int
	minScore float64
	log      zerolog.Logger
}

// NewService creates the retrieval adapter.
func NewService(embedder Embedder, index Index, topK int, minScore float64, log zerolog.Logger) *Service {
	if topK <= 0 {
		topK = 5
	}
	return &Service{
		embedder: embedder,
		index:    index,
		topK:     topK,
		minScore: minScore,
		log:      log.With().Str("component", "retrieval").Logger(),
	}
}

// Retrieve returns passages ordered by descending score, dropping those below the minimum score.
func (s *Service) Retrieve(ctx context.Context, query, scope string) ([]Passage, error) {
	query = strings.TrimSpace(query)
	if query == "" || strings.TrimSpace(scope) == "" {
		return nil, nil
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("embed query: empty vector")
	}

	passages, err := s.index.Query(ctx, vector, scope, s.topK)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	filtered := make([]Passage, 0, len(passages))
	for _, p := range passages {
		if p.Score < s.minScore || strings.TrimSpace(p.Text) == "" {
			continue
		}
		filtered = append(filtered, p)
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
	if len(filtered) > s.topK {
		filtered = filtered[:s.topK]
	}

	s.log.Debug().
		Str("scope", scope).
		Int("candidates", len(passages)).
		Int("kept", len(filtered)).
		Msg("retrieved passages")
	return filtered, nil
}
