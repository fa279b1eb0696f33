package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"resty.dev/v3"

	"jan-server/services/tutor-api/internal/infrastructure/metrics"
)

type embedRequest struct {
	Inputs    []string `json:"inputs"`
	Normalize bool     `json:"normalize"`
	Truncate  bool     `json:"truncate"`
}

// Client calls the embedding service and caches query vectors.
type Client struct {
	http    *resty.Client
	baseURL string
	cache   Cache
	log     zerolog.Logger
}

// NewClient creates an embedding client.
func NewClient(baseURL string, timeout time.Duration, cache Cache, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cache == nil {
		cache = NoopCache{}
	}
	return &Client{
		http:    resty.New().SetTimeout(timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   cache,
		log:     log.With().Str("component", "embedding-client").Logger(),
	}
}

// Embed returns the normalized embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if cached, ok := c.cache.Get(ctx, key); ok {
		metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
		return cached, nil
	}
	metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()

	var vectors [][]float32
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(embedRequest{Inputs: []string{text}, Normalize: true, Truncate: true}).
		SetResult(&vectors).
		Post(c.baseURL + "/embed")
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	if resp.IsError() {
		c.log.Warn().Int("status", resp.StatusCode()).Msg("embedding service returned an error")
		return nil, fmt.Errorf("embedding service returned status %d", resp.StatusCode())
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embedding service returned no vectors")
	}

	c.cache.Set(ctx, key, vectors[0])
	return vectors[0], nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}
