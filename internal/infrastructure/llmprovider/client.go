package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"resty.dev/v3"

	"jan-server/services/tutor-api/internal/domain/streaming"
)

const maxErrorBody = 4 * 1024

// Client talks to the OpenAI-compatible completion endpoint of llm-api.
type Client struct {
	http    *resty.Client
	baseURL string
	apiKey  string
	log     zerolog.Logger
}

// NewClient creates a resty-backed completion client.
func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		http:    resty.New().SetTimeout(timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		log:     log.With().Str("component", "llm-provider").Logger(),
	}
}

// CreateStream opens a streaming completion. Non-2xx responses become *streaming.UpstreamError.
func (c *Client) CreateStream(ctx context.Context, request openai.ChatCompletionRequest) (streaming.Stream, error) {
	request.Stream = true
	resp, err := c.prepare(ctx).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Accept-Encoding", "identity").
		SetBody(request).
		SetDoNotParseResponse(true).
		Post(c.endpoint())
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}
	if resp.RawResponse == nil || resp.RawResponse.Body == nil {
		return nil, &streaming.UpstreamError{StatusCode: resp.StatusCode(), Body: "empty response body"}
	}
	if resp.IsError() {
		return nil, c.upstreamError(resp)
	}
	return newSSEStream(resp.RawResponse.Body), nil
}

// CreateCompletion runs a non-streaming completion and returns the first choice text.
func (c *Client) CreateCompletion(ctx context.Context, request openai.ChatCompletionRequest) (string, error) {
	request.Stream = false
	resp, err := c.prepare(ctx).
		SetBody(request).
		SetDoNotParseResponse(true).
		Post(c.endpoint())
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	if resp.RawResponse == nil || resp.RawResponse.Body == nil {
		return "", &streaming.UpstreamError{StatusCode: resp.StatusCode(), Body: "empty response body"}
	}
	if resp.IsError() {
		return "", c.upstreamError(resp)
	}
	defer resp.RawResponse.Body.Close()

	var completion openai.ChatCompletionResponse
	if err := json.NewDecoder(resp.RawResponse.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

func (c *Client) prepare(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx).SetHeader("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.SetHeader("Authorization", "Bearer "+c.apiKey)
	}
	return req
}

func (c *Client) endpoint() string {
	return c.baseURL + "/v1/chat/completions"
}

func (c *Client) upstreamError(resp *resty.Response) error {
	defer resp.RawResponse.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.RawResponse.Body, maxErrorBody))
	c.log.Warn().
		Int("status", resp.StatusCode()).
		Str("body", strings.TrimSpace(string(body))).
		Msg("completion service returned an error")
	return &streaming.UpstreamError{StatusCode: resp.StatusCode(), Body: strings.TrimSpace(string(body))}
}
