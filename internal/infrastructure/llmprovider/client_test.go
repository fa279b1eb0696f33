package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/tutor-api/internal/domain/streaming"
)

func sseServer(t *testing.T, status int, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, stream streaming.Stream) ([]streaming.Chunk, error) {
	t.Helper()
	var chunks []streaming.Chunk
	for {
		chunk, err := stream.Recv()
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestClient_CreateStream(t *testing.T) {
	srv := sseServer(t, http.StatusOK,
		`: keep-alive`,
		`data: {"choices":[{"delta":{"content":"Mito"}}]}`,
		`data: {"choices":[{"delta":{}}]}`,
		`data: {"choices":[{"delta":{"content":"chondria"}}]}`,
		`data: {"citations":[{"source":"bio.pdf","score":0.9}],"confidence":0.8}`,
		`data: [DONE]`,
	)
	client := NewClient(srv.URL, "secret", 5*time.Second, zerolog.Nop())

	stream, err := client.CreateStream(context.Background(), openai.ChatCompletionRequest{Model: "jan-v1-4b"})
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := drain(t, stream)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Mito", chunks[0].Content)
	assert.Equal(t, "chondria", chunks[1].Content)
	require.Len(t, chunks[2].Citations, 1)
	assert.Equal(t, "bio.pdf", chunks[2].Citations[0].Source)
	require.NotNil(t, chunks[2].Confidence)
	assert.InDelta(t, 0.8, *chunks[2].Confidence, 0.0001)
}

func TestClient_CreateStreamTruncated(t *testing.T) {
	srv := sseServer(t, http.StatusOK, `data: {"choices":[{"delta":{"content":"Half"}}]}`)
	client := NewClient(srv.URL, "secret", 5*time.Second, zerolog.Nop())

	stream, err := client.CreateStream(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := drain(t, stream)
	assert.ErrorIs(t, err, ErrStreamTruncated)
	assert.Len(t, chunks, 1)
}

func TestClient_CreateStreamMidStreamError(t *testing.T) {
	srv := sseServer(t, http.StatusOK,
		`data: {"choices":[{"delta":{"content":"Hi"}}]}`,
		`data: {"error":{"message":"overloaded","code":503}}`,
	)
	client := NewClient(srv.URL, "secret", 5*time.Second, zerolog.Nop())

	stream, err := client.CreateStream(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = drain(t, stream)
	var upstream *streaming.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, 503, upstream.StatusCode)
}

func TestClient_CreateStreamStatusError(t *testing.T) {
	srv := sseServer(t, http.StatusTooManyRequests, `{"error":"slow down"}`)
	client := NewClient(srv.URL, "secret", 5*time.Second, zerolog.Nop())

	_, err := client.CreateStream(context.Background(), openai.ChatCompletionRequest{Model: "m"})

	var upstream *streaming.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusTooManyRequests, upstream.StatusCode)
	assert.Contains(t, upstream.Body, "slow down")
	assert.Equal(t, "The tutor is in high demand right now. Please try again shortly.", streaming.UserSafeMessage(err))
}

func TestClient_CreateCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "You are not alone."}}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second, zerolog.Nop())
	text, err := client.CreateCompletion(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "You are not alone.", text)
}
