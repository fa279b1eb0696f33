package llmprovider

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"jan-server/services/tutor-api/internal/domain/streaming"
)

const (
	dataPrefix           = "data:"
	doneMarker           = "[DONE]"
	scannerInitialBuffer = 12 * 1024
	scannerMaxBuffer     = 10 * 1024 * 1024
)

// ErrStreamTruncated means the connection ended before the terminal sentinel.
var ErrStreamTruncated = errors.New("completion stream ended without terminal marker")

type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Citations  []streaming.Citation `json:"citations,omitempty"`
	Confidence *float64             `json:"confidence,omitempty"`
	Error      *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// sseStream decodes OpenAI-style server-sent events.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)
	return &sseStream{body: body, scanner: scanner}
}

// Recv returns the next frame carrying content or metadata, io.EOF after [DONE].
func (s *sseStream) Recv() (streaming.Chunk, error) {
	if s.done {
		return streaming.Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, dataPrefix)
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == doneMarker {
			s.done = true
			return streaming.Chunk{}, io.EOF
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if frame.Error != nil {
			status := frame.Error.Code
			if status == 0 {
				status = 500
			}
			return streaming.Chunk{}, &streaming.UpstreamError{StatusCode: status, Body: frame.Error.Message}
		}

		chunk := streaming.Chunk{Citations: frame.Citations, Confidence: frame.Confidence}
		for _, choice := range frame.Choices {
			chunk.Content += choice.Delta.Content
		}
		if chunk.Content == "" && len(chunk.Citations) == 0 && chunk.Confidence == nil {
			continue
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return streaming.Chunk{}, fmt.Errorf("read completion stream: %w", err)
	}
	return streaming.Chunk{}, ErrStreamTruncated
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
