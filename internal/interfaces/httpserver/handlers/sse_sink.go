package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/streaming"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/dto"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/middlewares"
)

const (
	eventStarted   = "started"
	eventDelta     = "delta"
	eventMetadata  = "metadata"
	eventError     = "error"
	eventCompleted = "completed"
	eventDone      = "done"
)

// sseSink implements streaming.Sink over a gin response. Headers are only committed
// on the first event, so turns that never stream can still answer with plain JSON.
type sseSink struct {
	mu      sync.Mutex
	c       *gin.Context
	flusher http.Flusher
	log     zerolog.Logger
	started bool
	gone    bool
}

func newSSESink(c *gin.Context, log zerolog.Logger) *sseSink {
	return &sseSink{c: c, log: log}
}

func (s *sseSink) Started(msg *message.Message) error {
	return s.send(eventStarted, dto.StreamStarted{Message: message.ToWire(msg)})
}

func (s *sseSink) Delta(content string) error {
	return s.send(eventDelta, dto.StreamDelta{Content: content})
}

func (s *sseSink) Metadata(citations []streaming.Citation, confidence *float64) error {
	return s.send(eventMetadata, dto.StreamMetadata{Citations: citations, Confidence: confidence})
}

func (s *sseSink) Failed(userMessage string) error {
	return s.send(eventError, dto.StreamError{Message: userMessage})
}

func (s *sseSink) Completed(msg *message.Message) error {
	return s.send(eventCompleted, dto.StreamStarted{Message: message.ToWire(msg)})
}

// Opened reports whether any event was written.
func (s *sseSink) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *sseSink) send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gone {
		return errClientGone
	}
	if !s.started {
		flusher, ok := middlewares.PrepareSSE(s.c)
		if !ok {
			return errStreamingUnsupported
		}
		s.flusher = flusher
		s.c.Status(http.StatusOK)
		s.started = true
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("marshal SSE payload")
		return err
	}
	if _, err := fmt.Fprintf(s.c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.gone = true
		return errClientGone
	}
	s.flusher.Flush()
	return nil
}
