package tutorclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/dto"
)

const maxSSELine = 1 << 20

// SendRequest is one student turn.
type SendRequest struct {
	TutorID     string
	Content     string
	InstanceID  string
	MessageID   string
	Model       string
	CountryCode string
}

// OutcomeKind tells which terminal flow handled the turn.
type OutcomeKind string

const (
	OutcomeStreamed   OutcomeKind = "streamed"
	OutcomeBlocked    OutcomeKind = "blocked"
	OutcomeSafety     OutcomeKind = "safety_intervention_triggered"
	OutcomeAssessment OutcomeKind = "assessment_pending"
)

// Outcome is the final answer to a submitted turn. Exactly one of the kind specific
// fields is set.
type Outcome struct {
	Kind        OutcomeKind
	UserMessage *message.Message

	// Streamed
	Reply        *message.Message
	StreamStatus string
	StreamError  string

	Blocked    *dto.BlockedResponse
	Safety     *dto.SafetyInterventionResponse
	Assessment *dto.AssessmentPendingResponse
}

// StreamCallbacks receive SSE frames as they arrive. Nil callbacks are skipped.
type StreamCallbacks struct {
	OnStarted   func(placeholder *message.Message)
	OnDelta     func(content string)
	OnMetadata  func(meta dto.StreamMetadata)
	OnError     func(userMessage string)
	OnCompleted func(final *message.Message)
}

// Send submits a turn and blocks until the reply stream ends or the turn is answered
// without streaming.
func (c *Client) Send(ctx context.Context, roomID string, req SendRequest, cb StreamCallbacks) (*Outcome, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/event-stream, application/json").
		SetPathParam("room_id", roomID).
		SetBody(dto.SendMessageRequest{
			TutorID:     req.TutorID,
			Content:     req.Content,
			InstanceID:  req.InstanceID,
			MessageID:   req.MessageID,
			Model:       req.Model,
			CountryCode: req.CountryCode,
		}).
		Post("/v1/rooms/{room_id}/messages")
	if err != nil {
		return nil, fmt.Errorf("send turn: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if strings.HasPrefix(resp.Header().Get("Content-Type"), "text/event-stream") {
		return readStream(body, cb)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read turn response: %w", err)
	}
	return decodeOutcome(resp.StatusCode(), data)
}

func decodeOutcome(status int, data []byte) (*Outcome, error) {
	switch status {
	case http.StatusBadRequest:
		var blocked dto.BlockedResponse
		if err := json.Unmarshal(data, &blocked); err == nil && blocked.Stage != "" {
			return &Outcome{Kind: OutcomeBlocked, Blocked: &blocked}, nil
		}
	case http.StatusOK:
		var safety dto.SafetyInterventionResponse
		if err := json.Unmarshal(data, &safety); err == nil && safety.Type == string(OutcomeSafety) {
			return &Outcome{Kind: OutcomeSafety, UserMessage: toMessage(safety.UserMessage), Safety: &safety}, nil
		}
		return streamedOutcome(data)
	case http.StatusAccepted:
		var pending dto.AssessmentPendingResponse
		if err := json.Unmarshal(data, &pending); err != nil {
			return nil, fmt.Errorf("decode assessment outcome: %w", err)
		}
		return &Outcome{Kind: OutcomeAssessment, UserMessage: toMessage(pending.UserMessage), Assessment: &pending}, nil
	case http.StatusBadGateway:
		// A reply that failed before its first frame still reports the stream status.
		if out, err := streamedOutcome(data); err == nil && out.StreamStatus != "" {
			return out, nil
		}
	}
	return nil, decodeAPIError(status, data)
}

func streamedOutcome(data []byte) (*Outcome, error) {
	var done dto.StreamDone
	if err := json.Unmarshal(data, &done); err != nil {
		return nil, fmt.Errorf("decode stream outcome: %w", err)
	}
	return &Outcome{
		Kind:         OutcomeStreamed,
		UserMessage:  toMessage(done.UserMessage),
		Reply:        toMessage(done.Message),
		StreamStatus: done.Status,
	}, nil
}

// readStream dispatches SSE frames until the done frame or EOF.
func readStream(r io.Reader, cb StreamCallbacks) (*Outcome, error) {
	out := &Outcome{Kind: OutcomeStreamed}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data.Len() > 0 {
				finished, err := dispatch(event, data.String(), cb, out)
				if err != nil {
					return nil, err
				}
				if finished {
					return out, nil
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read reply stream: %w", err)
	}
	if out.StreamStatus == "" {
		out.StreamStatus = "interrupted"
	}
	return out, nil
}

func dispatch(event, data string, cb StreamCallbacks, out *Outcome) (bool, error) {
	switch event {
	case "started":
		var p dto.StreamStarted
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return false, fmt.Errorf("decode started frame: %w", err)
		}
		if cb.OnStarted != nil {
			cb.OnStarted(toMessage(p.Message))
		}
	case "delta":
		var p dto.StreamDelta
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return false, fmt.Errorf("decode delta frame: %w", err)
		}
		if cb.OnDelta != nil {
			cb.OnDelta(p.Content)
		}
	case "metadata":
		var p dto.StreamMetadata
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return false, fmt.Errorf("decode metadata frame: %w", err)
		}
		if cb.OnMetadata != nil {
			cb.OnMetadata(p)
		}
	case "error":
		var p dto.StreamError
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return false, fmt.Errorf("decode error frame: %w", err)
		}
		out.StreamError = p.Message
		if cb.OnError != nil {
			cb.OnError(p.Message)
		}
	case "completed":
		var p dto.StreamStarted
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return false, fmt.Errorf("decode completed frame: %w", err)
		}
		out.Reply = toMessage(p.Message)
		if cb.OnCompleted != nil {
			cb.OnCompleted(out.Reply)
		}
	case "done":
		var p dto.StreamDone
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return false, fmt.Errorf("decode done frame: %w", err)
		}
		out.StreamStatus = p.Status
		out.UserMessage = toMessage(p.UserMessage)
		if p.Message != nil {
			out.Reply = toMessage(p.Message)
		}
		return true, nil
	}
	return false, nil
}
