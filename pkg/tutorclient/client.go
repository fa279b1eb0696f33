// Package tutorclient is a Go client for tutor-api. It submits turns, consumes the SSE
// reply stream, loads transcripts and follows the realtime feed. Conversation layers the
// client reconciliation engine on top so callers see one consistent transcript.
package tutorclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/reconcile"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/dto"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// APIError is a non-2xx answer that is not a turn outcome.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tutor-api error (%d %s): %s", e.StatusCode, e.Type, e.Message)
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithDevIdentity sends the development identity headers honoured when auth is disabled.
func WithDevIdentity(userID string, role message.AuthorRole) Option {
	return func(c *Client) {
		c.userID = userID
		c.role = role
	}
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient overrides the underlying transport, mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// Client talks to one tutor-api deployment.
type Client struct {
	baseURL string
	token   string
	userID  string
	role    message.AuthorRole
	hc      *http.Client
	http    *resty.Client
	log     zerolog.Logger
}

// New creates a client for baseURL, e.g. "http://localhost:8090".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	// No client timeout: replies stream for as long as the model produces tokens.
	// Callers bound requests through their context.
	if c.hc != nil {
		c.http = resty.NewWithClient(c.hc)
	} else {
		c.http = resty.New()
	}
	c.http.SetBaseURL(c.baseURL).SetHeader("User-Agent", "Jan-Tutor-Client/1.0")
	if c.token != "" {
		c.http.SetAuthToken(c.token)
	}
	if c.userID != "" {
		c.http.SetHeader(headerUserID, c.userID)
		if c.role != "" {
			c.http.SetHeader(headerUserRole, string(c.role))
		}
	}
	return c
}

// TranscriptQuery selects the conversation to load.
type TranscriptQuery struct {
	TutorID    string
	InstanceID string
	AuthorID   string
	Limit      int
}

// Transcript is a loaded conversation.
type Transcript struct {
	InstanceID string
	Messages   []*message.Message
}

// LoadTranscript fetches a conversation, oldest first.
func (c *Client) LoadTranscript(ctx context.Context, roomID string, q TranscriptQuery) (*Transcript, error) {
	params := map[string]string{}
	if q.TutorID != "" {
		params["tutor_id"] = q.TutorID
	}
	if q.InstanceID != "" {
		params["instance_id"] = q.InstanceID
	}
	if q.AuthorID != "" {
		params["author_id"] = q.AuthorID
	}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}

	var result dto.TranscriptResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("room_id", roomID).
		SetQueryParams(params).
		SetResult(&result).
		Get("/v1/rooms/{room_id}/messages")
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	if resp.IsError() {
		return nil, decodeAPIError(resp.StatusCode(), resp.Body())
	}

	rows := make([]*message.Message, 0, len(result.Data))
	for _, w := range result.Data {
		if row := message.FromWire(w); row != nil {
			rows = append(rows, row)
		}
	}
	return &Transcript{InstanceID: result.InstanceID, Messages: rows}, nil
}

// Snapshot implements reconcile.Snapshotter by posting the session to tutor-api.
func (c *Client) Snapshot(ctx context.Context, snapshot reconcile.Snapshot) error {
	body := dto.SnapshotRequest{
		TutorID:    snapshot.TutorID,
		RoomID:     snapshot.RoomID,
		InstanceID: snapshot.InstanceID,
		StartedAt:  snapshot.StartedAt,
		EndedAt:    snapshot.EndedAt,
	}
	for _, row := range snapshot.Messages {
		if w := message.ToWire(row); w != nil {
			body.Messages = append(body.Messages, *w)
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/v1/sessions/snapshot")
	if err != nil {
		return fmt.Errorf("post snapshot: %w", err)
	}
	if resp.IsError() {
		return decodeAPIError(resp.StatusCode(), resp.Body())
	}
	return nil
}

// feedURL converts the base URL into the websocket feed address.
func (c *Client) feedURL(roomID, tutorID, instanceID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/rooms/" + roomID + "/feed"
	q := u.Query()
	if tutorID != "" {
		q.Set("tutor_id", tutorID)
	}
	if instanceID != "" {
		q.Set("instance_id", instanceID)
	}
	if c.token != "" {
		q.Set("access_token", c.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) feedHeaders() http.Header {
	h := http.Header{}
	if c.userID != "" {
		h.Set(headerUserID, c.userID)
		if c.role != "" {
			h.Set(headerUserRole, string(c.role))
		}
	}
	return h
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}
	var envelope struct {
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		apiErr.Message = envelope.Error.Message
		apiErr.Type = envelope.Error.Type
	}
	return apiErr
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

func toMessage(w *message.Wire) *message.Message {
	if w == nil {
		return nil
	}
	return message.FromWire(w)
}

var _ reconcile.Snapshotter = (*Client)(nil)

// defaultFeedHandshakeTimeout bounds the websocket handshake.
const defaultFeedHandshakeTimeout = 10 * time.Second
