package tutorclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"jan-server/services/tutor-api/internal/domain/message"
)

// FeedQuery scopes a feed subscription. Leave both fields empty for the room-wide feed
// available to the room owner.
type FeedQuery struct {
	TutorID    string
	InstanceID string
}

// Subscribe follows the realtime feed and calls fn for every event until ctx ends or
// the connection drops. It returns nil when ctx was cancelled.
func (c *Client) Subscribe(ctx context.Context, roomID string, q FeedQuery, fn func(message.Event)) error {
	target, err := c.feedURL(roomID, q.TutorID, q.InstanceID)
	if err != nil {
		return err
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = defaultFeedHandshakeTimeout
	ws, resp, err := dialer.DialContext(ctx, target, c.feedHeaders())
	if err != nil {
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: "feed handshake rejected"}
		}
		return fmt.Errorf("dial feed: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
	})
	defer stop()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read feed: %w", err)
		}
		var event message.Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed feed event")
			continue
		}
		fn(event)
	}
}
