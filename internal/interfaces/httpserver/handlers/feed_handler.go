package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/infrastructure/auth"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

// FeedServer pumps realtime events to an upgraded connection.
type FeedServer interface {
	Serve(ctx context.Context, ws *websocket.Conn, roomID, instanceID string)
}

// FeedHandler upgrades realtime feed connections.
type FeedHandler struct {
	server   FeedServer
	upgrader *websocket.Upgrader
	access   *conversationAccess
	log      zerolog.Logger
}

// NewFeedHandler constructs the handler.
func NewFeedHandler(
	server FeedServer,
	upgrader *websocket.Upgrader,
	instances message.InstanceRepository,
	directory message.DirectoryRepository,
	log zerolog.Logger,
) *FeedHandler {
	return &FeedHandler{
		server:   server,
		upgrader: upgrader,
		access:   &conversationAccess{instances: instances, directory: directory},
		log:      log.With().Str("handler", "feed").Logger(),
	}
}

// Subscribe handles GET /v1/rooms/:room_id/feed
// @Summary Subscribe to realtime transcript events
// @Description Upgrades to a websocket carrying message.inserted, message.updated, message.deleted and safety-message events. The room owner may omit tutor_id and instance_id to watch the whole room.
// @Tags Messages
// @Param room_id path string true "Room ID"
// @Param tutor_id query string false "Tutor ID"
// @Param instance_id query string false "Conversation instance ID"
// @Router /v1/rooms/{room_id}/feed [get]
func (h *FeedHandler) Subscribe(c *gin.Context) {
	principal, ok := auth.PrincipalFrom(c)
	if !ok {
		platformerrors.WriteUnauthorized(c, "authentication required")
		return
	}

	ctx := c.Request.Context()
	roomID := c.Param("room_id")
	tutorID := strings.TrimSpace(c.Query("tutor_id"))
	instanceID := strings.TrimSpace(c.Query("instance_id"))

	scope := ""
	if tutorID == "" && instanceID == "" {
		if err := h.access.requireRoomOwner(ctx, principal, roomID); err != nil {
			platformerrors.WriteError(c, err, h.log)
			return
		}
	} else {
		instance, err := h.access.resolve(ctx, principal, accessQuery{RoomID: roomID, TutorID: tutorID, InstanceID: instanceID})
		if err != nil {
			platformerrors.WriteError(c, err, h.log)
			return
		}
		scope = instance.ID
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.log.Debug().Str("room_id", roomID).Str("instance_id", scope).Msg("feed connected")
	h.server.Serve(ctx, ws, roomID, scope)
}
