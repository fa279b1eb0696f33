package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/reconcile"
	"jan-server/services/tutor-api/internal/infrastructure/auth"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/dto"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

const (
	defaultTranscriptLimit = 100
	maxTranscriptLimit     = 500
)

// TranscriptHandler serves the transcript load endpoint.
type TranscriptHandler struct {
	messages message.Repository
	access   *conversationAccess
	opts     reconcile.Options
	log      zerolog.Logger
	now      func() time.Time
}

// NewTranscriptHandler constructs the handler.
func NewTranscriptHandler(
	messages message.Repository,
	instances message.InstanceRepository,
	directory message.DirectoryRepository,
	opts reconcile.Options,
	log zerolog.Logger,
) *TranscriptHandler {
	return &TranscriptHandler{
		messages: messages,
		access:   &conversationAccess{instances: instances, directory: directory},
		opts:     opts,
		log:      log.With().Str("handler", "transcript").Logger(),
		now:      time.Now,
	}
}

// List handles GET /v1/rooms/:room_id/messages
// @Summary Load a conversation transcript
// @Description Returns rows oldest first. Safety messages older than the stale window are omitted.
// @Tags Messages
// @Produce json
// @Param room_id path string true "Room ID"
// @Param tutor_id query string false "Tutor ID"
// @Param instance_id query string false "Conversation instance ID"
// @Param author_id query string false "Author to view (room owner only)"
// @Param limit query int false "Maximum rows"
// @Success 200 {object} dto.TranscriptResponse
// @Router /v1/rooms/{room_id}/messages [get]
func (h *TranscriptHandler) List(c *gin.Context) {
	principal, ok := auth.PrincipalFrom(c)
	if !ok {
		platformerrors.WriteUnauthorized(c, "authentication required")
		return
	}

	limit := defaultTranscriptLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			platformerrors.WriteValidationError(c, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxTranscriptLimit)
	}

	ctx := c.Request.Context()
	roomID := c.Param("room_id")
	instance, err := h.access.resolve(ctx, principal, accessQuery{
		RoomID:     roomID,
		TutorID:    c.Query("tutor_id"),
		InstanceID: c.Query("instance_id"),
		AuthorID:   c.Query("author_id"),
	})
	if err != nil {
		platformerrors.WriteError(c, err, h.log)
		return
	}

	rows, err := h.messages.ListRecent(ctx, message.ListFilter{
		RoomID:     roomID,
		InstanceID: instance.ID,
		Limit:      limit,
	})
	if err != nil {
		platformerrors.WriteError(c, err, h.log)
		return
	}

	c.JSON(http.StatusOK, dto.TranscriptResponse{
		InstanceID: instance.ID,
		Data:       dto.ToWireList(reconcile.Load(rows, h.now(), h.opts)),
	})
}
