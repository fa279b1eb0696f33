package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/reconcile"
	"jan-server/services/tutor-api/internal/infrastructure/auth"
	"jan-server/services/tutor-api/internal/infrastructure/memory"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/dto"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

// SessionHandler forwards idle session snapshots to the memory service.
type SessionHandler struct {
	snapshotter reconcile.Snapshotter
	log         zerolog.Logger
}

// NewSessionHandler constructs the handler.
func NewSessionHandler(snapshotter reconcile.Snapshotter, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		snapshotter: snapshotter,
		log:         log.With().Str("handler", "session").Logger(),
	}
}

// Snapshot handles POST /v1/sessions/snapshot
// @Summary Record a session snapshot
// @Tags Sessions
// @Accept json
// @Produce json
// @Param request body dto.SnapshotRequest true "Snapshot"
// @Success 202 {object} map[string]string
// @Router /v1/sessions/snapshot [post]
func (h *SessionHandler) Snapshot(c *gin.Context) {
	principal, ok := auth.PrincipalFrom(c)
	if !ok {
		platformerrors.WriteUnauthorized(c, "authentication required")
		return
	}

	var req dto.SnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		platformerrors.WriteValidationError(c, err.Error())
		return
	}

	rows := make([]*message.Message, 0, len(req.Messages))
	for i := range req.Messages {
		row := message.FromWire(&req.Messages[i])
		// Only the caller's turns and the tutor's replies belong in their memory.
		if row.Role == message.RoleUser && row.AuthorID != principal.UserID {
			continue
		}
		rows = append(rows, row)
	}

	endedAt := req.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}

	err := h.snapshotter.Snapshot(c.Request.Context(), reconcile.Snapshot{
		AuthorID:   principal.UserID,
		TutorID:    req.TutorID,
		RoomID:     req.RoomID,
		InstanceID: req.InstanceID,
		Messages:   rows,
		StartedAt:  req.StartedAt,
		EndedAt:    endedAt,
	})
	if err != nil {
		if errors.Is(err, memory.ErrDisabled) {
			c.JSON(http.StatusAccepted, gin.H{"status": "skipped"})
			return
		}
		h.log.Warn().Err(err).Str("tutor_id", req.TutorID).Msg("session snapshot failed")
		platformerrors.WriteHTTPError(c, platformerrors.NewError(c.Request.Context(), platformerrors.LayerHandler,
			platformerrors.ErrorTypeExternal, "memory service unavailable", err, ""), h.log)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
