package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/domain/orchestrator"
	"jan-server/services/tutor-api/internal/domain/streaming"
	"jan-server/services/tutor-api/internal/infrastructure/auth"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/dto"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

// MessageService runs one submitted turn.
type MessageService interface {
	Handle(ctx context.Context, req orchestrator.Request, sink streaming.Sink) (orchestrator.Result, error)
}

// MessageHandler exposes the turn submission endpoint.
type MessageHandler struct {
	service MessageService
	log     zerolog.Logger
}

// NewMessageHandler constructs the handler.
func NewMessageHandler(service MessageService, log zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		service: service,
		log:     log.With().Str("handler", "message").Logger(),
	}
}

// Send handles POST /v1/rooms/:room_id/messages
// @Summary Submit a student turn
// @Description Runs the safety gates and either streams the tutor reply as SSE or answers with the gate outcome.
// @Tags Messages
// @Accept json
// @Produce json,text/event-stream
// @Param room_id path string true "Room ID"
// @Param request body dto.SendMessageRequest true "Turn"
// @Success 200 {object} dto.SafetyInterventionResponse
// @Success 202 {object} dto.AssessmentPendingResponse
// @Failure 400 {object} dto.BlockedResponse
// @Router /v1/rooms/{room_id}/messages [post]
func (h *MessageHandler) Send(c *gin.Context) {
	principal, ok := auth.PrincipalFrom(c)
	if !ok {
		platformerrors.WriteUnauthorized(c, "authentication required")
		return
	}

	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		platformerrors.WriteValidationError(c, err.Error())
		return
	}

	sink := newSSESink(c, h.log)
	result, err := h.service.Handle(c.Request.Context(), orchestrator.Request{
		AuthorID:    principal.UserID,
		AuthorRole:  principal.Role,
		RoomID:      c.Param("room_id"),
		TutorID:     req.TutorID,
		Content:     req.Content,
		InstanceID:  req.InstanceID,
		MessageID:   req.MessageID,
		Model:       req.Model,
		CountryCode: strings.ToUpper(req.CountryCode),
	}, sink)
	if err != nil {
		if sink.Opened() {
			_ = sink.send(eventError, dto.StreamError{Message: "Something went wrong. Please try again."})
			h.log.Error().Err(err).Msg("turn failed after stream opened")
			return
		}
		platformerrors.WriteError(c, err, h.log)
		return
	}

	switch r := result.(type) {
	case orchestrator.Blocked:
		c.JSON(http.StatusBadRequest, dto.BlockedResponse{
			Error:   "content_blocked",
			Message: r.Message,
			Reason:  r.Reason,
			Stage:   r.Stage,
			Notice:  message.ToWire(r.Notice),
		})
	case orchestrator.SafetyIntervention:
		c.JSON(http.StatusOK, dto.SafetyInterventionResponse{
			Type:        "safety_intervention_triggered",
			ConcernType: r.ConcernType,
			UserMessage: message.ToWire(r.UserMessage),
			Response:    message.ToWire(r.Response),
			Helpline:    dto.Helpline{Name: r.Helpline.Name, Contact: r.Helpline.Contact},
		})
	case orchestrator.AssessmentPending:
		c.JSON(http.StatusAccepted, dto.AssessmentPendingResponse{
			Type:         "assessment_pending",
			UserMessage:  message.ToWire(r.UserMessage),
			InstanceID:   r.InstanceID,
			MessageCount: r.MessageCount,
		})
	case orchestrator.Streamed:
		h.finishStream(c, sink, r)
	default:
		platformerrors.WriteInternalError(c, "unexpected turn result")
	}
}

func (h *MessageHandler) finishStream(c *gin.Context, sink *sseSink, r orchestrator.Streamed) {
	done := dto.StreamDone{UserMessage: message.ToWire(r.UserMessage)}
	if r.Stream != nil {
		done.Status = string(r.Stream.Status)
		done.Message = message.ToWire(r.Stream.Message)
	}

	if !sink.Opened() {
		// Nothing reached the client; answer with the final state as JSON.
		status := http.StatusOK
		if r.Stream == nil || r.Stream.Status == streaming.StatusFailed {
			status = http.StatusBadGateway
		}
		c.JSON(status, done)
		return
	}
	if err := sink.send(eventDone, done); err != nil {
		h.log.Debug().Err(err).Msg("client left before stream end")
	}
}
