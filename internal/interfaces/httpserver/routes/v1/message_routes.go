package v1

import (
	"github.com/gin-gonic/gin"

	"jan-server/services/tutor-api/internal/interfaces/httpserver/handlers"
)

func registerMessageRoutes(router gin.IRoutes, send *handlers.MessageHandler, transcript *handlers.TranscriptHandler) {
	router.POST("/rooms/:room_id/messages", send.Send)
	router.GET("/rooms/:room_id/messages", transcript.List)
}
