package v1

import (
	"github.com/gin-gonic/gin"

	"jan-server/services/tutor-api/internal/interfaces/httpserver/handlers"
)

func registerFeedRoutes(router gin.IRoutes, handler *handlers.FeedHandler) {
	router.GET("/rooms/:room_id/feed", handler.Subscribe)
}

func registerSessionRoutes(router gin.IRoutes, handler *handlers.SessionHandler) {
	router.POST("/sessions/snapshot", handler.Snapshot)
}
