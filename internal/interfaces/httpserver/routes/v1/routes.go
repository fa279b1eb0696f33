package v1

import (
	"github.com/gin-gonic/gin"

	"jan-server/services/tutor-api/internal/interfaces/httpserver/handlers"
)

// Routes encapsulates versioned route registration.
type Routes struct {
	handlers *handlers.Provider
}

// NewRoutes builds the v1 route registrar.
func NewRoutes(handlerProvider *handlers.Provider) *Routes {
	return &Routes{
		handlers: handlerProvider,
	}
}

// Register attaches all v1 routes under /v1 prefix.
func (r *Routes) Register(engine *gin.Engine) {
	group := engine.Group("/v1")
	registerMessageRoutes(group, r.handlers.Message, r.handlers.Transcript)

	// The feed is optional when realtime is served elsewhere.
	if r.handlers.Feed != nil {
		registerFeedRoutes(group, r.handlers.Feed)
	}
	if r.handlers.Session != nil {
		registerSessionRoutes(group, r.handlers.Session)
	}
}
