package handlers_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/infrastructure/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newRouter returns an engine authenticating callers from the development headers.
func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	validator, err := auth.NewValidator(context.Background(), &config.Config{AuthEnabled: false}, zerolog.Nop())
	require.NoError(t, err)

	router := gin.New()
	router.Use(validator.Middleware())
	return router
}

func doRequest(router http.Handler, method, path, userID, role, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(auth.HeaderUserID, userID)
	}
	if role != "" {
		req.Header.Set(auth.HeaderUserRole, role)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
