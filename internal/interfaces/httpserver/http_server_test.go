package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/reconcile"
	"jan-server/services/tutor-api/internal/infrastructure/auth"
	"jan-server/services/tutor-api/internal/interfaces/httpserver/handlers"
)

func newTestServer(t *testing.T, checks []ReadinessCheck) *HttpServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{ServiceName: "tutor-api", Environment: "test"}
	validator, err := auth.NewValidator(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	provider := handlers.NewProvider(
		handlers.NewMessageHandler(nil, zerolog.Nop()),
		handlers.NewTranscriptHandler(nil, nil, nil, reconcile.DefaultOptions(), zerolog.Nop()),
		nil,
		nil,
	)
	return New(cfg, zerolog.Nop(), provider, validator, checks)
}

func TestHttpServer_PublicRoutes(t *testing.T) {
	srv := newTestServer(t, []ReadinessCheck{
		{Name: "postgres", Check: func(ctx context.Context) error { return nil }},
	})

	for _, path := range []string{"/", "/healthz", "/readyz", "/health/auth", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
		})
	}
}

func TestHttpServer_ReadinessFailure(t *testing.T) {
	srv := newTestServer(t, []ReadinessCheck{
		{Name: "postgres", Check: func(ctx context.Context) error { return nil }},
		{Name: "redis", Check: func(ctx context.Context) error { return errors.New("dial tcp: connection refused") }},
	})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis"`)
	assert.NotContains(t, w.Body.String(), `"postgres"`)
}

func TestHttpServer_ProtectedRoutesRequirePrincipal(t *testing.T) {
	srv := newTestServer(t, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/rooms/room_1/messages?tutor_id=t", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
