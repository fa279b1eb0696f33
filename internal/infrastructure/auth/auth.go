package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/message"
)

const (
	principalKey = "principal"

	// Development headers honoured only when auth is disabled.
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID   string
	Role     message.AuthorRole
	Username string
	Roles    []string
}

// Validator validates JWTs using JWKS.
type Validator struct {
	cfg     *config.Config
	log     zerolog.Logger
	jwks    *keyfunc.JWKS
	keyfunc jwt.Keyfunc
}

// NewValidator initializes JWKS fetching when auth is enabled.
func NewValidator(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Validator, error) {
	log = log.With().Str("component", "auth").Logger()
	if !cfg.AuthEnabled {
		return &Validator{cfg: cfg, log: log}, nil
	}

	refresh := cfg.RefreshJWKSInterval
	if refresh <= 0 {
		refresh = time.Hour
	}
	options := keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   refresh,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Error().Err(err).Msg("jwks refresh error")
		},
	}

	jwks, err := keyfunc.Get(cfg.AuthJWKSURL, options)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	return &Validator{
		cfg:     cfg,
		log:     log,
		jwks:    jwks,
		keyfunc: jwks.Keyfunc,
	}, nil
}

// Middleware enforces JWT auth when enabled and stores the Principal on the context.
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := v.authenticate(c.Request)
		if err != nil {
			v.log.Debug().Err(err).Str("path", c.FullPath()).Msg("request rejected")
			abortUnauthorized(c, err.Error())
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// Ready indicates if the validator is prepared.
func (v *Validator) Ready() bool {
	if v == nil || !v.cfg.AuthEnabled {
		return true
	}
	return v.keyfunc != nil
}

// Enabled reports whether tokens are verified.
func (v *Validator) Enabled() bool {
	return v != nil && v.cfg.AuthEnabled
}

// PrincipalFrom returns the caller stored by Middleware.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	value, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	principal, ok := value.(*Principal)
	return principal, ok && principal != nil
}

func (v *Validator) authenticate(r *http.Request) (*Principal, error) {
	if !v.Enabled() {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			return nil, errors.New("missing user id")
		}
		return &Principal{UserID: userID, Role: parseRole(r.Header.Get(HeaderUserRole))}, nil
	}

	tokenString := bearerToken(r.Header.Get("Authorization"))
	if tokenString == "" && isWebsocketUpgrade(r) {
		// Browsers cannot set headers on websocket handshakes.
		tokenString = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if tokenString == "" {
		return nil, errors.New("missing bearer token")
	}
	return v.validate(tokenString)
}

func (v *Validator) validate(tokenString string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(v.cfg.AuthIssuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(v.cfg.AuthAudience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	token, err := jwt.Parse(tokenString, v.keyfunc, opts...)
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	subject, _ := claims.GetSubject()
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("token has no subject")
	}
	username, _ := claims["preferred_username"].(string)
	roles := realmRoles(claims)

	role := message.AuthorRoleStudent
	for _, r := range roles {
		if parseRole(r) == message.AuthorRoleTeacher {
			role = message.AuthorRoleTeacher
			break
		}
	}

	return &Principal{
		UserID:   subject,
		Role:     role,
		Username: username,
		Roles:    roles,
	}, nil
}

func realmRoles(claims jwt.MapClaims) []string {
	access, ok := claims["realm_access"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := access["roles"].([]any)
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, entry := range raw {
		if s, ok := entry.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

func parseRole(raw string) message.AuthorRole {
	if strings.EqualFold(strings.TrimSpace(raw), string(message.AuthorRoleTeacher)) {
		return message.AuthorRoleTeacher
	}
	return message.AuthorRoleStudent
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": message,
	})
}
