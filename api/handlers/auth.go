package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/casa-bonita/backend/internal/auth"
	"github.com/casa-bonita/backend/internal/model"
)

const (
	devUserID   = "dev-admin"
	devUserName = "Dev Admin"
)

// AuthHandler issues and reports dashboard sessions.
type AuthHandler struct {
	tokens     *auth.TokenManager
	production bool
	log        zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(tokens *auth.TokenManager, production bool, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		tokens:     tokens,
		production: production,
		log:        log.With().Str("component", "auth").Logger(),
	}
}

// SessionInfo is the body returned by the session endpoints.
type SessionInfo struct {
	User        *model.Identity `json:"user"`
	IngressPath string          `json:"ingressPath,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// GetSession handles GET /api/auth/session - returns the caller identity.
func (h *AuthHandler) GetSession(c *gin.Context) {
	id, ok := auth.FromContext(c)
	if !ok {
		sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}
	c.JSON(http.StatusOK, SessionInfo{User: id, IngressPath: auth.IngressPath(c)})
}

// CreateSession handles POST /api/auth/session - exchanges an ingress
// identity for a session cookie.
func (h *AuthHandler) CreateSession(c *gin.Context) {
	id, ok := auth.FromContext(c)
	if !ok || id.Source != model.IdentitySourceIngress {
		sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required via Home Assistant ingress")
		return
	}

	if !h.issue(c, *id, auth.SessionTTL, h.production) {
		return
	}
	h.log.Info().Str("user_id", id.ID).Msg("issued session from ingress identity")
	c.JSON(http.StatusOK, SessionInfo{User: id})
}

// DevLogin handles POST /api/auth/dev-login - issues an admin session outside
// production.
func (h *AuthHandler) DevLogin(c *gin.Context) {
	if h.production {
		sendError(c, http.StatusNotFound, "NOT_FOUND", "Not found")
		return
	}

	id := model.Identity{
		ID:          devUserID,
		DisplayName: devUserName,
		IsAdmin:     true,
		Source:      model.IdentitySourceJWT,
	}
	if !h.issue(c, id, auth.DevSessionTTL, false) {
		return
	}
	h.log.Warn().Msg("issued dev admin session")
	c.JSON(http.StatusOK, SessionInfo{User: &id, Message: "Dev login successful"})
}

func (h *AuthHandler) issue(c *gin.Context, id model.Identity, ttl time.Duration, secure bool) bool {
	token, err := h.tokens.Issue(id, ttl)
	if err != nil {
		if errors.Is(err, auth.ErrSecretNotConfigured) {
			sendError(c, http.StatusInternalServerError, "CONFIG_ERROR", "JWT secret not configured")
			return false
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to issue session: "+err.Error())
		return false
	}
	auth.SetSessionCookie(c, token, int(ttl.Seconds()), secure)
	return true
}

// RegisterRoutes registers the auth routes on a Gin router group.
func (h *AuthHandler) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group("/auth")
	{
		group.GET("/session", h.GetSession)
		group.POST("/session", h.CreateSession)
		group.POST("/dev-login", h.DevLogin)
	}
}
