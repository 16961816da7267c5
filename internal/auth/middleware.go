package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/casa-bonita/backend/internal/model"
)

// Addresses of the supervisor ingress proxy.
var supervisorIPs = map[string]bool{
	"172.30.32.2": true,
	"172.30.33.1": true,
}

const (
	identityKey    = "identity"
	ingressPathKey = "ingressPath"
)

// Middleware attaches the caller identity to the gin context.
type Middleware struct {
	tokens     *TokenManager
	production bool
	log        zerolog.Logger
}

// NewMiddleware creates an identity middleware.
func NewMiddleware(tokens *TokenManager, production bool, log zerolog.Logger) *Middleware {
	return &Middleware{
		tokens:     tokens,
		production: production,
		log:        log.With().Str("component", "auth").Logger(),
	}
}

// Identify resolves the caller identity. Ingress headers are trusted when the
// request comes from the supervisor (or always outside production); otherwise
// the session cookie is verified. Unauthenticated requests continue with no
// identity set.
func (m *Middleware) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := m.ingressIdentity(c.Request); id != nil {
			c.Set(identityKey, id)
			if path := c.GetHeader("X-Ingress-Path"); path != "" {
				c.Set(ingressPathKey, path)
			}
			c.Next()
			return
		}

		cookie, err := c.Cookie(CookieName)
		if err == nil && cookie != "" && m.tokens.Configured() {
			id, err := m.tokens.Verify(cookie)
			if err == nil {
				c.Set(identityKey, id)
				c.Next()
				return
			}
			m.log.Debug().Err(err).Msg("clearing invalid session cookie")
			ClearSessionCookie(c)
		}

		c.Next()
	}
}

func (m *Middleware) ingressIdentity(r *http.Request) *model.Identity {
	userID := r.Header.Get("X-Hass-User-Id")
	if userID == "" {
		return nil
	}
	if m.production && !supervisorIPs[clientIP(r)] {
		return nil
	}

	name := r.Header.Get("X-Hass-User-Name")
	if name == "" {
		name = "Unknown User"
	}
	return &model.Identity{
		ID:          userID,
		DisplayName: name,
		IsAdmin:     r.Header.Get("X-Hass-Is-Admin") == "true",
		Source:      model.IdentitySourceIngress,
	}
}

// clientIP returns the first X-Forwarded-For hop, else X-Real-Ip.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.Header.Get("X-Real-Ip")
}

// FromContext returns the identity set by Identify.
func FromContext(c *gin.Context) (*model.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*model.Identity)
	return id, ok
}

// IngressPath returns the ingress base path, if the request came through ingress.
func IngressPath(c *gin.Context) string {
	return c.GetString(ingressPathKey)
}

// RequireAuth aborts with 401 when no identity is present.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := FromContext(c); !ok {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}
		c.Next()
	}
}

// RequireAdmin aborts with 401 without an identity and 403 for non-admins.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := FromContext(c)
		if !ok {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}
		if !id.IsAdmin {
			abortWithError(c, http.StatusForbidden, "FORBIDDEN", "Admin privileges required")
			return
		}
		c.Next()
	}
}

// SetSessionCookie stores token in the session cookie.
func SetSessionCookie(c *gin.Context, token string, maxAge int, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, token, maxAge, "/", "", secure, true)
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, "", -1, "/", "", false, true)
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
