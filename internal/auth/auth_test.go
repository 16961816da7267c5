package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casa-bonita/backend/internal/model"
)

var testIdentity = model.Identity{ID: "user-1", DisplayName: "Ada", IsAdmin: true}

func TestTokenManagerIssueVerify(t *testing.T) {
	m := NewTokenManager("secret")

	token, err := m.Issue(testIdentity, time.Hour)
	require.NoError(t, err)

	id, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID)
	assert.Equal(t, "Ada", id.DisplayName)
	assert.True(t, id.IsAdmin)
	assert.Equal(t, model.IdentitySourceJWT, id.Source)
}

func TestTokenManagerRejects(t *testing.T) {
	m := NewTokenManager("secret")
	token, err := m.Issue(testIdentity, time.Hour)
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewTokenManager("other").Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewTokenManager("secret")
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := later.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no secret", func(t *testing.T) {
		empty := NewTokenManager("")
		_, err := empty.Issue(testIdentity, time.Hour)
		assert.ErrorIs(t, err, ErrSecretNotConfigured)
		_, err = empty.Verify(token)
		assert.ErrorIs(t, err, ErrSecretNotConfigured)
	})
}

func TestAuthenticateRequest(t *testing.T) {
	m := NewTokenManager("secret")
	token, err := m.Issue(testIdentity, time.Hour)
	require.NoError(t, err)

	withCookie := func(value string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ha/ws", nil)
		if value != "" {
			r.AddCookie(&http.Cookie{Name: CookieName, Value: value})
		}
		return r
	}

	_, err = m.Authenticate(withCookie(""))
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))

	_, err = m.Authenticate(withCookie("bogus"))
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))

	_, err = NewTokenManager("").Authenticate(withCookie(token))
	assert.ErrorIs(t, err, ErrSecretNotConfigured)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))

	id, err := m.Authenticate(withCookie(token))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID)
}

func newIdentifyRouter(m *Middleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.Identify())
	r.GET("/me", RequireAuth(), func(c *gin.Context) {
		id, _ := FromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": id.ID, "source": id.Source, "ingress": IngressPath(c)})
	})
	r.GET("/admin", RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestIdentifyIngressHeaders(t *testing.T) {
	tokens := NewTokenManager("secret")

	ingressRequest := func(path, ip string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.Header.Set("X-Hass-User-Id", "hass-user")
		r.Header.Set("X-Hass-Is-Admin", "false")
		r.Header.Set("X-Ingress-Path", "/api/hassio_ingress/abc")
		if ip != "" {
			r.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		}
		return r
	}

	t.Run("production trusts supervisor address", func(t *testing.T) {
		r := newIdentifyRouter(NewMiddleware(tokens, true, zerolog.Nop()))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, ingressRequest("/me", "172.30.32.2"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"hass-user"`)
		assert.Contains(t, rec.Body.String(), `"ingress"`)
		assert.Contains(t, rec.Body.String(), "/api/hassio_ingress/abc")
	})

	t.Run("production rejects other addresses", func(t *testing.T) {
		r := newIdentifyRouter(NewMiddleware(tokens, true, zerolog.Nop()))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, ingressRequest("/me", "192.168.1.20"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("development trusts headers", func(t *testing.T) {
		r := newIdentifyRouter(NewMiddleware(tokens, false, zerolog.Nop()))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, ingressRequest("/me", ""))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("non-admin is forbidden from admin routes", func(t *testing.T) {
		r := newIdentifyRouter(NewMiddleware(tokens, false, zerolog.Nop()))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, ingressRequest("/admin", ""))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestIdentifyCookie(t *testing.T) {
	tokens := NewTokenManager("secret")
	r := newIdentifyRouter(NewMiddleware(tokens, true, zerolog.Nop()))

	token, err := tokens.Issue(testIdentity, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "expired-or-forged"})
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), CookieName+"=;")
}
