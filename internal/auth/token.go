// Package auth verifies dashboard sessions: signed session cookies and
// identities forwarded by the supervisor ingress proxy.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/casa-bonita/backend/internal/model"
)

// CookieName is the cookie carrying the session token.
const CookieName = "casa_auth"

const (
	// SessionTTL is the lifetime of a token issued from an ingress identity.
	SessionTTL = 24 * time.Hour
	// DevSessionTTL is the lifetime of a dev-login token.
	DevSessionTTL = 7 * 24 * time.Hour
)

var (
	// ErrMissingToken is returned when the request carries no session cookie.
	ErrMissingToken = errors.New("session token missing")

	// ErrInvalidToken is returned when the token fails verification.
	ErrInvalidToken = errors.New("session token invalid")

	// ErrSecretNotConfigured is returned when no signing secret is set.
	ErrSecretNotConfigured = errors.New("jwt secret not configured")
)

// Claims is the payload of a session token. The subject is the user ID.
type Claims struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 session tokens.
type TokenManager struct {
	secret []byte
	now    func() time.Time
}

// NewTokenManager creates a TokenManager. An empty secret is allowed; every
// operation then fails with ErrSecretNotConfigured.
func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Configured reports whether a signing secret is set.
func (m *TokenManager) Configured() bool {
	return len(m.secret) > 0
}

// Issue signs a token for the identity, valid for ttl.
func (m *TokenManager) Issue(id model.Identity, ttl time.Duration) (string, error) {
	if !m.Configured() {
		return "", ErrSecretNotConfigured
	}

	now := m.now()
	claims := Claims{
		Name:    id.DisplayName,
		IsAdmin: id.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and expiry and returns its identity.
func (m *TokenManager) Verify(token string) (*model.Identity, error) {
	if !m.Configured() {
		return nil, ErrSecretNotConfigured
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &model.Identity{
		ID:          claims.Subject,
		DisplayName: claims.Name,
		IsAdmin:     claims.IsAdmin,
		Source:      model.IdentitySourceJWT,
	}, nil
}

// Authenticate verifies the session cookie of r. A missing cookie is reported
// before a missing secret so anonymous callers always see 401.
func (m *TokenManager) Authenticate(r *http.Request) (*model.Identity, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrMissingToken
	}
	if !m.Configured() {
		return nil, ErrSecretNotConfigured
	}
	return m.Verify(cookie.Value)
}

// StatusCode maps an authentication error to the HTTP status returned to the caller.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSecretNotConfigured):
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}
