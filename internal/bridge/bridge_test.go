package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casa-bonita/backend/internal/auth"
	"github.com/casa-bonita/backend/internal/db"
	"github.com/casa-bonita/backend/internal/hub"
	"github.com/casa-bonita/backend/internal/model"
	"github.com/casa-bonita/backend/internal/repository"
)

const (
	hubToken  = "hub-token"
	jwtSecret = "bridge-test-secret"
)

// upstream is a fake hub; script runs once per socket.
type upstream struct {
	url   string
	conns atomic.Int32
}

func newUpstream(t *testing.T, script func(conn *websocket.Conn)) *upstream {
	t.Helper()
	u := &upstream{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		u.conns.Add(1)
		script(conn)
	}))
	t.Cleanup(srv.Close)
	u.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return u
}

// hubHandshake plays the hub side of the auth exchange.
func hubHandshake(conn *websocket.Conn, accept bool) bool {
	if err := conn.WriteJSON(map[string]any{"type": "auth_required", "ha_version": "2024.6.0"}); err != nil {
		return false
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		return false
	}
	if !accept || msg["type"] != "auth" || msg["access_token"] != hubToken {
		conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		return false
	}
	return conn.WriteJSON(map[string]any{"type": "auth_ok", "ha_version": "2024.6.0"}) == nil
}

// drain reads until the socket fails and reports that it did.
func drain(conn *websocket.Conn, closed chan<- struct{}) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			close(closed)
			return
		}
	}
}

type countingDialer struct {
	calls atomic.Int32
	err   error
}

func (d *countingDialer) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, nil, d.err
	}
	return websocket.DefaultDialer.DialContext(ctx, urlStr, h)
}

var _ hub.Dialer = (*countingDialer)(nil)

func newBridgeServer(t *testing.T, tokens *auth.TokenManager, hubURL string, opts ...Option) (*Bridge, string) {
	t.Helper()
	b := NewBridge(Config{HubURL: hubURL, HubToken: hubToken, DialTimeout: 2 * time.Second}, tokens, opts...)
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.Close(ctx)
		srv.Close()
	})
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sessionCookie(t *testing.T, tokens *auth.TokenManager) string {
	t.Helper()
	token, err := tokens.Issue(model.Identity{ID: "user-1", DisplayName: "Ana"}, time.Hour)
	require.NoError(t, err)
	return token
}

func dialBrowser(url, cookie string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if cookie != "" {
		header.Set("Cookie", auth.CookieName+"="+cookie)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func requireClose(t *testing.T, conn *websocket.Conn, code int) *websocket.CloseError {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected close %d, got frame %s", code, data)
	}
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	assert.Equal(t, code, ce.Code)
	return ce
}

func TestUpgradeRejected(t *testing.T) {
	valid := auth.NewTokenManager(jwtSecret)
	other := auth.NewTokenManager("some-other-secret")

	tests := []struct {
		name   string
		tokens *auth.TokenManager
		cookie string
		status int
	}{
		{"missing cookie", valid, "", http.StatusUnauthorized},
		{"garbage cookie", valid, "not-a-jwt", http.StatusUnauthorized},
		{"wrong signature", valid, sessionCookie(t, other), http.StatusUnauthorized},
		{"missing secret", auth.NewTokenManager(""), "anything", http.StatusInternalServerError},
		{"missing secret and cookie", auth.NewTokenManager(""), "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &countingDialer{}
			_, url := newBridgeServer(t, tt.tokens, "ws://127.0.0.1:1", WithDialer(dialer))

			conn, resp, err := dialBrowser(url, tt.cookie)
			if conn != nil {
				conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Zero(t, dialer.calls.Load())
		})
	}
}

func TestRelayAfterHandshake(t *testing.T) {
	received := make(chan string, 1)
	up := newUpstream(t, func(conn *websocket.Conn) {
		if !hubHandshake(conn, true) {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,  "type":"pong"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"id":7,"type":"event","event":{}}]`))
		conn.ReadMessage()
	})

	tokens := auth.NewTokenManager(jwtSecret)
	_, url := newBridgeServer(t, tokens, up.url)

	browser, _, err := dialBrowser(url, sessionCookie(t, tokens))
	require.NoError(t, err)
	defer browser.Close()

	assert.JSONEq(t, `{"type":"auth_ok","ha_version":"2024.6.0"}`, readText(t, browser))

	require.NoError(t, browser.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"type":"ping"}`)))
	select {
	case got := <-received:
		assert.Equal(t, `{"id":1,"type":"ping"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not relayed upstream")
	}

	assert.Equal(t, `{"id":1,  "type":"pong"}`, readText(t, browser))
	assert.Equal(t, `[{"id":7,"type":"event","event":{}}]`, readText(t, browser))
}

func TestPreAuthFramesAreNotRelayed(t *testing.T) {
	release := make(chan struct{})
	received := make(chan string, 4)
	up := newUpstream(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{"type": "auth_required"})
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		// Not a handshake frame; never reaches the browser.
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"type":"event","event":{"event_type":"early"}}`))
		<-release
		conn.WriteJSON(map[string]any{"type": "auth_ok", "ha_version": "2024.6.0"})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	})

	tokens := auth.NewTokenManager(jwtSecret)
	_, url := newBridgeServer(t, tokens, up.url)

	browser, _, err := dialBrowser(url, sessionCookie(t, tokens))
	require.NoError(t, err)
	defer browser.Close()

	require.NoError(t, browser.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"type":"get_states"}`)))
	assert.JSONEq(t, `{"type":"error","message":"HA not connected"}`, readText(t, browser))

	close(release)
	assert.JSONEq(t, `{"type":"auth_ok","ha_version":"2024.6.0"}`, readText(t, browser))

	require.NoError(t, browser.WriteMessage(websocket.TextMessage, []byte(`{"id":2,"type":"get_config"}`)))
	select {
	case got := <-received:
		assert.Equal(t, `{"id":2,"type":"get_config"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not relayed upstream")
	}
	assert.Empty(t, received)
}

func TestHubAuthInvalidClosesWithPolicyViolation(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn) {
		hubHandshake(conn, false)
		conn.ReadMessage()
	})

	tokens := auth.NewTokenManager(jwtSecret)
	_, url := newBridgeServer(t, tokens, up.url)

	browser, _, err := dialBrowser(url, sessionCookie(t, tokens))
	require.NoError(t, err)
	defer browser.Close()

	assert.JSONEq(t, `{"type":"auth_invalid","message":"Invalid access token"}`, readText(t, browser))
	ce := requireClose(t, browser, CloseHubAuthFailed)
	assert.Equal(t, "HA authentication failed", ce.Text)
}

func TestUpstreamDropClosesWithUpstreamError(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn) {
		if !hubHandshake(conn, true) {
			return
		}
		conn.ReadMessage()
		// Returning drops the TCP connection without a close frame.
	})

	tokens := auth.NewTokenManager(jwtSecret)
	_, url := newBridgeServer(t, tokens, up.url)

	browser, _, err := dialBrowser(url, sessionCookie(t, tokens))
	require.NoError(t, err)
	defer browser.Close()

	readText(t, browser)
	require.NoError(t, browser.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"type":"ping"}`)))
	ce := requireClose(t, browser, CloseUpstreamError)
	assert.Equal(t, "Upstream error", ce.Text)
}

func TestOrderlyHubClosePropagates(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn) {
		if !hubHandshake(conn, true) {
			return
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting"))
		conn.ReadMessage()
	})

	tokens := auth.NewTokenManager(jwtSecret)
	_, url := newBridgeServer(t, tokens, up.url)

	browser, _, err := dialBrowser(url, sessionCookie(t, tokens))
	require.NoError(t, err)
	defer browser.Close()

	readText(t, browser)
	ce := requireClose(t, browser, websocket.CloseGoingAway)
	assert.Equal(t, "restarting", ce.Text)
}

func TestUpstreamUnreachable(t *testing.T) {
	dialer := &countingDialer{err: errors.New("connection refused")}
	tokens := auth.NewTokenManager(jwtSecret)
	_, url := newBridgeServer(t, tokens, "ws://hub.invalid/api/websocket", WithDialer(dialer))

	browser, _, err := dialBrowser(url, sessionCookie(t, tokens))
	require.NoError(t, err)
	defer browser.Close()

	assert.JSONEq(t, `{"type":"error","message":"HA unreachable"}`, readText(t, browser))
	requireClose(t, browser, CloseUpstreamError)
	assert.EqualValues(t, 1, dialer.calls.Load())
}

func TestBrowserCloseTearsDownUpstream(t *testing.T) {
	upstreamClosed := make(chan struct{})
	up := newUpstream(t, func(conn *websocket.Conn) {
		if !hubHandshake(conn, true) {
			return
		}
		drain(conn, upstreamClosed)
	})

	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	repo := repository.NewBridgeSessionRepository(database)

	tokens := auth.NewTokenManager(jwtSecret)
	b, url := newBridgeServer(t, tokens, up.url, WithRecorder(repo))

	browser, _, err := dialBrowser(url, sessionCookie(t, tokens))
	require.NoError(t, err)
	readText(t, browser)
	require.NoError(t, browser.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"type":"ping"}`)))
	assert.Equal(t, 1, b.ActiveSessions())

	browser.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	browser.Close()

	select {
	case <-upstreamClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream socket was not closed")
	}

	require.Eventually(t, func() bool { return b.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)

	sessions, err := repo.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, "user-1", s.UserID)
	assert.Equal(t, model.BridgeSessionStatusClosed, s.Status)
	assert.True(t, s.Authenticated)
	assert.EqualValues(t, 1, s.FramesUp)
	require.NotNil(t, s.CloseCode)
	assert.Equal(t, websocket.CloseNormalClosure, *s.CloseCode)
}

func TestCloseShutsDownSessions(t *testing.T) {
	up := newUpstream(t, func(conn *websocket.Conn) {
		if !hubHandshake(conn, true) {
			return
		}
		drain(conn, make(chan struct{}))
	})

	tokens := auth.NewTokenManager(jwtSecret)
	b, url := newBridgeServer(t, tokens, up.url)

	browser, _, err := dialBrowser(url, sessionCookie(t, tokens))
	require.NoError(t, err)
	defer browser.Close()
	readText(t, browser)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	requireClose(t, browser, websocket.CloseGoingAway)
	assert.Zero(t, b.ActiveSessions())

	// Upgrades after Close are refused with 1001.
	late, _, err := dialBrowser(url, sessionCookie(t, tokens))
	require.NoError(t, err)
	defer late.Close()
	requireClose(t, late, websocket.CloseGoingAway)
}
