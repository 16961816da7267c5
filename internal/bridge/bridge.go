// Package bridge relays browser WebSocket sessions to the hub.
//
// Every downstream connection gets its own upstream hub socket. The bridge
// answers the hub auth handshake with the server-side token, tells the browser
// when the tunnel is ready, and from then on copies frames in both directions
// without parsing them.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/casa-bonita/backend/internal/auth"
	"github.com/casa-bonita/backend/internal/hub"
	"github.com/casa-bonita/backend/internal/model"
)

const defaultDialTimeout = 10 * time.Second

// Config configures a Bridge.
type Config struct {
	// HubURL is the upstream hub WebSocket endpoint.
	HubURL string
	// HubToken answers the upstream auth handshake.
	HubToken string
	// DialTimeout bounds opening the upstream socket.
	DialTimeout time.Duration
	// CheckOrigin validates the Origin header of upgrade requests. Nil allows
	// same-origin requests only.
	CheckOrigin func(r *http.Request) bool
}

// Authenticator verifies the session credential of an upgrade request.
// *auth.TokenManager satisfies it.
type Authenticator interface {
	Authenticate(r *http.Request) (*model.Identity, error)
}

// SessionRecorder stores the audit trail of bridge sessions.
// *repository.BridgeSessionRepository satisfies it.
type SessionRecorder interface {
	Open(ctx context.Context, session *model.BridgeSession) error
	Close(ctx context.Context, id string, final model.BridgeSessionClose) error
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDialer sets the dialer used for upstream sockets.
func WithDialer(d hub.Dialer) Option {
	return func(b *Bridge) { b.dialer = d }
}

// WithRecorder enables the session audit trail.
func WithRecorder(r SessionRecorder) Option {
	return func(b *Bridge) { b.recorder = r }
}

// WithLogger sets the bridge logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// Bridge is an http.Handler upgrading authenticated requests to relayed
// hub sessions.
type Bridge struct {
	cfg      Config
	auth     Authenticator
	dialer   hub.Dialer
	recorder SessionRecorder
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewBridge creates a Bridge.
func NewBridge(cfg Config, authn Authenticator, opts ...Option) *Bridge {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	b := &Bridge{
		cfg:      cfg,
		auth:     authn,
		dialer:   websocket.DefaultDialer,
		log:      zerolog.Nop(),
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With().Str("component", "bridge").Logger()
	return b
}

// ServeHTTP authenticates the request, upgrades it and starts the relay.
// Rejected requests never cause an upstream dial.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := b.auth.Authenticate(r)
	if err != nil {
		b.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejected bridge upgrade")
		http.Error(w, rejectMessage(err), auth.StatusCode(err))
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		b.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := newSession(b, uuid.New().String(), identity, conn, r.RemoteAddr)
	if !b.register(s) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go func() {
		defer b.unregister(s)
		s.serve()
	}()
}

func rejectMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "Unauthorized"
	case errors.Is(err, auth.ErrSecretNotConfigured):
		return "Server misconfigured"
	default:
		return "Invalid token"
	}
}

func (b *Bridge) register(s *session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.sessions[s.id] = s
	b.wg.Add(1)
	return true
}

func (b *Bridge) unregister(s *session) {
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.mu.Unlock()
	b.wg.Done()
}

// ActiveSessions returns the number of live sessions.
func (b *Bridge) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close refuses new sessions, closes the live ones with 1001 and waits for
// them to finish or ctx to expire.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	live := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		live = append(live, s)
	}
	b.mu.Unlock()

	for _, s := range live {
		s.shutdown(websocket.CloseGoingAway, "Server shutting down")
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
