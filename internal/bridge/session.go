package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/casa-bonita/backend/internal/hub"
	"github.com/casa-bonita/backend/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the browser.
	pongWait = 60 * time.Second

	// Send pings to the browser with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the browser.
	maxMessageSize = 1 << 20

	// Frames queued for the browser before the upstream reader blocks.
	sendBuffer = 256

	recordTimeout = 5 * time.Second
)

// Close codes sent to the browser.
const (
	// CloseHubAuthFailed: the hub rejected the server-side token.
	CloseHubAuthFailed = websocket.ClosePolicyViolation
	// CloseUpstreamError: the hub socket failed or could not be opened.
	CloseUpstreamError = websocket.CloseInternalServerErr
)

// Notification is a frame generated by the bridge itself rather than relayed.
type Notification struct {
	Type      string `json:"type"`
	HAVersion string `json:"ha_version,omitempty"`
	Message   string `json:"message,omitempty"`
}

const (
	msgNotConnected = "HA not connected"
	msgUnreachable  = "HA unreachable"
)

type outbound struct {
	messageType int
	data        []byte
}

// session pairs one browser socket with one upstream hub socket.
type session struct {
	id         string
	identity   *model.Identity
	remoteAddr string
	startedAt  time.Time

	bridge *Bridge
	log    zerolog.Logger
	down   *websocket.Conn

	mu   sync.Mutex
	up   *websocket.Conn
	upMu sync.Mutex // serializes upstream writes

	send          chan outbound
	done          chan struct{}
	closeOnce     sync.Once
	closeCode     int
	closeReason   string
	authenticated atomic.Bool
	framesUp      atomic.Int64
	framesDown    atomic.Int64
}

func newSession(b *Bridge, id string, identity *model.Identity, conn *websocket.Conn, remoteAddr string) *session {
	return &session{
		id:         id,
		identity:   identity,
		remoteAddr: remoteAddr,
		startedAt:  time.Now().UTC(),
		bridge:     b,
		log:        b.log.With().Str("session_id", id).Str("user_id", identity.ID).Logger(),
		down:       conn,
		send:       make(chan outbound, sendBuffer),
		done:       make(chan struct{}),
	}
}

// serve runs the session until both sockets are closed.
func (s *session) serve() {
	s.recordOpen()
	s.log.Info().Str("remote_addr", s.remoteAddr).Msg("bridge session opened")

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		s.writePump()
	}()
	go func() {
		defer pumps.Done()
		s.readDownstream()
	}()

	if up, err := s.dial(); err != nil {
		s.log.Warn().Err(err).Msg("hub unreachable")
		s.notify(Notification{Type: "error", Message: msgUnreachable})
		s.shutdown(CloseUpstreamError, "Upstream error")
	} else if s.attach(up) {
		s.readUpstream(up)
	} else {
		up.Close()
	}

	pumps.Wait()
	s.recordClose()
	s.log.Info().
		Int("close_code", s.closeCode).
		Str("close_reason", s.closeReason).
		Int64("frames_up", s.framesUp.Load()).
		Int64("frames_down", s.framesDown.Load()).
		Msg("bridge session closed")
}

func (s *session) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.bridge.cfg.DialTimeout)
	defer cancel()

	// Abort the dial if the browser leaves first.
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	up, _, err := s.bridge.dialer.DialContext(ctx, s.bridge.cfg.HubURL, nil)
	return up, err
}

// attach installs the upstream socket unless the session already ended.
func (s *session) attach(up *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.up = up
	return true
}

// readUpstream handles the hub handshake, then relays hub frames verbatim.
func (s *session) readUpstream(up *websocket.Conn) {
	for {
		messageType, data, err := up.ReadMessage()
		if err != nil {
			s.upstreamClosed(err)
			return
		}

		if s.authenticated.Load() {
			s.framesDown.Add(1)
			s.enqueue(outbound{messageType: messageType, data: data})
			continue
		}

		s.handshake(up, data)
	}
}

// handshake handles one hub frame received before auth_ok.
func (s *session) handshake(up *websocket.Conn, data []byte) {
	frame, err := hub.DecodeFrame(data)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping undecodable pre-auth hub frame")
		return
	}

	switch f := frame.(type) {
	case hub.AuthRequired:
		if err := s.writeUpstream(up, func(c *websocket.Conn) error {
			return c.WriteJSON(hub.NewAuthMessage(s.bridge.cfg.HubToken))
		}); err != nil {
			s.log.Warn().Err(err).Msg("failed to answer hub auth_required")
			s.shutdown(CloseUpstreamError, "Upstream error")
		}

	case hub.AuthOK:
		s.authenticated.Store(true)
		s.notify(Notification{Type: string(hub.TypeAuthOK), HAVersion: f.HAVersion})

	case hub.AuthInvalid:
		s.log.Error().Str("message", f.Message).Msg("hub rejected bridge token")
		s.notify(Notification{Type: string(hub.TypeAuthInvalid), Message: f.Message})
		s.shutdown(CloseHubAuthFailed, "HA authentication failed")

	default:
		s.log.Debug().Str("type", string(frame.Type())).Msg("dropping pre-auth hub frame")
	}
}

// upstreamClosed maps the end of the hub socket to the browser close code.
// An orderly hub close keeps its code; anything else is an upstream error.
func (s *session) upstreamClosed(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && sendableCloseCode(ce.Code) {
		reason := ce.Text
		if reason == "" {
			reason = "HA connection closed"
		}
		s.shutdown(ce.Code, reason)
		return
	}
	s.log.Debug().Err(err).Msg("hub socket closed")
	s.shutdown(CloseUpstreamError, "Upstream error")
}

// sendableCloseCode reports whether code may appear in a close frame.
func sendableCloseCode(code int) bool {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return false
	}
	return code >= 1000 && code < 5000
}

// readDownstream relays browser frames to the hub once it has authenticated.
func (s *session) readDownstream() {
	s.down.SetReadLimit(maxMessageSize)
	s.down.SetReadDeadline(time.Now().Add(pongWait))
	s.down.SetPongHandler(func(string) error {
		s.down.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := s.down.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := "Client disconnected"
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			} else {
				s.log.Debug().Err(err).Msg("browser socket read failed")
			}
			s.shutdown(code, reason)
			return
		}

		if !s.authenticated.Load() {
			s.notify(Notification{Type: "error", Message: msgNotConnected})
			continue
		}

		s.mu.Lock()
		up := s.up
		s.mu.Unlock()
		if err := s.writeUpstream(up, func(c *websocket.Conn) error {
			return c.WriteMessage(messageType, data)
		}); err != nil {
			s.log.Warn().Err(err).Msg("failed to relay frame to hub")
			s.shutdown(CloseUpstreamError, "Upstream error")
			return
		}
		s.framesUp.Add(1)
	}
}

func (s *session) writeUpstream(up *websocket.Conn, write func(*websocket.Conn) error) error {
	s.upMu.Lock()
	defer s.upMu.Unlock()
	up.SetWriteDeadline(time.Now().Add(writeWait))
	return write(up)
}

// writePump owns all writes to the browser socket. Frames queued before
// shutdown are flushed ahead of the close frame.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.down.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				s.shutdown(websocket.CloseAbnormalClosure, "Write failed")
				return
			}
		case <-ticker.C:
			s.down.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.down.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown(websocket.CloseAbnormalClosure, "Ping failed")
				return
			}
		case <-s.done:
		drain:
			for {
				select {
				case msg := <-s.send:
					if err := s.write(msg); err != nil {
						return
					}
				default:
					break drain
				}
			}
			if sendableCloseCode(s.closeCode) {
				s.down.SetWriteDeadline(time.Now().Add(writeWait))
				s.down.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeCode, s.closeReason))
			}
			return
		}
	}
}

func (s *session) write(msg outbound) error {
	s.down.SetWriteDeadline(time.Now().Add(writeWait))
	return s.down.WriteMessage(msg.messageType, msg.data)
}

// enqueue hands a frame to the write pump, blocking while the queue is full.
func (s *session) enqueue(msg outbound) {
	select {
	case s.send <- msg:
	case <-s.done:
	}
}

func (s *session) notify(n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	s.enqueue(outbound{messageType: websocket.TextMessage, data: data})
}

// shutdown ends the session once. The browser receives a close frame with
// code after any queued frames; the hub socket is closed.
func (s *session) shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.closeReason = reason
		up := s.up
		close(s.done)
		s.mu.Unlock()

		if up != nil {
			up.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			up.Close()
		}
	})
}

func (s *session) recordOpen() {
	if s.bridge.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	err := s.bridge.recorder.Open(ctx, &model.BridgeSession{
		ID:         s.id,
		UserID:     s.identity.ID,
		RemoteAddr: s.remoteAddr,
		Status:     model.BridgeSessionStatusOpen,
		StartedAt:  s.startedAt,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to record bridge session")
	}
}

func (s *session) recordClose() {
	if s.bridge.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	err := s.bridge.recorder.Close(ctx, s.id, model.BridgeSessionClose{
		Authenticated: s.authenticated.Load(),
		FramesUp:      s.framesUp.Load(),
		FramesDown:    s.framesDown.Load(),
		CloseCode:     s.closeCode,
		CloseReason:   s.closeReason,
		EndedAt:       time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to record bridge session close")
	}
}
