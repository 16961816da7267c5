package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a frame to the hub.
	writeWait = 10 * time.Second

	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = time.Second
	defaultHandshakeTimeout     = 10 * time.Second
	defaultKeepaliveInterval    = 30 * time.Second
)

// State is the lifecycle state of a Client.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
)

// Config configures a Client.
type Config struct {
	// URL is the hub WebSocket endpoint.
	URL string
	// Token is the bearer credential sent in the auth frame.
	Token string
	// MaxReconnectAttempts bounds consecutive reconnection attempts.
	MaxReconnectAttempts int
	// ReconnectDelay is the backoff base; attempt n waits n*ReconnectDelay.
	ReconnectDelay time.Duration
	// KeepaliveInterval between pings while connected. Zero disables pings.
	KeepaliveInterval time.Duration
	// HandshakeTimeout bounds dial plus auth when the caller's context has no deadline.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns a Config with the standard retry and keepalive settings.
func DefaultConfig(url, token string) Config {
	return Config{
		URL:                  url,
		Token:                token,
		MaxReconnectAttempts: defaultMaxReconnectAttempts,
		ReconnectDelay:       defaultReconnectDelay,
		KeepaliveInterval:    defaultKeepaliveInterval,
		HandshakeTimeout:     defaultHandshakeTimeout,
	}
}

// Dialer opens the upstream socket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// EventHandler receives events for one subscription. Handlers for one socket
// run sequentially in arrival order on a goroutine separate from the reader,
// so a handler may issue requests, including Unsubscribe, through the Client.
type EventHandler func(Event)

// Option configures a Client.
type Option func(*Client)

// WithDialer sets the dialer used to open the upstream socket.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client owns one logical connection to the hub.
type Client struct {
	cfg       Config
	dialer    Dialer
	log       zerolog.Logger
	afterFunc func(time.Duration, func()) *time.Timer

	mu                sync.Mutex
	state             State
	link              *link
	connectSeq        uint64
	lastID            int64
	reconnectAttempts int
	reconnectCeiling  int
	reconnectTimer    *time.Timer
}

// NewClient creates a disconnected Client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}

	c := &Client{
		cfg:              cfg,
		dialer:           websocket.DefaultDialer,
		log:              zerolog.Nop(),
		afterFunc:        time.AfterFunc,
		state:            StateDisconnected,
		reconnectCeiling: cfg.MaxReconnectAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "hub").Logger()
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// link is one physical socket. Pending requests and subscriptions belong to
// the socket they were made on and die with it.
type link struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// Guarded by Client.mu. pending is nil once the link has closed;
	// subscriptions is nil once queued events have been delivered.
	pending       map[int64]*pendingRequest
	subscriptions map[int64]EventHandler

	events eventQueue

	ready     chan error
	readyOnce sync.Once
	done      chan struct{}
}

type pendingRequest struct {
	done chan response
	// subscribe is registered as the handler for this ID when the request succeeds.
	subscribe EventHandler
}

type response struct {
	result json.RawMessage
	err    error
}

func newLink(conn *websocket.Conn) *link {
	return &link{
		conn:          conn,
		pending:       make(map[int64]*pendingRequest),
		subscriptions: make(map[int64]EventHandler),
		events:        eventQueue{wake: make(chan struct{}, 1)},
		ready:         make(chan error, 1),
		done:          make(chan struct{}),
	}
}

// eventQueue holds events read from the socket until the delivery goroutine
// hands them to their handlers.
type eventQueue struct {
	mu     sync.Mutex
	frames []EventFrame
	closed bool
	wake   chan struct{}
}

func (q *eventQueue) push(f EventFrame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	q.notify()
}

// close marks the queue finished. Frames already queued are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *eventQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// take removes and returns all queued frames.
func (q *eventQueue) take() ([]EventFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.frames
	q.frames = nil
	return frames, q.closed
}

func (l *link) signalReady(err error) {
	l.readyOnce.Do(func() { l.ready <- err })
}

func (l *link) writeJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteJSON(v)
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().Str("from", string(c.state)).Str("to", string(s)).Msg("state change")
	c.state = s
}

// Connect opens the upstream socket and completes the auth handshake. It
// returns an *AuthError if the hub rejects the token.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, false)
}

func (c *Client) connect(ctx context.Context, automatic bool) error {
	c.mu.Lock()
	if automatic && c.reconnectCeiling == 0 {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: already %s", ErrAlreadyConnecting, state)
	}
	c.setStateLocked(StateConnecting)
	c.connectSeq++
	seq := c.connectSeq
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		if c.connectSeq == seq {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to dial hub: %w", err)
	}

	l := newLink(conn)

	c.mu.Lock()
	if c.connectSeq != seq || c.state != StateConnecting {
		// Disconnect ran while dialing.
		c.mu.Unlock()
		conn.Close()
		return ErrConnectionClosed
	}
	c.link = l
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	go c.readLoop(l)
	go c.deliverEvents(l)

	select {
	case err := <-l.ready:
		return err
	case <-ctx.Done():
		select {
		case err := <-l.ready:
			return err
		default:
		}
		conn.Close()
		<-l.done
		return fmt.Errorf("hub handshake: %w", ctx.Err())
	}
}

// Disconnect closes the connection and suppresses any further reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnectCeiling = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	l := c.link
	c.link = nil
	c.connectSeq++
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if l != nil {
		l.conn.Close()
	}
}

func (c *Client) readLoop(l *link) {
	var readErr error
	defer func() { c.handleClose(l, readErr) }()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		frames, err := DecodeFrames(data)
		if err != nil {
			var unknown *UnknownFrameError
			if errors.As(err, &unknown) {
				c.log.Warn().Err(err).Msg("ignoring unsupported hub frame")
			} else {
				c.log.Warn().Err(err).Msg("dropping malformed hub frame")
			}
		}
		for _, f := range frames {
			c.dispatch(l, f)
		}
	}
}

func (c *Client) dispatch(l *link, f Frame) {
	switch f := f.(type) {
	case AuthRequired:
		if err := l.writeJSON(NewAuthMessage(c.cfg.Token)); err != nil {
			c.log.Error().Err(err).Msg("failed to send auth frame")
			l.conn.Close()
		}

	case AuthOK:
		c.mu.Lock()
		if c.link != l || c.state != StateAuthenticating {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnected)
		c.reconnectAttempts = 0
		c.mu.Unlock()

		c.log.Info().Str("ha_version", f.HAVersion).Msg("connected to hub")
		l.signalReady(nil)
		go c.enableCoalescing()
		if c.cfg.KeepaliveInterval > 0 {
			go c.keepalive(l)
		}

	case AuthInvalid:
		c.mu.Lock()
		if c.link == l {
			c.link = nil
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()

		c.log.Error().Str("message", f.Message).Msg("hub rejected access token")
		l.signalReady(&AuthError{Message: f.Message})
		l.conn.Close()

	case ResultFrame:
		if f.Success {
			c.resolve(l, f.ID, response{result: f.Result})
			return
		}
		reqErr := &RequestError{ID: f.ID, Message: "Unknown error"}
		if f.Error != nil {
			reqErr.Code = f.Error.Code
			if f.Error.Message != "" {
				reqErr.Message = f.Error.Message
			}
		}
		c.resolve(l, f.ID, response{err: reqErr})

	case PongFrame:
		c.resolve(l, f.ID, response{})

	case EventFrame:
		l.events.push(f)
	}
}

// deliverEvents runs handlers for queued events until the link closes and the
// queue is empty.
func (c *Client) deliverEvents(l *link) {
	for {
		frames, closed := l.events.take()
		c.deliver(l, frames)
		if closed {
			c.mu.Lock()
			l.subscriptions = nil
			c.mu.Unlock()
			return
		}
		if len(frames) == 0 {
			<-l.events.wake
		}
	}
}

// deliver looks each handler up at delivery time, so events queued before an
// Unsubscribe are not delivered after it.
func (c *Client) deliver(l *link, frames []EventFrame) {
	for _, f := range frames {
		c.mu.Lock()
		handler := l.subscriptions[f.ID]
		c.mu.Unlock()
		if handler != nil {
			handler(f.Event)
		}
	}
}

// resolve completes the pending request with the given ID. IDs with no
// pending entry were already completed by teardown or abandoned by their
// caller and are ignored.
func (c *Client) resolve(l *link, id int64, resp response) {
	c.mu.Lock()
	p, ok := l.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(l.pending, id)
	if resp.err == nil && p.subscribe != nil {
		l.subscriptions[id] = p.subscribe
	}
	c.mu.Unlock()

	p.done <- resp
}

func (c *Client) handleClose(l *link, readErr error) {
	c.mu.Lock()
	current := c.link == l
	wasConnected := current && c.state == StateConnected
	if current {
		c.link = nil
		c.setStateLocked(StateDisconnected)
	}

	pending := l.pending
	l.pending = nil

	if wasConnected {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	l.conn.Close()
	for _, p := range pending {
		p.done <- response{err: ErrConnectionClosed}
	}
	l.signalReady(fmt.Errorf("%w during handshake: %v", ErrConnectionClosed, readErr))
	l.events.close()
	close(l.done)

	if wasConnected {
		c.log.Warn().Err(readErr).Int("failed_requests", len(pending)).Msg("hub connection lost")
	}
}

// scheduleReconnectLocked arms the next reconnection attempt if the ceiling
// allows it. Attempt n fires after n*ReconnectDelay.
func (c *Client) scheduleReconnectLocked() bool {
	if c.reconnectAttempts >= c.reconnectCeiling {
		if c.reconnectCeiling > 0 {
			c.log.Error().Int("attempts", c.reconnectAttempts).Msg("giving up reconnecting to hub")
		}
		return false
	}
	c.reconnectAttempts++
	delay := time.Duration(c.reconnectAttempts) * c.cfg.ReconnectDelay
	c.reconnectTimer = c.afterFunc(delay, c.reconnect)
	c.log.Info().Int("attempt", c.reconnectAttempts).Dur("delay", delay).Msg("scheduled hub reconnection")
	return true
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	stopped := c.reconnectCeiling == 0
	c.mu.Unlock()
	if stopped {
		return
	}

	err := c.connect(context.Background(), true)
	if err == nil {
		return
	}

	var authErr *AuthError
	if errors.As(err, &authErr) || errors.Is(err, ErrAlreadyConnecting) {
		c.log.Error().Err(err).Msg("hub reconnection stopped")
		return
	}

	c.log.Warn().Err(err).Msg("hub reconnection attempt failed")
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
}

// enableCoalescing asks the hub to batch frames. Failure is not fatal.
func (c *Client) enableCoalescing() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()

	req := &SupportedFeaturesRequest{
		Header:   Header{Type: TypeSupportedFeatures},
		Features: map[string]int{"coalesce_messages": 1},
	}
	if _, err := c.send(ctx, req, nil); err != nil {
		c.log.Debug().Err(err).Msg("hub did not accept coalesced messages")
	}
}

func (c *Client) keepalive(l *link) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.KeepaliveInterval)
			err := c.Ping(ctx)
			cancel()
			if err != nil && !errors.Is(err, ErrConnectionClosed) && !errors.Is(err, ErrNotConnected) {
				c.log.Warn().Err(err).Msg("hub keepalive failed, closing connection")
				l.conn.Close()
				return
			}
		}
	}
}

// send writes req with a fresh message ID and waits for its result. If
// subscribe is non-nil it is registered for the ID once the hub acknowledges.
func (c *Client) send(ctx context.Context, req Request, subscribe EventHandler) (json.RawMessage, error) {
	c.mu.Lock()
	l := c.link
	if l == nil || c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.lastID++
	id := c.lastID
	h := req.header()
	h.ID = id
	p := &pendingRequest{done: make(chan response, 1), subscribe: subscribe}
	l.pending[id] = p
	c.mu.Unlock()

	if err := l.writeJSON(req); err != nil {
		c.abandon(l, id)
		return nil, fmt.Errorf("failed to send %s: %w", h.Type, err)
	}
	return c.await(ctx, l, id, p)
}

// await waits for the response to request id. A cancelled ctx only wins if
// the request is still pending.
func (c *Client) await(ctx context.Context, l *link, id int64, p *pendingRequest) (json.RawMessage, error) {
	select {
	case resp := <-p.done:
		return resp.result, resp.err
	case <-ctx.Done():
		if c.abandon(l, id) {
			return nil, ctx.Err()
		}
		// Already completed by resolve or teardown; its response is on the way.
		resp := <-p.done
		return resp.result, resp.err
	}
}

// abandon drops the pending entry for id and reports whether it was still
// waiting. Once removed by anyone else, a response is always sent on done.
func (c *Client) abandon(l *link, id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := l.pending[id]; !ok {
		return false
	}
	delete(l.pending, id)
	return true
}

func (c *Client) removeSubscription(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != nil && c.link.subscriptions != nil {
		delete(c.link.subscriptions, id)
	}
}
