package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a Connection.
type RealtimeConfig struct {
	// URL is the ws:// or wss:// push endpoint.
	URL                  string
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.HTTPClient.Timeout > 0 {
		// The websocket dialer rejects clients with a timeout; the handshake
		// timeout bounds the dial instead.
		hc := *c.HTTPClient
		hc.Timeout = 0
		c.HTTPClient = &hc
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnectionState is the push connection's lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
	StateReconnecting ConnectionState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	policy      *backoff.ExponentialBackOff
}

func newReconnector(config *RealtimeConfig) *reconnector {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     config.ReconnectBaseDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         config.ReconnectMaxDelay,
	}
	policy.Reset()
	return &reconnector{
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		policy:      policy,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	delay := r.policy.NextBackOff()
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.policy.Reset()
}

// ============================================================================
// Connection
// ============================================================================

// OutboundMessage is a client-to-server frame. An empty Type sends on the
// "message" channel.
type OutboundMessage struct {
	Type    Channel
	Payload any
}

// Connection owns one push transport. All state transitions happen here;
// every observable change is emitted through the Dispatcher.
type Connection struct {
	config     RealtimeConfig
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *Metrics

	mu          sync.Mutex
	state       ConnectionState
	conn        *websocket.Conn
	gen         uint64
	loopCancel  context.CancelFunc
	retryCancel context.CancelFunc
	recon       *reconnector
	disposed    bool
	// everConnected is set by the first successful handshake. Later manual
	// connects emit ReconnectedEvent so subscribers can catch up.
	everConnected bool

	token    string
	userID   string
	username string
}

// NewConnection creates a disconnected Connection that emits on d.
func NewConnection(d *Dispatcher, config RealtimeConfig) *Connection {
	config.defaults()
	c := &Connection{
		config:     config,
		dispatcher: d,
		logger:     config.Logger,
		metrics:    config.Metrics,
		state:      StateDisconnected,
		recon:      newReconnector(&config),
	}
	c.metrics.stateChanged(StateDisconnected)
	return c
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the user the connection was last opened for.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// setStateLocked must be called with c.mu held.
func (c *Connection) setStateLocked(s ConnectionState) {
	if c.state == s {
		return
	}
	c.logger.Debug("realtime state", "from", string(c.state), "to", string(s))
	c.state = s
	c.metrics.stateChanged(s)
}

// Connect opens the push transport and blocks until the server confirms the
// handshake or it fails. It is a no-op while connected or while an attempt
// is already under way. A failed handshake leaves the state at error and,
// unless disabled, starts bounded automatic retries.
func (c *Connection) Connect(ctx context.Context, token, userID, username string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.stopLocked()
	c.gen++
	gen := c.gen
	c.token, c.userID, c.username = token, userID, username
	c.recon.reset()
	c.setStateLocked(StateConnecting)
	again := c.everConnected
	c.mu.Unlock()

	err := c.dial(ctx, gen)
	if err == nil {
		if again {
			c.dispatcher.emit(ReconnectedEvent{})
		}
		return nil
	}
	if c.failed(gen, err, 0) {
		c.startRetry(gen)
	}
	return err
}

// Disconnect tears down the transport and moves to disconnected. Pending
// retries are cancelled; subscriptions are untouched.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	prev := c.state
	conn := c.conn
	c.stopLocked()
	c.gen++
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if prev != StateDisconnected {
		c.dispatcher.emit(DisconnectedEvent{Code: int(websocket.StatusNormalClosure), Reason: "client disconnect"})
	}
}

// Dispose disconnects and refuses any later Connect.
func (c *Connection) Dispose() {
	c.Disconnect()
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
}

// stopLocked cancels the loops of the current generation and forgets the
// transport. Must be called with c.mu held.
func (c *Connection) stopLocked() {
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	if c.retryCancel != nil {
		c.retryCancel()
		c.retryCancel = nil
	}
	c.conn = nil
}

// SendMessage writes one frame. Without a live transport the frame is
// dropped with a warning; nothing is queued.
func (c *Connection) SendMessage(ctx context.Context, msg OutboundMessage) error {
	channel := msg.Type
	if channel == "" {
		channel = ChannelMessage
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if conn == nil || !connected {
		c.logger.Warn("realtime: not connected, dropping outbound message", "channel", string(channel))
		return ErrNotConnected
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	data, err := json.Marshal(Envelope{Type: channel, Payload: payload, RequestID: NewID()})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// dial performs one connection attempt for generation gen.
func (c *Connection) dial(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(dialCtx, c.config.URL, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(1 << 20)

	// The first frame must confirm the handshake.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "")
		return &ConnectionError{Op: "handshake", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != ChannelConnected {
		conn.Close(websocket.StatusProtocolError, "")
		return &ConnectionError{Op: "handshake", Err: fmt.Errorf("expected %q frame, got %q", ChannelConnected, env.Type)}
	}
	var hello ConnectedEvent
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &hello)
	}
	if hello.At.IsZero() {
		hello.At = time.Now()
	}

	c.mu.Lock()
	if c.gen != gen {
		// Disconnect or a newer Connect won the race.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return &ConnectionError{Op: "dial", Err: context.Canceled}
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.loopCancel = loopCancel
	c.recon.reset()
	c.everConnected = true
	c.setStateLocked(StateConnected)
	if hello.UserID == "" {
		hello.UserID = c.userID
	}
	if hello.Username == "" {
		hello.Username = c.username
	}
	c.mu.Unlock()

	c.dispatcher.emit(hello)

	go c.readLoop(loopCtx, gen, conn)
	go c.heartbeatLoop(loopCtx, gen, conn)
	return nil
}

// failed records a failed attempt. It reports whether an automatic retry
// should follow.
func (c *Connection) failed(gen uint64, err error, attempt int) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(StateError)
	retry := !c.config.DisableReconnect && c.recon.shouldReconnect()
	c.mu.Unlock()

	c.logger.Warn("realtime connect failed", "attempt", attempt, "error", err)
	c.dispatcher.emit(ConnectErrorEvent{Message: err.Error(), Attempt: attempt})
	return retry
}

func (c *Connection) startRetry(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.retryCancel = cancel
	c.mu.Unlock()

	go c.retryLoop(ctx, gen)
}

// retryLoop runs bounded reconnection attempts. When they are exhausted the
// state stays at error until Connect is called again.
func (c *Connection) retryLoop(ctx context.Context, gen uint64) {
	for {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		if !c.recon.shouldReconnect() {
			attempts := c.recon.attempt
			c.setStateLocked(StateError)
			c.mu.Unlock()
			c.logger.Error("realtime reconnect attempts exhausted", "attempts", attempts)
			return
		}
		delay := c.recon.nextDelay()
		attempt := c.recon.attempt
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		c.logger.Info("realtime reconnecting", "attempt", attempt, "delay", delay)
		c.metrics.reconnectAttempted()
		c.dispatcher.emit(ReconnectingEvent{Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()

		err := c.dial(ctx, gen)
		if err == nil {
			c.dispatcher.emit(ReconnectedEvent{AttemptNumber: attempt})
			return
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		if !c.failed(gen, err, attempt) {
			c.mu.Lock()
			if c.gen == gen {
				c.logger.Error("realtime reconnect attempts exhausted", "attempts", c.recon.attempt)
			}
			c.mu.Unlock()
			return
		}
	}
}

func (c *Connection) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.dropped(gen, conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("realtime: undecodable frame", "error", err)
			continue
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			c.logger.Warn("realtime: dropping frame", "channel", string(env.Type), "error", err)
			continue
		}
		c.metrics.eventReceived(ev.Channel())
		c.dispatcher.emit(ev)
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.dropped(gen, conn, &ConnectionError{Op: "heartbeat", Err: err})
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// dropped handles a transport that ended without Disconnect. A clean close
// from the server settles in disconnected; anything else is a failure that
// may be retried.
func (c *Connection) dropped(gen uint64, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.gen != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	c.conn = nil
	status := websocket.CloseStatus(err)
	clean := status == websocket.StatusNormalClosure
	if clean {
		c.setStateLocked(StateDisconnected)
	} else {
		c.setStateLocked(StateError)
	}
	retry := !clean && !c.config.DisableReconnect && c.recon.shouldReconnect()
	c.mu.Unlock()

	c.logger.Info("realtime transport closed", "status", int(status), "error", err)
	c.dispatcher.emit(DisconnectedEvent{Code: int(status), Reason: err.Error()})
	if retry {
		c.startRetry(gen)
	}
}
