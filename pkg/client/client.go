// Package client implements the connection-side state machine for the
// llmrtc signalling protocol: connect, handshake, heartbeat, and bounded
// exponential-backoff reconnection that recovers the server-side session.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/llmrtc/llmrtc/pkg/wire"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Reconnection defaults.
const (
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultMaxRetries = 5

	// DefaultHeartbeatInterval is how often pings are sent; two unanswered
	// pings trigger reconnection.
	DefaultHeartbeatInterval = 15 * time.Second

	eventBuffer   = 16
	messageBuffer = 64
)

// ErrClosed is returned by operations on a client after Close.
var ErrClosed = errors.New("client: closed")

// Event is the closed set of lifecycle notifications.
type Event interface{ isClientEvent() }

// StateChange reports a lifecycle transition.
type StateChange struct {
	From State
	To   State
}

// Reconnecting reports one reconnection attempt about to start.
type Reconnecting struct {
	Attempt int
	Max     int
}

func (StateChange) isClientEvent()  {}
func (Reconnecting) isClientEvent() {}

// Transport is one live signalling connection. The default implementation
// wraps a websocket; tests inject fakes.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc opens a new Transport to the signalling endpoint.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// Config configures a Client. URL is required.
type Config struct {
	URL string

	// BaseDelay and MaxDelay bound the reconnect backoff
	// min(BaseDelay<<n, MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxRetries caps reconnection attempts before giving up. Zero means
	// DefaultMaxRetries; negative disables reconnection.
	MaxRetries int

	HeartbeatInterval time.Duration

	// Dial overrides the websocket dialer.
	Dial DialFunc

	Logger *slog.Logger
}

// Client drives one logical connection to an llmrtc server, transparently
// reconnecting and re-binding the server session.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	transport Transport
	sessionID string
	lastPong  time.Time

	events   chan Event
	messages chan wire.Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and creates a Client in the DISCONNECTED state.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("client: url is required")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Dial == nil {
		cfg.Dial = dialWebsocket
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   cfg.Logger,
		state:    StateDisconnected,
		events:   make(chan Event, eventBuffer),
		messages: make(chan wire.Message, messageBuffer),
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session id, empty before the first
// handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Events returns the lifecycle event stream. The channel is closed by
// Close.
func (c *Client) Events() <-chan Event { return c.events }

// Messages returns decoded server control messages. The channel is closed
// by Close.
func (c *Client) Messages() <-chan wire.Message { return c.messages }

// Start connects and performs the handshake. On success the client is
// CONNECTED and its read and heartbeat loops are running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("client: start from state %q", state)
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	c.ctx, c.cancel = context.WithCancel(context.Background())

	transport, sessionID, err := c.handshake(ctx, "")
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.transport = transport
	c.sessionID = sessionID
	c.lastPong = time.Now()
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.readLoop(transport)
	go c.heartbeatLoop()
	return nil
}

// Send encodes and writes one control message on the current transport.
func (c *Client) Send(ctx context.Context, msg wire.Message) error {
	c.mu.Lock()
	transport := c.transport
	state := c.state
	c.mu.Unlock()

	if state == StateClosed {
		return ErrClosed
	}
	if transport == nil || state != StateConnected {
		return fmt.Errorf("client: not connected (state %q)", state)
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", msg.Tag(), err)
	}
	return transport.WriteMessage(ctx, data)
}

// Close moves to CLOSED, tears down the transport and closes the event and
// message channels. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = StateClosed
	transport := c.transport
	c.transport = nil
	c.mu.Unlock()

	c.emit(StateChange{From: prev, To: StateClosed})
	if c.cancel != nil {
		c.cancel()
	}
	if transport != nil {
		transport.Close()
	}
	c.wg.Wait()
	close(c.events)
	close(c.messages)
	return nil
}

// handshake dials and consumes the ready message. When sessionID is
// non-empty it additionally requests session recovery and verifies the ack.
func (c *Client) handshake(ctx context.Context, sessionID string) (Transport, string, error) {
	transport, err := c.cfg.Dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, "", fmt.Errorf("client: dial: %w", err)
	}

	msg, err := c.readControl(ctx, transport)
	if err != nil {
		transport.Close()
		return nil, "", fmt.Errorf("client: handshake read: %w", err)
	}
	ready, ok := msg.(*wire.Ready)
	if !ok {
		transport.Close()
		return nil, "", fmt.Errorf("client: handshake: want ready, got %s", msg.Tag())
	}
	if ready.ProtocolVersion != wire.ProtocolVersion {
		transport.Close()
		return nil, "", fmt.Errorf("client: unsupported protocol version %d", ready.ProtocolVersion)
	}
	id := ready.ID

	if sessionID != "" {
		data, err := wire.Encode(&wire.Reconnect{SessionID: sessionID})
		if err != nil {
			transport.Close()
			return nil, "", fmt.Errorf("client: encode reconnect: %w", err)
		}
		if err := transport.WriteMessage(ctx, data); err != nil {
			transport.Close()
			return nil, "", fmt.Errorf("client: send reconnect: %w", err)
		}
		ackMsg, err := c.readControl(ctx, transport)
		if err != nil {
			transport.Close()
			return nil, "", fmt.Errorf("client: reconnect read: %w", err)
		}
		ack, ok := ackMsg.(*wire.ReconnectAck)
		if !ok || !ack.Success {
			// The old session is gone; carry on with the fresh one.
			c.logger.Warn("session not recovered", "session_id", sessionID)
			return transport, id, nil
		}
		id = ack.SessionID
	}
	return transport, id, nil
}

// readControl reads messages until one decodes, skipping unknown types.
func (c *Client) readControl(ctx context.Context, transport Transport) (wire.Message, error) {
	for {
		data, err := transport.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		msg, err := wire.Decode(data)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownType) {
				continue
			}
			return nil, err
		}
		return msg, nil
	}
}

// readLoop pumps server messages until the transport fails, then hands off
// to the reconnect loop.
func (c *Client) readLoop(transport Transport) {
	defer c.wg.Done()
	for {
		data, err := transport.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || c.State() == StateClosed {
				return
			}
			c.logger.Debug("transport lost", "err", err)
			c.reconnect()
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			continue
		}
		if _, ok := msg.(*wire.Pong); ok {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// heartbeatLoop sends pings and forces reconnection after two unanswered
// intervals.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		transport := c.transport
		silent := time.Since(c.lastPong)
		state := c.state
		c.mu.Unlock()

		if state != StateConnected || transport == nil {
			continue
		}
		if silent > 2*c.cfg.HeartbeatInterval {
			c.logger.Debug("heartbeat lost", "silent", silent.Round(time.Millisecond))
			transport.Close()
			continue // readLoop notices the closed transport and reconnects
		}

		data, err := wire.Encode(&wire.Ping{Timestamp: time.Now().UnixMilli()})
		if err != nil {
			continue
		}
		wctx, cancel := context.WithTimeout(c.ctx, c.cfg.HeartbeatInterval)
		if err := transport.WriteMessage(wctx, data); err != nil {
			c.logger.Debug("ping write failed", "err", err)
		}
		cancel()
	}
}

// reconnect runs the backoff loop: min(BaseDelay·2^n, MaxDelay) per attempt
// up to MaxRetries, re-running the handshake with session recovery.
func (c *Client) reconnect() {
	if c.cfg.MaxRetries < 0 {
		c.setState(StateDisconnected)
		return
	}
	c.setState(StateReconnecting)

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		delay := backoffDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		c.emit(Reconnecting{Attempt: attempt + 1, Max: c.cfg.MaxRetries})

		transport, sessionID, err := c.handshake(c.ctx, c.SessionID())
		if err != nil {
			c.logger.Debug("reconnect attempt failed", "attempt", attempt+1, "err", err)
			continue
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			transport.Close()
			return
		}
		c.transport = transport
		c.sessionID = sessionID
		c.lastPong = time.Now()
		c.mu.Unlock()
		c.setState(StateConnected)

		c.wg.Add(1)
		go c.readLoop(transport)
		return
	}

	c.setState(StateFailed)
}

// backoffDelay computes min(base<<attempt, max). The doubling is done
// stepwise and stops at max, so a large configured MaxRetries cannot
// overflow the shift into a negative delay.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	return delay
}

// setState records the transition and emits a StateChange event. No-op when
// the state is unchanged or the client is closed.
func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to || from == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.emit(StateChange{From: from, To: to})
}

// emit delivers a lifecycle event without blocking; a slow listener loses
// old events rather than stalling the state machine.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// wsTransport adapts a coder/websocket connection to Transport.
type wsTransport struct {
	ws *websocket.Conn
}

func dialWebsocket(ctx context.Context, url string) (Transport, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{ws: ws}, nil
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.ws.Read(ctx)
	return data, err
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.ws.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.ws.Close(websocket.StatusNormalClosure, "")
}
