// Package client implements the consumer side of the chat protocol: a
// WebSocket client with an explicit reconnection state machine. Connection
// attempts are rate limited by a sliding retry window, exceeding the budget
// enters a cooldown with a visible countdown, retries within budget back off
// exponentially with jitter, and a heartbeat detects silently-dead sockets.
// Incoming typed messages are dispatched into the local ChatState.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/anonychat/anonychat/internal/protocol"
)

// reconnectingReason marks a client-initiated close; such closes are excluded
// from the retry/backoff path entirely.
const reconnectingReason = "Reconnecting"

// Config holds the client's tunable parameters.
type Config struct {
	URL               string
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration // period of outbound ping frames
	HeartbeatTimeout  time.Duration // max silence before force-closing the socket
	TypingTimeout     time.Duration // partner typing indicator display time
	Retry             RetryPolicy
}

// DefaultConfig returns the production defaults for the given server URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		DialTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		TypingTimeout:     2 * time.Second,
		Retry:             DefaultRetryPolicy(),
	}
}

// Client is the reconnecting chat client.
type Client struct {
	config Config
	chat   *ChatState

	mu             sync.Mutex
	state          State
	conn           net.Conn
	connStartedAt  time.Time
	lastActivity   time.Time
	serverError    bool
	deliberate     bool // the in-flight close was client-initiated
	closed         bool // Close was called; no further attempts
	retry          RetryState
	reconnectTimer *time.Timer
	cooldownTimer  *time.Timer
	heartbeatStop  chan struct{}

	writeMu sync.Mutex
}

// New creates a Client in the Idle state. Call Connect to start.
func New(config Config) *Client {
	return &Client{
		config: config,
		chat:   NewChatState(config.TypingTimeout),
		state:  StateIdle,
		retry:  NewRetryState(time.Now()),
	}
}

// Chat returns the client-local chat state.
func (c *Client) Chat() *ChatState { return c.chat }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the user-visible status line.
func (c *Client) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == StateCooldown:
		left := c.retry.CooldownRemaining(c.config.Retry, time.Now())
		return fmt.Sprintf("Cooldown (%ds)", int(left.Seconds())+1)
	case c.serverError:
		return "Server error"
	case c.state == StateConnecting:
		return "Connecting"
	case c.state == StateOpen && c.chat.StrangerConnected():
		return "Connected"
	case c.state == StateOpen:
		return "Waiting"
	case c.state == StateClosing || c.state == StateClosed:
		return "Reconnecting"
	default:
		return "Idle"
	}
}

// Connect performs one connection attempt, or enters cooldown if the retry
// budget is exhausted. On success the read loop and heartbeat start; on
// failure the usual reconnect path is scheduled.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	if !c.retry.CanAttempt(c.config.Retry, now) {
		c.enterCooldownLocked(now)
		c.mu.Unlock()
		return
	}
	c.retry.RecordAttempt()
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	conn, _, _, err := ws.Dial(ctx, c.config.URL)
	cancel()
	if err != nil {
		log.Printf("client: dial %s: %v", c.config.URL, err)
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.scheduleReconnect(0)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.serverError = false
	c.deliberate = false
	c.connStartedAt = time.Now()
	c.lastActivity = time.Now()
	c.retry.Reset(time.Now())
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.heartbeatLoop(conn, stop)
}

// Reconnect deliberately cycles the connection with the reserved close code.
// Deliberate closes do not feed the retry path; call Connect to re-establish.
func (c *Client) Reconnect() {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return
	}
	c.deliberate = true
	c.state = StateClosing
	c.mu.Unlock()

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, reconnectingReason)
	c.writeMu.Lock()
	_ = wsutil.WriteClientMessage(conn, ws.OpClose, body)
	c.writeMu.Unlock()
	conn.Close()
}

// Close shuts the client down permanently.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.state = StateClosed
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// SendText sends a chat message. The message is recorded locally as
// undelivered and its generated id is returned; the server echo or a partner
// receipt marks it delivered.
func (c *Client) SendText(text string) (string, error) {
	id := uuid.New().String()
	c.chat.AddLocal(text, id)

	err := c.send(protocol.TextMsg{Type: protocol.TypeText, Data: text, ID: id})
	if err != nil {
		return id, err
	}
	return id, nil
}

// SendTyping sends a typing indicator.
func (c *Client) SendTyping() error {
	return c.send(protocol.TypingMsg{Type: protocol.TypeTyping})
}

// send marshals and writes one frame on the current connection.
func (c *Client) send(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if conn == nil || !open {
		return fmt.Errorf("client: not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// readLoop reads frames until the connection dies, then routes the closure
// into the retry machinery (unless it was deliberate or the client is done).
func (c *Client) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			break
		}
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
		c.dispatch(data)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	duration := time.Since(c.connStartedAt)
	deliberate := c.deliberate
	closed := c.closed
	c.state = StateClosed
	c.mu.Unlock()

	conn.Close()

	if closed || deliberate {
		return
	}
	c.scheduleReconnect(duration)
}

// heartbeatLoop sends periodic pings and force-closes the socket if nothing
// (pong or any other message) arrived within the heartbeat timeout.
func (c *Client) heartbeatLoop(conn net.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(protocol.PingMsg{Type: protocol.TypePing}); err != nil {
				return
			}
			c.mu.Lock()
			silent := time.Since(c.lastActivity) > c.config.HeartbeatTimeout
			c.mu.Unlock()
			if silent {
				log.Printf("client: heartbeat timeout, closing connection")
				conn.Close()
				return
			}
		}
	}
}

// scheduleReconnect waits out the minimum-connection-duration shortfall, then
// either schedules the next attempt with exponential backoff or enters
// cooldown if the budget is spent.
func (c *Client) scheduleReconnect(connDuration time.Duration) {
	hold := c.config.Retry.ShortfallDelay(connDuration)

	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(hold, func() {
		c.mu.Lock()
		if c.closed || c.state == StateOpen || c.state == StateConnecting {
			c.mu.Unlock()
			return
		}
		now := time.Now()
		if !c.retry.CanAttempt(c.config.Retry, now) {
			c.enterCooldownLocked(now)
			c.mu.Unlock()
			return
		}
		attempt := c.retry.Attempts + 1
		delay := c.config.Retry.BackoffDelay(attempt)
		c.reconnectTimer = time.AfterFunc(delay, c.Connect)
		c.mu.Unlock()
	})
	c.mu.Unlock()
}

// enterCooldownLocked flips into the Cooldown state and arms the timer that
// resets the budget and immediately retries when the cooldown expires.
// Callers hold c.mu.
func (c *Client) enterCooldownLocked(now time.Time) {
	c.state = StateCooldown
	left := c.retry.CooldownRemaining(c.config.Retry, now)
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
	}
	c.cooldownTimer = time.AfterFunc(left, func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.state = StateClosed
		c.mu.Unlock()
		c.Connect()
	})
}

// CooldownSecondsLeft exposes the countdown for display; zero when not in
// cooldown.
func (c *Client) CooldownSecondsLeft() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCooldown {
		return 0
	}
	left := c.retry.CooldownRemaining(c.config.Retry, time.Now())
	if left <= 0 {
		return 0
	}
	return int(left.Seconds()) + 1
}

// dispatch routes one server frame into the local chat state.
func (c *Client) dispatch(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("client: unparseable server frame: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeConnectionEstablished:
		var m protocol.ConnectionEstablishedMsg
		if err := json.Unmarshal(data, &m); err == nil && m.UserID != "" {
			c.chat.SetUserID(m.UserID)
		}

	case protocol.TypePong:
		// Activity already recorded by the read loop.

	case protocol.TypeStats:
		var m protocol.StatsMsg
		if err := json.Unmarshal(data, &m); err == nil {
			c.chat.SetOnlineCount(m.OnlineCount)
		}

	case protocol.TypeTyping:
		c.chat.SetTyping()

	case protocol.TypeText:
		var m protocol.ServerTextMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		switch m.From {
		case protocol.FromSelf:
			c.chat.MarkDelivered(m.ID)
		case protocol.FromStranger:
			c.chat.AddStranger(m.Data, m.ID)
			// Acknowledge so the sender's undelivered marker clears.
			_ = c.send(protocol.ReceiptMsg{Type: protocol.TypeReceipt, MessageID: m.ID})
		}

	case protocol.TypeReceipt:
		var m protocol.ReceiptMsg
		if err := json.Unmarshal(data, &m); err == nil && m.MessageID != "" {
			c.chat.MarkDelivered(m.MessageID)
		}

	case protocol.TypeSystem:
		var m protocol.SystemMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		if isSystemError(m.System) {
			log.Printf("client: server reported: %s", m.System)
		}
		c.chat.ApplySystem(m.System)

	case protocol.TypeConnectionRejected:
		var m protocol.ConnectionRejectedMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		c.chat.ApplySystem(m.Reason)
		c.mu.Lock()
		c.serverError = true
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}

	default:
		log.Printf("client: unknown server message type %q", env.Type)
	}
}
