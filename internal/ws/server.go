// Package ws handles WebSocket connection management: upgrading HTTP
// connections, connect-time throttling, maintaining the set of live
// connections, heartbeat-based liveness detection, and feeding inbound frames
// to the pairing core.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/anonychat/anonychat/internal/events"
	"github.com/anonychat/anonychat/internal/metrics"
	"github.com/anonychat/anonychat/internal/protocol"
	"github.com/anonychat/anonychat/internal/throttle"
)

// CloseCodeThrottled is the reserved close code sent after a
// connection_rejected message. It is distinct from the client's own
// deliberate 1000 "Reconnecting" close so the client state machine can tell
// the two apart.
const CloseCodeThrottled ws.StatusCode = 4000

// Names under which a legacy session token may arrive.
const (
	tokenQueryParam = "session"
	tokenCookie     = "anonychat_session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr            string        // address to listen on, e.g. ":8080"
	WorkerPoolSize        int           // max concurrent read-worker goroutines
	MaxConnections        int           // hard cap on total connections
	ReadTimeout           time.Duration // timeout for WebSocket read operations
	WriteTimeout          time.Duration // timeout for WebSocket write operations
	MinConnectionInterval time.Duration // reconnects within this window are rejected
	Heartbeat             HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:            ":8080",
		WorkerPoolSize:        256,
		MaxConnections:        100000,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		MinConnectionInterval: 500 * time.Millisecond,
		Heartbeat:             DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with the poller for I/O
// readiness, and dispatches ready connections to a bounded worker pool for
// frame reading. All application semantics live behind the three callbacks.
type Server struct {
	config  ServerConfig
	poller  *Poller
	conns   *ConnectionManager
	limiter *throttle.Limiter
	events  *events.Logger

	onConnect    func(connID, userID string)
	onMessage    func(connID string, data []byte)
	onDisconnect func(connID string)

	httpServer *http.Server
	done       chan struct{}
	workerPool chan struct{} // semaphore limiting concurrent read workers
	startedAt  time.Time
	closeOnce  sync.Once
}

// NewServer creates a Server. The callbacks are registered afterwards via the
// SetOn* methods because the pairing hub needs the server as its transport
// before it can provide them.
func NewServer(config ServerConfig, limiter *throttle.Limiter, ev *events.Logger) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		limiter:    limiter,
		events:     ev,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers the callback invoked once a connection completed the
// handshake (connection_established already sent).
func (s *Server) SetOnConnect(fn func(connID, userID string)) { s.onConnect = fn }

// SetOnMessage registers the callback invoked from a worker goroutine for
// every complete text frame received from a client.
func (s *Server) SetOnMessage(fn func(connID string, data []byte)) { s.onMessage = fn }

// SetOnDisconnect registers the callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) { s.onDisconnect = fn }

// Start initializes the poller, configures the HTTP server, and begins
// accepting WebSocket connections. It blocks on ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.eventLoop()

	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// throttleIdentity determines the throttle key and optional legacy session
// token for a request. The token, when present, pins both the throttle
// identity and the userId across reconnects; otherwise the remote address is
// used for throttling and the fresh connection id becomes the userId.
func throttleIdentity(r *http.Request) (key, token string) {
	if v := r.URL.Query().Get(tokenQueryParam); v != "" {
		return v, v
	}
	if c, err := r.Cookie(tokenCookie); err == nil && c.Value != "" {
		return c.Value, c.Value
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host, ""
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection. Throttled
// clients are told why and closed with the reserved code; accepted clients
// get connection_established followed by the hub's stats broadcast.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	throttleKey, token := throttleIdentity(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	allowed := s.limiter.Allow(ctx, throttleKey)
	cancel()
	if !allowed {
		s.reject(conn, throttleKey, "Reconnecting too fast. Please wait a moment.")
		return
	}

	connID := uuid.New().String()
	userID := token
	if userID == "" {
		userID = connID
	}

	c := &Connection{
		ID:          connID,
		UserID:      userID,
		ThrottleKey: throttleKey,
		Conn:        conn,
		Fd:          socketFD(conn),
		CreatedAt:   time.Now(),
	}
	c.MarkAlive()

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed for conn %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}

	established := protocol.MustServerMessage(protocol.TypeConnectionEstablished,
		protocol.ConnectionEstablishedMsg{UserID: userID})
	if err := c.WriteMessage(established); err != nil {
		log.Printf("ws: failed to send connection_established to %s: %v", connID, err)
	}

	if s.onConnect != nil {
		s.onConnect(connID, userID)
	}

	log.Printf("ws: new connection id=%s user=%s (total=%d)", connID, userID, s.conns.Count())
}

// reject tells a throttled socket why it is being refused, then closes it
// with the reserved code. The connection never enters the manager.
func (s *Server) reject(conn net.Conn, throttleKey, reason string) {
	metrics.RejectedConnectionsTotal.Inc()
	s.events.ConnectionRejected(throttleKey, reason)

	msg := protocol.MustServerMessage(protocol.TypeConnectionRejected,
		protocol.ConnectionRejectedMsg{Reason: reason})
	_ = wsutil.WriteServerMessage(conn, ws.OpText, msg)
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(CloseCodeThrottled, "throttled")))
	_ = conn.Close()
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// eventLoop runs the poller wait loop, dispatching each ready connection to a
// worker goroutine bounded by the pool semaphore.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a data
// frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale poller
		// dispatch); the heartbeat owns dead-connection detection.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.MarkAlive()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: liveness already recorded, nothing else to do.
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c.ID, data)
	}
}

// RemoveConnection removes a connection from both the poller and the manager
// and closes the socket. Exported so the heartbeat monitor can evict dead
// connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager; a read
	// error and a heartbeat timeout can race to remove the same one.
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// Send writes a text frame to the connection identified by connID. It
// implements the hub's Transport interface and is goroutine-safe via the
// per-connection write mutex.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Close terminates the connection identified by connID, running the full
// disconnect cleanup. It implements the hub's Transport interface.
func (s *Server) Close(connID string) {
	if c := s.conns.Get(connID); c != nil {
		s.RemoveConnection(c)
	}
}

// Connections returns the ConnectionManager for the heartbeat monitor.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: stop accepting, stop the event loop
// and heartbeat, close all live sockets, release the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = s.poller.Remove(c.Conn)
		_ = c.Close()
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks for the interrupted-syscall error, which is expected during
// signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" || err.Error() == "errno 4"
}
