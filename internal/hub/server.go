package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/makt28/vigil/internal/protocol"
)

const (
	// writeTimeout is the deadline for a single write to a validator.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-connection outgoing message buffer depth.
	sendBufSize = 64

	maxMessageSize = 64 << 10
)

var (
	ErrConnClosed     = errors.New("hub: connection closed")
	ErrSendBufferFull = errors.New("hub: send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Validators are not browsers; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts validator websocket connections and routes their messages
// to the registry and the correlator.
type Server struct {
	registry   *Registry
	correlator *Correlator
}

func NewServer(registry *Registry, correlator *Correlator) *Server {
	return &Server{registry: registry, correlator: correlator}
}

// wsConn is one validator connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// Send queues msg for the write pump without blocking.
func (c *wsConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &wsConn{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	defer func() {
		s.registry.Remove(c)
		c.close()
	}()

	go c.writePump()
	s.readPump(r.Context(), c, remoteIP(r))
}

func (s *Server) readPump(ctx context.Context, c *wsConn, remote string) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("validator connection closed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(ctx, c, remote, raw)
	}
}

func (s *Server) handle(ctx context.Context, c *wsConn, remote string, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		slog.Debug("dropping malformed message", "error", err)
		return
	}

	switch env.Type {
	case protocol.TypeSignup:
		var req protocol.SignupRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			slog.Debug("dropping malformed signup", "error", err)
			return
		}
		if req.IP == "" {
			req.IP = remote
		}
		if _, err := s.registry.Signup(ctx, c, req); err != nil && !errors.Is(err, ErrUnverified) {
			slog.Error("signup failed", "ip", req.IP, "error", err)
		}
	case protocol.TypeValidate:
		var resp protocol.ValidateResponse
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			slog.Debug("dropping malformed validate response", "error", err)
			return
		}
		s.correlator.Resolve(c, resp)
	default:
		slog.Debug("dropping message of unhandled type", "type", env.Type)
	}
}

// writePump drains the send channel and emits periodic pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
