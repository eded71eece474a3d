// ABOUTME: WebSocket control socket: upgrades /ws, authenticates optionally,
// ABOUTME: registers connections in the pool, and feeds envelopes to the router.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/batonhq/baton/internal/auth"
	"github.com/batonhq/baton/internal/connpool"
	"github.com/batonhq/baton/internal/protocol"
	"github.com/batonhq/baton/internal/router"
)

const (
	writeTimeout      = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
	maxMessageBytes   = 1 << 20
	readBufferBytes   = 4096
	writeBufferBytes  = 4096
	connKindOperator  = "operator"
	connKindAnonymous = "anonymous"
)

// Config holds the server's listen address and optional authentication.
type Config struct {
	Bind     string        // defaults to all interfaces
	Port     int           // 0 picks an ephemeral port
	Verifier auth.Verifier // nil disables auth
	ServerID string
	Logger   *slog.Logger
}

// Server owns the HTTP listener and the lifetime of every WebSocket
// connection. Start and Stop are each safe to call more than once.
type Server struct {
	cfg    Config
	pool   *connpool.Pool
	router *router.Router
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	running  bool
	listener net.Listener
	httpSrv  *http.Server
	port     int
	connCtx  context.Context
	connStop context.CancelFunc
}

// Status is a point-in-time snapshot of the server lifecycle.
type Status struct {
	IsRunning bool
	Port      int
}

func New(cfg Config, pool *connpool.Pool, r *router.Router) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.New().String()
	}
	return &Server{
		cfg:    cfg,
		pool:   pool,
		router: r,
		logger: logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferBytes,
			WriteBufferSize: writeBufferBytes,
			// Local orchestrator; clients are CLI processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds the listener and begins serving. Starting on an occupied port
// surfaces the bind error instead of failing silently; that includes a second
// Start while already running, which fails against the server's own listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port := s.cfg.Port
	if s.running {
		// Re-bind against the port we already hold so the caller sees the
		// same failure a second process would.
		port = s.port
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.httpSrv = &http.Server{Handler: mux}
	s.connCtx, s.connStop = context.WithCancel(context.Background())
	s.running = true

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "error", err)
		}
	}()

	s.logger.Info("server started", "port", s.port, "auth", s.cfg.Verifier != nil)
	return nil
}

// Stop shuts the listener down and closes every live connection. Stopping a
// stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpSrv
	stop := s.connStop
	s.mu.Unlock()

	stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Status reports whether the server is running and on which port.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{IsRunning: s.running, Port: s.port}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.pool.Size())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	kind := connKindAnonymous
	var identity auth.Identity
	if s.cfg.Verifier != nil {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		id, err := s.cfg.Verifier.Verify(token)
		if err != nil {
			s.logger.Warn("rejected connection", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		identity = id
		kind = string(id.Role)
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	connID := uuid.New().String()
	conn := newWSConn(ws)
	s.pool.Add(connID, conn, connpool.Metadata{
		Kind:        kind,
		AgentID:     agentIDFor(identity),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
	})
	s.logger.Info("connection established", "conn_id", connID, "remote", r.RemoteAddr, "kind", kind)

	welcome := protocol.MustEnvelope(protocol.ConnectionEstablished, protocol.ConnectionEstablishedPayload{
		ConnectionID: connID,
		ServerID:     s.cfg.ServerID,
	})
	if err := conn.WriteEnvelope(welcome); err != nil {
		s.logger.Warn("failed to send welcome", "conn_id", connID, "error", err)
	}

	go s.readLoop(connID, conn)
}

// readLoop drains one connection until it closes, routing each envelope.
func (s *Server) readLoop(connID string, conn *wsConn) {
	defer func() {
		s.pool.Remove(connID)
		s.logger.Info("connection closed", "conn_id", connID)
	}()

	s.mu.Lock()
	ctx := s.connCtx
	s.mu.Unlock()

	conn.ws.SetReadLimit(maxMessageBytes)
	for {
		var env protocol.Envelope
		if err := conn.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("read failed", "conn_id", connID, "error", err)
			}
			return
		}
		s.router.Route(ctx, &env, connID)
	}
}

func agentIDFor(id auth.Identity) string {
	if id.Role == auth.RoleAgent {
		return id.ClientID
	}
	return ""
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// WebSocket clients that cannot set headers pass the token as a query
	// parameter instead.
	return r.URL.Query().Get("token")
}

// wsConn adapts a gorilla connection to the pool's Conn interface. Gorilla
// permits one concurrent writer, so writes serialize on a mutex.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) WriteEnvelope(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
