// Package server exposes the real-time WebSocket endpoint and the
// operational gRPC listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yodatable/yoda-server-go/internal/auth"
	"github.com/yodatable/yoda-server-go/internal/config"
	"github.com/yodatable/yoda-server-go/internal/router"
	"github.com/yodatable/yoda-server-go/internal/session"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	defaultPongWait = 60 * time.Second
)

// Authenticator resolves the identity of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

const healthCheckTimeout = 2 * time.Second

// WebSocketServer accepts authenticated connections and feeds their frames
// to the router.
type WebSocketServer struct {
	cfg       config.WebSocketConfig
	policy    session.OverflowPolicy
	writeWait time.Duration
	pongWait  time.Duration

	auth   Authenticator
	router *router.Router
	hub    *session.Hub
	db     Pinger
	logger *zap.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	active map[*session.Connection]struct{}
	wg     sync.WaitGroup
}

// NewWebSocketServer builds the HTTP handler tree for /ws and /health. A nil
// db skips the database check on /health.
func NewWebSocketServer(cfg config.WebSocketConfig, authn Authenticator, r *router.Router, hub *session.Hub, db Pinger, logger *zap.Logger) (*WebSocketServer, error) {
	policy, err := session.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &WebSocketServer{
		cfg:       cfg,
		policy:    policy,
		writeWait: durationOr(cfg.WriteTimeout, defaultWriteWait),
		pongWait:  durationOr(cfg.PongTimeout, defaultPongWait),
		auth:      authn,
		router:    r,
		hub:       hub,
		db:        db,
		logger:    logger,
		baseCtx:   ctx,
		cancel:    cancel,
		active:    make(map[*session.Connection]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	path := cfg.Path
	if path == "" {
		path = "/ws"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Handler returns the HTTP handler, for embedding in tests.
func (s *WebSocketServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve accepts connections on lis until Shutdown.
func (s *WebSocketServer) Serve(lis net.Listener) error {
	s.logger.Info("starting WebSocket server",
		zap.String("address", lis.Addr().String()),
		zap.String("path", s.cfg.Path),
		zap.String("overflow_policy", string(s.policy)),
	)
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve websocket: %w", err)
	}
	return nil
}

// Shutdown stops accepting upgrades, closes every live connection and waits
// for their loops to finish or ctx to expire.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.cancel()

	s.mu.Lock()
	for conn := range s.active {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err != nil {
		return fmt.Errorf("shutdown websocket server: %w", err)
	}
	return nil
}

// checkOrigin admits requests without an Origin header (non-browser clients)
// and, when allowed_origins is set, browsers from those origins only.
func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"sessions": s.hub.SessionCount(),
	}
	code := http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("health check: database unreachable", zap.Error(err))
			body["status"] = "degraded"
			body["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			body["database"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Warn("websocket connection rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		if errors.Is(err, auth.ErrMissingToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrUnknownUser) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		} else {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := session.NewConnection(identity.UserID, identity.Username, s.cfg.SendBuffer, s.policy)
	if !s.track(conn) {
		_ = ws.Close()
		return
	}
	client := router.NewClient(conn)

	s.logger.Info("websocket connected",
		zap.String("user_id", identity.UserID.String()),
		zap.String("username", identity.Username),
		zap.String("remote_addr", r.RemoteAddr),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(ws, conn)
	}()
	s.readPump(ws, client)
}

// track registers conn for shutdown. It fails once shutdown has begun.
func (s *WebSocketServer) track(conn *session.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx.Err() != nil {
		return false
	}
	s.active[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *WebSocketServer) untrack(conn *session.Connection) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// readPump runs the router for each inbound frame, one at a time. When it
// returns the client has been detached and the connection closed.
func (s *WebSocketServer) readPump(ws *websocket.Conn, client *router.Client) {
	conn := client.Conn
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer func() {
		cancel()
		s.router.Disconnect(client)
		conn.Close()
		_ = ws.Close()
		s.untrack(conn)
		s.logger.Info("websocket disconnected",
			zap.String("user_id", conn.UserID.String()),
			zap.Uint64("dropped_frames", conn.Dropped()),
		)
	}()

	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	_ = ws.SetReadDeadline(time.Now().Add(s.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		kind, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error",
					zap.String("user_id", conn.UserID.String()),
					zap.Error(err),
				)
			}
			return
		}
		if kind != websocket.TextMessage {
			s.logger.Debug("ignoring non-text frame", zap.Int("frame_type", kind))
			continue
		}

		s.router.Handle(ctx, client, frame)
		if conn.Closed() {
			return
		}
	}
}

// writePump drains the connection's outbound queue and keeps the peer alive
// with pings. It owns every write to ws.
func (s *WebSocketServer) writePump(ws *websocket.Conn, conn *session.Connection) {
	ticker := time.NewTicker(s.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("websocket write failed",
					zap.String("user_id", conn.UserID.String()),
					zap.Error(err),
				)
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-conn.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.writeWait))
			return
		}
	}
}
