package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatgate/internal/config"
	"github.com/cory-johannsen/chatgate/internal/gateway"
	"github.com/cory-johannsen/chatgate/internal/room"
	"github.com/cory-johannsen/chatgate/internal/server"
)

// Server is the HTTP listener carrying the websocket upgrade route and the
// status endpoints.
type Server struct {
	cfg           config.HTTPConfig
	maxFrameBytes int64
	gateway       *gateway.Gateway
	registry      *room.Registry
	logger        *zap.Logger
	upgrader      websocket.Upgrader

	// ctx is cancelled by Stop so hijacked connections end with the server.
	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	stopped  bool
}

// NewServer creates a Server.
//
// Precondition: gw, registry and logger must be non-nil; cfg must have passed validation.
func NewServer(cfg config.HTTPConfig, maxFrameBytes int64, gw *gateway.Gateway, registry *room.Registry, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		maxFrameBytes: maxFrameBytes,
		gateway:       gw,
		registry:      registry,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the route table. It is exported for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /rooms", s.handleRooms)
	return mux
}

// ListenAndServe binds the configured address and serves until Stop.
//
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(listener)
}

// Serve serves HTTP on listener until Stop.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.mu.Lock()
	s.http = srv
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("websocket server listening", zap.String("addr", listener.Addr().String()))
	if err := server.IgnoreClosed(srv.Serve(listener), http.ErrServerClosed); err != nil {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down, ends every websocket session and waits
// for them to clean up.
func (s *Server) Stop() {
	s.cancel()

	s.mu.Lock()
	s.stopped = true
	srv := s.http
	s.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	}
	s.conns.Wait()
	s.logger.Info("websocket server stopped")
}

// Addr returns the bound address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	return lo.Contains(s.cfg.AllowedOrigins, "*") || lo.Contains(s.cfg.AllowedOrigins, origin)
}

// credential extracts a transport-level token. An empty result means the
// client must authenticate with a frame.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	token := credential(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	conn := NewConn(ws, s.maxFrameBytes, s.cfg.PingInterval, s.cfg.PongTimeout, s.cfg.WriteTimeout)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.conns.Done()
		start := time.Now()
		if err := s.gateway.Serve(s.ctx, conn, token); err != nil {
			s.logger.Debug("session ended",
				zap.String("remote_addr", conn.RemoteAddr()),
				zap.Error(err),
				zap.Duration("duration", time.Since(start)),
			)
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	rooms, sessions := s.registry.Stats()
	writeJSON(w, map[string]int{"rooms": rooms, "sessions": sessions})
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.registry.Rooms())
}
