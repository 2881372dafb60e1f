// Package server exposes the upload protocol over WebSocket. Each accepted
// connection is served by its own goroutine running Handler.Serve.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wsupload/internal/upload"
	"wsupload/pkg/config"
	"wsupload/pkg/logger"
)

// Server accepts WebSocket connections on a single path.
type Server struct {
	cfg        config.ServerConfig
	handler    *Handler
	upgrader   websocket.Upgrader
	ids        *connIDGenerator
	httpServer *http.Server
	logger     *logger.Logger

	mu      sync.Mutex
	closing bool
	conns   map[*websocket.Conn]struct{}
	active  sync.WaitGroup
}

// New returns a Server dispatching connections to a Handler backed by
// manager.
func New(cfg config.ServerConfig, manager *upload.Manager, log *logger.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: NewHandler(manager, log),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			// No origin policy: the protocol has no authentication and
			// clients are usually not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ids:    newConnIDGenerator("conn"),
		conns:  make(map[*websocket.Conn]struct{}),
		logger: log.WithField("component", "ws-server"),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, s)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.HandshakeTimeout,
	}

	return s
}

// ServeHTTP upgrades the request and runs the upload read loop until the
// connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn("websocket handshake failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	if !s.track(conn) {
		s.logger.Debug("connection refused during shutdown", "remote", r.RemoteAddr)
		return
	}
	defer s.untrack(conn)

	if err := s.handler.Serve(conn, s.ids.Next()); err != nil {
		s.logger.Debug("connection terminated", "remote", r.RemoteAddr, "error", err)
	}
}

// Serve accepts connections on lis until Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("websocket listening", "address", lis.Addr().String(), "path", s.cfg.Path)

	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, asks open connections to go away
// and waits for their read loops to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	s.closing = true
	open := len(s.conns)
	for conn := range s.conns {
		goAway(conn)
	}
	s.mu.Unlock()

	if open > 0 {
		s.logger.Info("closing open connections", "count", open)
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// track registers conn with the server. Once Shutdown has started it
// closes conn instead and reports false.
func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		goAway(conn)
		return false
	}
	s.conns[conn] = struct{}{}
	s.active.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	_ = conn.Close()
	s.active.Done()
}

func goAway(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
