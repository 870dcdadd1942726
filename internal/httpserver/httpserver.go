// Package httpserver provides a gracefully-stoppable HTTP server wrapper
// shared by the API and command listeners.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"catenis-api-emulator/internal/logging"
)

// ErrAlreadyRunning is returned when Start is called on a running server.
var ErrAlreadyRunning = errors.New("server already running")

// Server wraps http.Server so the listener is bound before Start returns and
// shutdown can be driven from the control plane. Safe for concurrent use.
type Server struct {
	name    string
	addr    string
	handler http.Handler

	runLock sync.Mutex
	running bool
	srv     *http.Server
	port    int
}

// New creates a server for the handler. Port 0 asks the OS for a free port;
// the bound port is available from Port after Start.
func New(name string, port int, handler http.Handler) *Server {
	return &Server{
		name:    name,
		addr:    fmt.Sprintf(":%d", port),
		handler: handler,
	}
}

// Start binds the listener and begins serving in the background. When Start
// returns without error the socket is accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.runLock.Lock()
	defer s.runLock.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.srv = &http.Server{Handler: s.handler}

	go func(ctx context.Context) {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.FromContext(ctx).Errorf("%s: serving error: %v", s.name, err)
		}
	}(ctx)

	s.running = true
	return nil
}

// Port returns the bound port. Valid only after a successful Start.
func (s *Server) Port() int {
	s.runLock.Lock()
	defer s.runLock.Unlock()
	return s.port
}

// Stop shuts the server down, waiting for in-flight requests up to the
// context deadline. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.runLock.Lock()
	defer s.runLock.Unlock()

	if !s.running {
		return nil
	}

	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown %s: %w", s.name, err)
	}

	s.running = false
	return nil
}
