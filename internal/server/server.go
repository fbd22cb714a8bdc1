package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
)

// Server is the HTTP front of the coordination API.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer binds the router to an address.
func NewServer(h *Handlers, host string, port int, log *logger.Logger) *Server {
	router := NewRouter(h, log)
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // websocket streams stay open
			IdleTimeout:  60 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "http-server")),
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
