// Package httpapi serves a read-only JSON view of the chunk repository and,
// when a worker pool runs in the same process, its diagnostics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chunkpipe/internal/config"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/queue"
)

// Server owns the listener and http.Server for the status API.
type Server struct {
	bind   string
	logger *slog.Logger
	server *http.Server

	listener net.Listener
}

// NewServer prepares a server bound to cfg.Paths.APIBind.
func NewServer(cfg *config.Config, repo queue.Repository, provider StatusProvider, logger *slog.Logger) (*Server, error) {
	if cfg == nil || repo == nil {
		return nil, errors.New("httpapi: config and repository are required")
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, errors.New("httpapi: paths.api_bind is not set")
	}
	gin.SetMode(gin.ReleaseMode)
	logger = logging.NewComponentLogger(logger, "httpapi")

	return &Server{
		bind:   bind,
		logger: logger,
		server: &http.Server{
			Handler:           NewRouter(repo, provider, cfg.Paths.APIToken, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}, nil
}

// Start listens and serves in the background until ctx is cancelled or Stop
// is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.String(logging.FieldEventType, "api_listening"),
	)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}
