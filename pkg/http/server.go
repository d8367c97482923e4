// Package http exposes the operational HTTP surface: health checks,
// Prometheus metrics, the websocket event hub and the ingestion hooks.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"convopulse/pkg/correlation"
	"convopulse/pkg/errors"
	"convopulse/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// Server is the HTTP server for health, metrics, websocket and API routes
type Server struct {
	config     Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	handler    http.Handler
	startTime  time.Time

	checksMu sync.RWMutex
	checks   []healthCheck

	listener net.Listener
}

// NewServer creates a server with the health and metrics routes mounted
func NewServer(logger *logrus.Logger, config Config) *Server {
	s := &Server{
		config:    config,
		logger:    logger,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}

	correlationMW := correlation.NewHTTPMiddleware(logger, correlation.DefaultHTTPMiddlewareConfig())
	s.handler = correlationMW.Middleware(s.recoverMiddleware(s.mux))

	s.mux.HandleFunc("/health", s.HealthHandler)
	s.mux.HandleFunc("/health/live", s.LivenessHandler)
	s.mux.HandleFunc("/health/ready", s.ReadinessHandler)
	if config.EnableMetrics {
		metrics.RegisterHandler(s.mux)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// RegisterHandler mounts a handler function on pattern
func (s *Server) RegisterHandler(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
	s.logger.WithField("pattern", pattern).Debug("Registered HTTP handler")
}

// Handle mounts a handler on pattern
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the root handler including middleware
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the port and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind HTTP port").WithField("addr", s.httpServer.Addr)
	}
	s.listener = ln
	s.logger.WithField("addr", ln.Addr().String()).Info("HTTP server listening")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				correlation.LoggerFromContext(r.Context(), s.logger).WithFields(logrus.Fields{
					"panic": rec,
					"path":  r.URL.Path,
					"stack": string(debug.Stack()),
				}).Error("Recovered from panic in HTTP handler")
				errors.WriteError(w, errors.Wrap(errors.ErrInternalError, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// respondError writes err as JSON and logs it with the request's
// correlation fields and the error code sent to the client
func respondError(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, err error) {
	errors.WriteError(w, err)
	correlation.LoggerFromContext(r.Context(), logger).WithError(err).
		WithField("error_code", errors.GetErrorCode(err)).Warn("HTTP error response sent")
}
