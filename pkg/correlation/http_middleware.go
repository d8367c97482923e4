package correlation

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// HTTPMiddleware stamps every request with a correlation ID
type HTTPMiddleware struct {
	logger            *logrus.Logger
	generateIfMissing bool
	logRequests       bool
}

// HTTPMiddlewareConfig configures the HTTP correlation middleware
type HTTPMiddlewareConfig struct {
	// GenerateIfMissing creates an ID when the caller sent none
	GenerateIfMissing bool

	// LogRequests logs each request with its correlation ID
	LogRequests bool
}

// DefaultHTTPMiddlewareConfig returns the defaults used by the API server
func DefaultHTTPMiddlewareConfig() *HTTPMiddlewareConfig {
	return &HTTPMiddlewareConfig{
		GenerateIfMissing: true,
		LogRequests:       true,
	}
}

// NewHTTPMiddleware creates the middleware
func NewHTTPMiddleware(logger *logrus.Logger, config *HTTPMiddlewareConfig) *HTTPMiddleware {
	if config == nil {
		config = DefaultHTTPMiddlewareConfig()
	}

	return &HTTPMiddleware{
		logger:            logger,
		generateIfMissing: config.GenerateIfMissing,
		logRequests:       config.LogRequests,
	}
}

// Middleware wraps next with correlation tracking
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := NewRequestInfo(clientIP(r), r.Method, r.URL.Path)
		info.CorrelationID = requestCorrelationID(r)
		if info.CorrelationID.IsEmpty() && m.generateIfMissing {
			info.CorrelationID = New()
		}

		r = r.WithContext(info.ToContext(r.Context()))
		if !info.CorrelationID.IsEmpty() {
			w.Header().Set(HTTPHeader, info.CorrelationID.String())
			w.Header().Set(HTTPRequestIDHeader, info.CorrelationID.String())
		}

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		if !m.logRequests || m.logger == nil {
			return
		}
		entry := m.logger.WithFields(logrus.Fields{
			"correlation_id": info.CorrelationID.String(),
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         rw.status,
			"duration_ms":    info.Duration().Milliseconds(),
			"client_ip":      info.ClientIP,
		})
		switch {
		case rw.hijacked:
			entry.Debug("HTTP connection upgraded")
		case rw.status >= 500:
			entry.Error("HTTP request failed")
		case rw.status >= 400:
			entry.Warn("HTTP request rejected")
		default:
			entry.Debug("HTTP request served")
		}
	})
}

func requestCorrelationID(r *http.Request) ID {
	for _, h := range []string{HTTPHeader, HTTPRequestIDHeader, HTTPTraceIDHeader} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return ID(v)
		}
	}
	return ""
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); net.ParseIP(xri) != nil {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status and passes through hijacking
// so websocket upgrades work behind the middleware
type statusRecorder struct {
	http.ResponseWriter
	status   int
	written  bool
	hijacked bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.hijacked = true
	return h.Hijack()
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
