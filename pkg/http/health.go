package http

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"convopulse/pkg/telemetry/tracing"
)

const healthCheckTimeout = 2 * time.Second

// Health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains process resource information
type SystemInfo struct {
	GoRoutines         int    `json:"goroutines"`
	MemoryMB           uint64 `json:"memory_mb"`
	CPUCount           int    `json:"cpu_count"`
	ActivePipelineRuns int    `json:"active_pipeline_runs"`
}

// CheckFunc reports a dependency's health; a nil error is healthy
type CheckFunc func(ctx context.Context) error

type healthCheck struct {
	name     string
	critical bool
	check    CheckFunc
}

// AddHealthCheck registers a dependency check. A failing critical check makes
// the service unhealthy and not ready; any other failure only degrades it.
func (s *Server) AddHealthCheck(name string, critical bool, check CheckFunc) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks = append(s.checks, healthCheck{name: name, critical: critical, check: check})
}

// runChecks evaluates the registered checks, optionally only critical ones
func (s *Server) runChecks(ctx context.Context, criticalOnly bool) (string, map[string]CheckResult) {
	s.checksMu.RLock()
	checks := append([]healthCheck(nil), s.checks...)
	s.checksMu.RUnlock()

	status := StatusHealthy
	results := make(map[string]CheckResult, len(checks))
	for _, hc := range checks {
		if criticalOnly && !hc.critical {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := hc.check(checkCtx)
		cancel()

		if err == nil {
			results[hc.name] = CheckResult{Status: StatusHealthy}
			continue
		}
		if hc.critical {
			results[hc.name] = CheckResult{Status: StatusUnhealthy, Message: err.Error()}
			status = StatusUnhealthy
		} else {
			results[hc.name] = CheckResult{Status: StatusDegraded, Message: err.Error()}
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status, results
}

// HealthHandler reports every dependency check plus process stats
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, checks := s.runChecks(r.Context(), false)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	health := HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   s.config.Version,
		Checks:    checks,
		System: SystemInfo{
			GoRoutines:         runtime.NumGoroutine(),
			MemoryMB:           mem.Alloc / 1024 / 1024,
			CPUCount:           runtime.NumCPU(),
			ActivePipelineRuns: tracing.ActiveRuns(),
		},
	}

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// LivenessHandler reports that the process is serving
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ReadinessHandler reports ready unless a critical check fails
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status, checks := s.runChecks(r.Context(), true)
	if status == StatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not ready", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
