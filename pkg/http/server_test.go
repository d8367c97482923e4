package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"convopulse/pkg/config"
	"convopulse/pkg/correlation"
	"convopulse/pkg/metrics"
	"convopulse/pkg/telemetry/tracing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.EnableMetrics = false
	cfg.Version = "test"
	return NewServer(logger, cfg), hook
}

func getJSON(t *testing.T, handler http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return rr.Code, body
}

func TestHealthDegradedOnNonCriticalFailure(t *testing.T) {
	s, _ := newTestServer(t)
	s.AddHealthCheck("store", true, func(context.Context) error { return nil })
	s.AddHealthCheck("amqp", false, func(context.Context) error { return fmt.Errorf("not connected") })

	code, body := getJSON(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusDegraded, body["status"])
	assert.Equal(t, "test", body["version"])

	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, StatusHealthy, checks["store"].(map[string]interface{})["status"])
	amqp := checks["amqp"].(map[string]interface{})
	assert.Equal(t, StatusDegraded, amqp["status"])
	assert.Equal(t, "not connected", amqp["message"])

	code, body = getJSON(t, s.Handler(), "/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])
}

func TestHealthUnhealthyOnCriticalFailure(t *testing.T) {
	s, _ := newTestServer(t)
	s.AddHealthCheck("store", true, func(context.Context) error { return fmt.Errorf("connection refused") })

	code, body := getJSON(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, body["status"])

	code, body = getJSON(t, s.Handler(), "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", body["status"])

	code, body = getJSON(t, s.Handler(), "/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])
}

func TestHealthReportsActivePipelineRuns(t *testing.T) {
	s, _ := newTestServer(t)
	before := tracing.ActiveRuns()

	scope := tracing.StartRunScope(context.Background(), "health-run", "c1", "manual")
	_, body := getJSON(t, s.Handler(), "/health")
	system := body["system"].(map[string]interface{})
	assert.Equal(t, float64(before+1), system["active_pipeline_runs"])

	scope.End(nil)
	_, body = getJSON(t, s.Handler(), "/health")
	system = body["system"].(map[string]interface{})
	assert.Equal(t, float64(before), system["active_pipeline_runs"])
}

func TestHealthCheckHonoursTimeout(t *testing.T) {
	s, _ := newTestServer(t)
	s.AddHealthCheck("slow", true, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})

	code, _ := getJSON(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)
}

func TestPanicIsRecovered(t *testing.T) {
	s, hook := newTestServer(t)
	s.RegisterHandler("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotEmpty(t, rr.Header().Get(correlation.HTTPHeader))

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "Recovered from panic in HTTP handler" {
			found = true
			assert.Equal(t, "kaboom", e.Data["panic"])
			assert.NotEmpty(t, e.Data["correlation_id"])
		}
	}
	assert.True(t, found)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Init(nil)

	logger, _ := test.NewNullLogger()
	cfg := DefaultConfig()
	s := NewServer(logger, cfg)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, metrics.MetricsPath, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestServerStartAndShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Start())

	_, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/health/live", port))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "alive")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestConfigFromApp(t *testing.T) {
	cfg := ConfigFromApp(config.HTTPConfig{
		Port:           9000,
		EnableMetrics:  true,
		AllowedOrigins: []string{"https://ops.example"},
	}, "1.2.3")
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	assert.Equal(t, []string{"https://ops.example"}, cfg.AllowedOrigins)
}
