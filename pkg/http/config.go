package http

import (
	"time"

	"convopulse/pkg/config"
)

// Config holds the HTTP server configuration
type Config struct {
	// Port is the HTTP server port; 0 picks a free port
	Port int `json:"port"`

	// EnableMetrics mounts the Prometheus endpoint
	EnableMetrics bool `json:"enable_metrics"`

	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// AllowedOrigins restricts browser websocket origins; empty allows all
	AllowedOrigins []string `json:"allowed_origins"`

	// PingInterval is how often idle websocket clients are pinged
	PingInterval time.Duration `json:"ping_interval"`

	// Version is reported by the health endpoint
	Version string `json:"version"`
}

// DefaultConfig returns the server defaults
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		EnableMetrics:   true,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		PingInterval:    30 * time.Second,
		Version:         "dev",
	}
}

// ConfigFromApp maps the application HTTP settings onto the server config
func ConfigFromApp(app config.HTTPConfig, version string) Config {
	cfg := DefaultConfig()
	cfg.Port = app.Port
	cfg.EnableMetrics = app.EnableMetrics
	cfg.AllowedOrigins = app.AllowedOrigins
	if app.ReadTimeout > 0 {
		cfg.ReadTimeout = app.ReadTimeout
	}
	if app.WriteTimeout > 0 {
		cfg.WriteTimeout = app.WriteTimeout
	}
	if app.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = app.ShutdownTimeout
	}
	if version != "" {
		cfg.Version = version
	}
	return cfg
}
