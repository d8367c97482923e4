package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// cronParser accepts the seconds-enabled specs the scheduler runs
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ConfigValidator handles configuration validation
type ConfigValidator struct {
	logger   *logrus.Logger
	errors   []ValidationError
	warnings []ValidationWarning
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value"`
	Rule    string      `json:"rule"`
	Message string      `json:"message"`
}

// ValidationWarning represents a configuration validation warning
type ValidationWarning struct {
	Field      string      `json:"field"`
	Value      interface{} `json:"value"`
	Message    string      `json:"message"`
	Suggestion string      `json:"suggestion,omitempty"`
}

// ValidationResult represents the result of configuration validation
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []ValidationError   `json:"errors,omitempty"`
	Warnings []ValidationWarning `json:"warnings,omitempty"`
	Summary  string              `json:"summary"`
}

// NewConfigValidator creates a new configuration validator
func NewConfigValidator(logger *logrus.Logger) *ConfigValidator {
	return &ConfigValidator{
		logger:   logger,
		errors:   make([]ValidationError, 0),
		warnings: make([]ValidationWarning, 0),
	}
}

// ValidateConfig validates the entire configuration
func (v *ConfigValidator) ValidateConfig(config *Config) *ValidationResult {
	v.errors = make([]ValidationError, 0)
	v.warnings = make([]ValidationWarning, 0)

	v.validateHTTPConfig(config)
	v.validatePipelineConfig(config)
	v.validateScoringConfig(config)
	v.validateDetectorConfig(config)
	v.validateAlertingConfig(config)
	v.validateStorageConfig(config)
	v.validateMessagingConfig(config)
	v.validateLoggingConfig(config)

	result := &ValidationResult{
		Valid:    len(v.errors) == 0,
		Errors:   v.errors,
		Warnings: v.warnings,
	}
	result.Summary = v.generateSummary()

	if len(v.errors) > 0 {
		v.logger.WithField("error_count", len(v.errors)).Error("Configuration validation failed")
		for _, err := range v.errors {
			v.logger.WithFields(logrus.Fields{
				"field": err.Field,
				"value": err.Value,
				"rule":  err.Rule,
			}).Error(err.Message)
		}
	}

	if len(v.warnings) > 0 {
		v.logger.WithField("warning_count", len(v.warnings)).Warning("Configuration validation completed with warnings")
		for _, warning := range v.warnings {
			v.logger.WithFields(logrus.Fields{
				"field": warning.Field,
				"value": warning.Value,
			}).Warning(warning.Message)
		}
	}

	return result
}

func (v *ConfigValidator) validateHTTPConfig(config *Config) {
	if !config.HTTP.Enabled {
		return
	}
	if !v.isValidPort(config.HTTP.Port) {
		v.addError("http_port", config.HTTP.Port, "range", "Invalid HTTP port")
	}
	if config.HTTP.ReadTimeout < time.Second || config.HTTP.ReadTimeout > 5*time.Minute {
		v.addError("http_read_timeout", config.HTTP.ReadTimeout, "range", "HTTP read timeout must be between 1s and 5m")
	}
	if config.HTTP.WriteTimeout < time.Second || config.HTTP.WriteTimeout > 5*time.Minute {
		v.addError("http_write_timeout", config.HTTP.WriteTimeout, "range", "HTTP write timeout must be between 1s and 5m")
	}
}

func (v *ConfigValidator) validatePipelineConfig(config *Config) {
	p := config.Pipeline
	if p.RealtimeWindow <= 0 {
		v.addError("pipeline_realtime_window", p.RealtimeWindow, "positive", "Real-time window must be positive")
	}
	if p.RealtimeHistory < 1 {
		v.addError("pipeline_realtime_history", p.RealtimeHistory, "positive", "Real-time history limit must be at least 1")
	}
	if p.PeriodicHistory < 1 {
		v.addError("pipeline_periodic_history", p.PeriodicHistory, "positive", "Periodic history limit must be at least 1")
	}
	if p.RunTimeout <= 0 {
		v.addError("pipeline_run_timeout", p.RunTimeout, "positive", "Run timeout must be positive")
	}
	if p.Workers < 1 {
		v.addError("pipeline_workers", p.Workers, "positive", "At least one pipeline worker is required")
	}
	if p.QueueSize < p.Workers {
		v.addWarning("pipeline_queue_size", p.QueueSize, "Queue smaller than the worker count drops bursts early", "Use at least one slot per worker")
	}
	if p.SweepConcurrency < 1 {
		v.addError("pipeline_sweep_concurrency", p.SweepConcurrency, "positive", "Sweep concurrency must be at least 1")
	}

	schedules := map[string]string{
		"pipeline_hourly_schedule":  p.HourlySchedule,
		"pipeline_daily_schedule":   p.DailySchedule,
		"pipeline_weekly_schedule":  p.WeeklySchedule,
		"pipeline_monthly_schedule": p.MonthlySchedule,
		"pipeline_purge_schedule":   p.PurgeSchedule,
	}
	for field, spec := range schedules {
		if spec == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			v.addError(field, spec, "cron", fmt.Sprintf("Invalid cron spec: %v", err))
		}
	}
}

func (v *ConfigValidator) validateScoringConfig(config *Config) {
	if err := config.Scoring.Validate(); err != nil {
		v.addError("scoring_weights", config.Scoring, "sum", err.Error())
	}
}

func (v *ConfigValidator) validateDetectorConfig(config *Config) {
	d := config.Detector
	if d.LatencyZScoreHigh < d.LatencyZScore {
		v.addError("detector_latency_z_high", d.LatencyZScoreHigh, "order", "High latency z-score must not be below the base z-score")
	}
	if d.QualityAlpha <= 0 || d.QualityAlpha > 1 {
		v.addError("detector_quality_alpha", d.QualityAlpha, "range", "EWMA alpha must be in (0, 1]")
	}
	if d.ToxicityHigh < d.Toxicity {
		v.addError("detector_toxicity_high", d.ToxicityHigh, "order", "High toxicity threshold must not be below the base threshold")
	}
	if d.SentimentHigh > d.Sentiment {
		v.addError("detector_sentiment_high", d.SentimentHigh, "order", "High sentiment threshold must not be above the base threshold")
	}
	if d.DelayedResponseHighMs < d.DelayedResponseMs {
		v.addError("detector_delayed_response_high_ms", d.DelayedResponseHighMs, "order", "High delayed response threshold must not be below the base threshold")
	}
	if d.ZeroVarianceFraction < 0 || d.ZeroVarianceFraction > 1 {
		v.addError("detector_zero_variance_fraction", d.ZeroVarianceFraction, "range", "Zero variance fraction must be between 0 and 1")
	}
	if d.ZeroVarianceStdDev <= 0 && d.ZeroVarianceFraction <= 0 {
		v.addWarning("detector_zero_variance_stddev", d.ZeroVarianceStdDev, "Latency spikes over a flat history will never be reported", "Set a positive floor such as 1 or a fraction such as 0.1")
	}
}

func (v *ConfigValidator) validateAlertingConfig(config *Config) {
	a := config.Alerting
	for field, raw := range map[string]string{
		"alert_webhook_url":       a.WebhookURL,
		"alert_slack_webhook_url": a.SlackWebhookURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			v.addError(field, raw, "url", "Notification URL must be absolute")
		}
	}
	if !v.contains([]string{"info", "warning", "critical"}, a.MinLevel) {
		v.addError("alert_notify_min_level", a.MinLevel, "supported", "Minimum notification level must be info, warning or critical")
	}
	if a.NotifyRate <= 0 {
		v.addError("alert_notify_rate", a.NotifyRate, "positive", "Notification rate must be positive")
	}
}

func (v *ConfigValidator) validateStorageConfig(config *Config) {
	s := config.Storage
	switch s.Backend {
	case BackendMemory:
	case BackendRedis:
		if s.Redis.Address == "" {
			v.addError("redis_addr", s.Redis.Address, "required", "REDIS_ADDR is required for the redis backend")
		}
		if s.Redis.SnapshotRetention < time.Hour {
			v.addWarning("redis_snapshot_retention", s.Redis.SnapshotRetention, "Retention shorter than an hour starves the detector of history", "Keep at least 24h")
		}
	case BackendMySQL:
		if s.MySQL.DSN == "" {
			v.addError("mysql_dsn", "", "required", "MYSQL_DSN is required for the mysql backend")
		}
	default:
		v.addError("storage_backend", s.Backend, "supported", "Storage backend must be memory, redis or mysql")
	}
}

func (v *ConfigValidator) validateMessagingConfig(config *Config) {
	m := config.Messaging
	if !m.AMQPEnabled {
		return
	}
	if m.AMQPURL == "" {
		v.addError("amqp_url", "", "required", "AMQP_URL is required when AMQP is enabled")
	} else if !strings.HasPrefix(m.AMQPURL, "amqp://") && !strings.HasPrefix(m.AMQPURL, "amqps://") {
		v.addError("amqp_url", "<redacted>", "scheme", "AMQP_URL must use the amqp or amqps scheme")
	}
	if m.Exchange == "" {
		v.addError("amqp_exchange", m.Exchange, "required", "AMQP exchange name is required")
	}
}

func (v *ConfigValidator) validateLoggingConfig(config *Config) {
	validLevels := []string{"trace", "debug", "info", "warn", "warning", "error", "fatal", "panic"}
	if config.Logging.Level != "" && !v.contains(validLevels, strings.ToLower(config.Logging.Level)) {
		v.addError("log_level", config.Logging.Level, "supported", "Invalid log level")
	}

	validFormats := []string{"text", "json"}
	if config.Logging.Format != "" && !v.contains(validFormats, strings.ToLower(config.Logging.Format)) {
		v.addError("log_format", config.Logging.Format, "supported", "Invalid log format")
	}

	if config.Logging.OutputFile != "" {
		logDir := filepath.Dir(config.Logging.OutputFile)
		if !v.directoryExists(logDir) {
			v.addError("log_file", config.Logging.OutputFile, "exists", "Log directory does not exist")
		}
	}
}

func (v *ConfigValidator) isValidPort(port int) bool {
	return port > 0 && port <= 65535
}

func (v *ConfigValidator) directoryExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (v *ConfigValidator) contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func (v *ConfigValidator) addError(field string, value interface{}, rule, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Rule:    rule,
		Message: message,
	})
}

func (v *ConfigValidator) addWarning(field string, value interface{}, message, suggestion string) {
	v.warnings = append(v.warnings, ValidationWarning{
		Field:      field,
		Value:      value,
		Message:    message,
		Suggestion: suggestion,
	})
}

func (v *ConfigValidator) generateSummary() string {
	if len(v.errors) == 0 && len(v.warnings) == 0 {
		return "Configuration validation passed successfully"
	}

	summary := ""
	if len(v.errors) > 0 {
		summary += fmt.Sprintf("%d validation error(s)", len(v.errors))
	}

	if len(v.warnings) > 0 {
		if summary != "" {
			summary += " and "
		}
		summary += fmt.Sprintf("%d warning(s)", len(v.warnings))
	}

	return summary + " found"
}
