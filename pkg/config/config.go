package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"convopulse/pkg/analytics"
	"convopulse/pkg/anomaly"
	"convopulse/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"
)

// Config represents the complete application configuration
type Config struct {
	HTTP      HTTPConfig         `json:"http"`
	Pipeline  PipelineConfig     `json:"pipeline"`
	Scoring   analytics.Weights  `json:"scoring"`
	Detector  anomaly.Thresholds `json:"detector"`
	Alerting  AlertingConfig     `json:"alerting"`
	Storage   StorageConfig      `json:"storage"`
	Messaging MessagingConfig    `json:"messaging"`
	Tracing   TracingConfig      `json:"tracing"`
	Logging   LoggingConfig      `json:"logging"`
}

// HTTPConfig holds HTTP server configurations
type HTTPConfig struct {
	// HTTP port
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`

	// Whether HTTP server is enabled
	Enabled bool `json:"enabled" env:"HTTP_ENABLED" default:"true"`

	// Whether metrics endpoint is enabled
	EnableMetrics bool `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`

	// Read timeout for HTTP requests
	ReadTimeout time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`

	// Write timeout for HTTP responses
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`

	// Graceful shutdown budget
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	// Origins allowed to open websocket connections; empty allows all
	AllowedOrigins []string `json:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS"`
}

// PipelineConfig holds windows, history limits and schedules of the
// metrics pipeline
type PipelineConfig struct {
	RealtimeWindow   time.Duration `json:"realtime_window" env:"PIPELINE_REALTIME_WINDOW" default:"5m"`
	RealtimeHistory  int           `json:"realtime_history" env:"PIPELINE_REALTIME_HISTORY" default:"50"`
	PeriodicHistory  int           `json:"periodic_history" env:"PIPELINE_PERIODIC_HISTORY" default:"20"`
	RunTimeout       time.Duration `json:"run_timeout" env:"PIPELINE_RUN_TIMEOUT" default:"30s"`
	Workers          int           `json:"workers" env:"PIPELINE_WORKERS" default:"4"`
	QueueSize        int           `json:"queue_size" env:"PIPELINE_QUEUE_SIZE" default:"256"`
	SweepConcurrency int           `json:"sweep_concurrency" env:"PIPELINE_SWEEP_CONCURRENCY" default:"8"`
	SweepTimeout     time.Duration `json:"sweep_timeout" env:"PIPELINE_SWEEP_TIMEOUT" default:"1h"`

	// Seconds-enabled cron specs; empty disables the job
	HourlySchedule  string `json:"hourly_schedule" env:"PIPELINE_HOURLY_SCHEDULE" default:"0 0 * * * *"`
	DailySchedule   string `json:"daily_schedule" env:"PIPELINE_DAILY_SCHEDULE" default:"0 5 0 * * *"`
	WeeklySchedule  string `json:"weekly_schedule" env:"PIPELINE_WEEKLY_SCHEDULE"`
	MonthlySchedule string `json:"monthly_schedule" env:"PIPELINE_MONTHLY_SCHEDULE"`
	PurgeSchedule   string `json:"purge_schedule" env:"PIPELINE_PURGE_SCHEDULE" default:"0 30 * * * *"`
}

// AlertingConfig holds notification channel settings for critical alerts
type AlertingConfig struct {
	WebhookURL      string        `json:"webhook_url" env:"ALERT_WEBHOOK_URL"`
	SlackWebhookURL string        `json:"slack_webhook_url" env:"ALERT_SLACK_WEBHOOK_URL"`
	SlackChannel    string        `json:"slack_channel" env:"ALERT_SLACK_CHANNEL"`
	MinLevel        string        `json:"min_level" env:"ALERT_NOTIFY_MIN_LEVEL" default:"critical"`
	NotifyRate      float64       `json:"notify_rate" env:"ALERT_NOTIFY_RATE" default:"1"`
	NotifyBurst     int           `json:"notify_burst" env:"ALERT_NOTIFY_BURST" default:"5"`
	NotifyTimeout   time.Duration `json:"notify_timeout" env:"ALERT_NOTIFY_TIMEOUT" default:"5s"`
}

// StorageConfig selects the store backend
type StorageConfig struct {
	Backend string      `json:"backend" env:"STORAGE_BACKEND" default:"memory"`
	Redis   RedisConfig `json:"redis"`
	MySQL   MySQLConfig `json:"mysql"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address           string        `json:"address" env:"REDIS_ADDR" default:"localhost:6379"`
	Password          string        `json:"-" env:"REDIS_PASSWORD"`
	Database          int           `json:"database" env:"REDIS_DB" default:"0"`
	PoolSize          int           `json:"pool_size" env:"REDIS_POOL_SIZE" default:"10"`
	DialTimeout       time.Duration `json:"dial_timeout" env:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `json:"read_timeout" env:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"REDIS_WRITE_TIMEOUT" default:"3s"`
	SnapshotRetention time.Duration `json:"snapshot_retention" env:"REDIS_SNAPSHOT_RETENTION" default:"720h"`
	KeyPrefix         string        `json:"key_prefix" env:"REDIS_KEY_PREFIX" default:"convopulse:"`
}

// MySQLConfig holds MySQL connection settings
type MySQLConfig struct {
	DSN             string        `json:"-" env:"MYSQL_DSN"`
	MaxOpenConns    int           `json:"max_open_conns" env:"MYSQL_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"MYSQL_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"MYSQL_CONN_MAX_LIFETIME" default:"5m"`
	QueryTimeout    time.Duration `json:"query_timeout" env:"MYSQL_QUERY_TIMEOUT" default:"5s"`
	AutoMigrate     bool          `json:"auto_migrate" env:"MYSQL_AUTO_MIGRATE" default:"true"`
}

// MessagingConfig holds AMQP broadcast settings
type MessagingConfig struct {
	AMQPEnabled    bool          `json:"amqp_enabled" env:"AMQP_ENABLED" default:"false"`
	AMQPURL        string        `json:"-" env:"AMQP_URL"`
	Exchange       string        `json:"exchange" env:"AMQP_EXCHANGE" default:"convopulse.events"`
	Durable        bool          `json:"durable" env:"AMQP_DURABLE" default:"true"`
	MessageTTL     time.Duration `json:"message_ttl" env:"AMQP_MESSAGE_TTL" default:"0"`
	PublishTimeout time.Duration `json:"publish_timeout" env:"AMQP_PUBLISH_TIMEOUT" default:"2s"`
}

// LoggingConfig holds logging-related configurations
type LoggingConfig struct {
	// Log level
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json or text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty = stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" env:"OTEL_TRACING_ENABLED" default:"false"`
	Endpoint    string  `json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `json:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`
	ServiceName string  `json:"service_name" env:"OTEL_SERVICE_NAME" default:"convopulse"`
	SampleRatio float64 `json:"sample_ratio" env:"OTEL_TRACES_SAMPLER_RATIO" default:"1.0"`
}

// Load reads .env (if present) and the environment into a validated Config
func Load(logger *logrus.Logger) (*Config, error) {
	loadDotEnv(logger)

	config := &Config{}

	if err := loadHTTPConfig(logger, &config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}

	if err := loadPipelineConfig(logger, &config.Pipeline); err != nil {
		return nil, errors.Wrap(err, "failed to load pipeline configuration")
	}

	if err := loadScoringConfig(logger, &config.Scoring); err != nil {
		return nil, errors.Wrap(err, "failed to load scoring configuration")
	}

	if err := loadDetectorConfig(logger, &config.Detector); err != nil {
		return nil, errors.Wrap(err, "failed to load detector configuration")
	}

	if err := loadAlertingConfig(logger, &config.Alerting); err != nil {
		return nil, errors.Wrap(err, "failed to load alerting configuration")
	}

	if err := loadStorageConfig(logger, &config.Storage); err != nil {
		return nil, errors.Wrap(err, "failed to load storage configuration")
	}

	if err := loadMessagingConfig(logger, &config.Messaging); err != nil {
		return nil, errors.Wrap(err, "failed to load messaging configuration")
	}

	if err := loadTracingConfig(logger, &config.Tracing); err != nil {
		return nil, errors.Wrap(err, "failed to load tracing configuration")
	}

	if err := loadLoggingConfig(logger, &config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}

	result := NewConfigValidator(logger).ValidateConfig(config)
	if !result.Valid {
		return nil, errors.NewInvalidInput("configuration validation failed", map[string]interface{}{
			"summary": result.Summary,
			"errors":  result.Errors,
		})
	}

	return config, nil
}

// loadDotEnv tries a few candidate .env locations; a missing file is fine
func loadDotEnv(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		logger.WithField("path", absPath).Debug("Attempting to load .env file")
		if loadErr := godotenv.Load(envFile); loadErr == nil {
			loadedFrom = absPath
			break
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}
}

// loadHTTPConfig loads the HTTP configuration section
func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) error {
	httpPortStr := getEnv("HTTP_PORT", "8080")
	httpPort, err := strconv.Atoi(httpPortStr)
	if err != nil || httpPort < 1 || httpPort > 65535 {
		logger.Warn("Invalid HTTP_PORT value, using default: 8080")
		config.Port = 8080
	} else {
		config.Port = httpPort
	}

	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)

	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
	config.ShutdownTimeout = getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second)
	config.AllowedOrigins = getEnvList("HTTP_ALLOWED_ORIGINS")

	return nil
}

// loadPipelineConfig loads windows, limits and schedules
func loadPipelineConfig(logger *logrus.Logger, config *PipelineConfig) error {
	config.RealtimeWindow = getEnvDuration("PIPELINE_REALTIME_WINDOW", 5*time.Minute)
	config.RealtimeHistory = getEnvInt("PIPELINE_REALTIME_HISTORY", 50)
	config.PeriodicHistory = getEnvInt("PIPELINE_PERIODIC_HISTORY", 20)
	config.RunTimeout = getEnvDuration("PIPELINE_RUN_TIMEOUT", 30*time.Second)
	config.Workers = getEnvInt("PIPELINE_WORKERS", 4)
	config.QueueSize = getEnvInt("PIPELINE_QUEUE_SIZE", 256)
	config.SweepConcurrency = getEnvInt("PIPELINE_SWEEP_CONCURRENCY", 8)
	config.SweepTimeout = getEnvDuration("PIPELINE_SWEEP_TIMEOUT", time.Hour)

	config.HourlySchedule = strings.TrimSpace(getEnvAllowEmpty("PIPELINE_HOURLY_SCHEDULE", "0 0 * * * *"))
	config.DailySchedule = strings.TrimSpace(getEnvAllowEmpty("PIPELINE_DAILY_SCHEDULE", "0 5 0 * * *"))
	config.WeeklySchedule = strings.TrimSpace(getEnv("PIPELINE_WEEKLY_SCHEDULE", ""))
	config.MonthlySchedule = strings.TrimSpace(getEnv("PIPELINE_MONTHLY_SCHEDULE", ""))
	config.PurgeSchedule = strings.TrimSpace(getEnvAllowEmpty("PIPELINE_PURGE_SCHEDULE", "0 30 * * * *"))

	if config.RealtimeHistory > 50 {
		logger.WithField("history", config.RealtimeHistory).Warn("Large PIPELINE_REALTIME_HISTORY makes every real-time run read more snapshots")
	}

	return nil
}

// loadScoringConfig loads the composite score weights
func loadScoringConfig(logger *logrus.Logger, config *analytics.Weights) error {
	defaults := analytics.DefaultWeights()
	config.TechnicalHealth = getEnvFloat("SCORING_WEIGHT_TECHNICAL", defaults.TechnicalHealth)
	config.AIQuality = getEnvFloat("SCORING_WEIGHT_AI", defaults.AIQuality)
	config.CustomerExperience = getEnvFloat("SCORING_WEIGHT_CX", defaults.CustomerExperience)

	if *config != defaults {
		logger.WithFields(logrus.Fields{
			"technical_health":    config.TechnicalHealth,
			"ai_quality":          config.AIQuality,
			"customer_experience": config.CustomerExperience,
		}).Info("Using custom composite score weights")
	}
	return nil
}

// loadDetectorConfig applies DETECTOR_* overrides to the default thresholds
func loadDetectorConfig(logger *logrus.Logger, config *anomaly.Thresholds) error {
	d := anomaly.DefaultThresholds()

	config.HistoryLimit = getEnvInt("DETECTOR_HISTORY_LIMIT", d.HistoryLimit)
	config.LatencyMinSamples = getEnvInt("DETECTOR_LATENCY_MIN_SAMPLES", d.LatencyMinSamples)
	config.LatencyZScore = getEnvFloat("DETECTOR_LATENCY_Z", d.LatencyZScore)
	config.LatencyZScoreHigh = getEnvFloat("DETECTOR_LATENCY_Z_HIGH", d.LatencyZScoreHigh)
	config.ZeroVarianceStdDev = getEnvFloat("DETECTOR_ZERO_VARIANCE_STDDEV", d.ZeroVarianceStdDev)
	config.ZeroVarianceFraction = getEnvFloat("DETECTOR_ZERO_VARIANCE_FRACTION", d.ZeroVarianceFraction)

	config.QualityAlpha = getEnvFloat("DETECTOR_QUALITY_ALPHA", d.QualityAlpha)
	config.QualityDrop = getEnvFloat("DETECTOR_QUALITY_DROP", d.QualityDrop)
	config.QualityDropHigh = getEnvFloat("DETECTOR_QUALITY_DROP_HIGH", d.QualityDropHigh)

	config.Toxicity = getEnvFloat("DETECTOR_TOXICITY", d.Toxicity)
	config.ToxicityHigh = getEnvFloat("DETECTOR_TOXICITY_HIGH", d.ToxicityHigh)

	config.Sentiment = getEnvFloat("DETECTOR_SENTIMENT", d.Sentiment)
	config.SentimentHigh = getEnvFloat("DETECTOR_SENTIMENT_HIGH", d.SentimentHigh)

	config.ResponseHistoryLimit = getEnvInt("DETECTOR_RESPONSE_HISTORY_LIMIT", d.ResponseHistoryLimit)
	config.ResponseMinSamples = getEnvInt("DETECTOR_RESPONSE_MIN_SAMPLES", d.ResponseMinSamples)
	config.ResponseRecentSamples = getEnvInt("DETECTOR_RESPONSE_RECENT_SAMPLES", d.ResponseRecentSamples)
	config.ResponseDegradeFactor = getEnvFloat("DETECTOR_RESPONSE_FACTOR", d.ResponseDegradeFactor)
	config.ResponseAbsoluteLimitMs = getEnvFloat("DETECTOR_RESPONSE_LIMIT_MS", d.ResponseAbsoluteLimitMs)

	config.PatternMessageLimit = getEnvInt("DETECTOR_PATTERN_MESSAGE_LIMIT", d.PatternMessageLimit)
	config.ExcessiveMessages = getEnvInt("DETECTOR_EXCESSIVE_MESSAGES", d.ExcessiveMessages)
	config.ExcessiveMessagesHigh = getEnvInt("DETECTOR_EXCESSIVE_MESSAGES_HIGH", d.ExcessiveMessagesHigh)
	config.FrustrationBurst = getEnvInt("DETECTOR_FRUSTRATION_BURST", d.FrustrationBurst)
	config.FrustrationGapMs = getEnvFloat("DETECTOR_FRUSTRATION_GAP_MS", d.FrustrationGapMs)
	config.ConfidenceSamples = getEnvInt("DETECTOR_CONFIDENCE_SAMPLES", d.ConfidenceSamples)
	config.LowConfidence = getEnvFloat("DETECTOR_LOW_CONFIDENCE", d.LowConfidence)
	config.LowConfidenceHigh = getEnvFloat("DETECTOR_LOW_CONFIDENCE_HIGH", d.LowConfidenceHigh)
	config.DelayedResponseMs = getEnvFloat("DETECTOR_DELAYED_RESPONSE_MS", d.DelayedResponseMs)
	config.DelayedResponseHighMs = getEnvFloat("DETECTOR_DELAYED_RESPONSE_HIGH_MS", d.DelayedResponseHighMs)

	if *config != d {
		logger.Info("Using custom anomaly detector thresholds")
	}
	return nil
}

// loadAlertingConfig loads notification channel settings
func loadAlertingConfig(logger *logrus.Logger, config *AlertingConfig) error {
	config.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	config.SlackWebhookURL = getEnv("ALERT_SLACK_WEBHOOK_URL", "")
	config.SlackChannel = getEnv("ALERT_SLACK_CHANNEL", "")
	config.MinLevel = strings.ToLower(getEnv("ALERT_NOTIFY_MIN_LEVEL", "critical"))
	config.NotifyRate = getEnvFloat("ALERT_NOTIFY_RATE", 1)
	config.NotifyBurst = getEnvInt("ALERT_NOTIFY_BURST", 5)
	config.NotifyTimeout = getEnvDuration("ALERT_NOTIFY_TIMEOUT", 5*time.Second)

	if config.WebhookURL == "" && config.SlackWebhookURL == "" {
		logger.Debug("No alert notification channels configured")
	}
	return nil
}

// loadStorageConfig loads the backend selection and its connection settings
func loadStorageConfig(logger *logrus.Logger, config *StorageConfig) error {
	config.Backend = strings.ToLower(getEnv("STORAGE_BACKEND", BackendMemory))

	config.Redis.Address = getEnv("REDIS_ADDR", "localhost:6379")
	config.Redis.Password = getEnv("REDIS_PASSWORD", "")
	config.Redis.Database = getEnvInt("REDIS_DB", 0)
	config.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", 10)
	config.Redis.DialTimeout = getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second)
	config.Redis.ReadTimeout = getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second)
	config.Redis.WriteTimeout = getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second)
	config.Redis.SnapshotRetention = getEnvDuration("REDIS_SNAPSHOT_RETENTION", 30*24*time.Hour)
	config.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", "convopulse:")

	config.MySQL.DSN = getEnv("MYSQL_DSN", "")
	config.MySQL.MaxOpenConns = getEnvInt("MYSQL_MAX_OPEN_CONNS", 25)
	config.MySQL.MaxIdleConns = getEnvInt("MYSQL_MAX_IDLE_CONNS", 5)
	config.MySQL.ConnMaxLifetime = getEnvDuration("MYSQL_CONN_MAX_LIFETIME", 5*time.Minute)
	config.MySQL.QueryTimeout = getEnvDuration("MYSQL_QUERY_TIMEOUT", 5*time.Second)
	config.MySQL.AutoMigrate = getEnvBool("MYSQL_AUTO_MIGRATE", true)

	if config.Backend == BackendMemory {
		logger.Warn("Using in-memory storage; snapshots and alerts are lost on restart")
	}
	return nil
}

// loadMessagingConfig loads the AMQP broadcast section
func loadMessagingConfig(logger *logrus.Logger, config *MessagingConfig) error {
	config.AMQPURL = getEnv("AMQP_URL", "")
	config.AMQPEnabled = getEnvBool("AMQP_ENABLED", config.AMQPURL != "")
	config.Exchange = getEnv("AMQP_EXCHANGE", "convopulse.events")
	config.Durable = getEnvBool("AMQP_DURABLE", true)
	config.MessageTTL = getEnvDuration("AMQP_MESSAGE_TTL", 0)
	config.PublishTimeout = getEnvDuration("AMQP_PUBLISH_TIMEOUT", 2*time.Second)

	if config.AMQPEnabled {
		logger.WithField("exchange", config.Exchange).Debug("AMQP event broadcasting enabled")
	}
	return nil
}

// loadTracingConfig loads the OpenTelemetry section
func loadTracingConfig(logger *logrus.Logger, config *TracingConfig) error {
	config.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	config.Enabled = getEnvBool("OTEL_TRACING_ENABLED", false)
	config.Insecure = getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	config.ServiceName = getEnv("OTEL_SERVICE_NAME", "convopulse")
	config.SampleRatio = getEnvFloat("OTEL_TRACES_SAMPLER_RATIO", 1.0)

	if config.Enabled && config.Endpoint == "" {
		logger.Warn("OTEL_TRACING_ENABLED is set without OTEL_EXPORTER_OTLP_ENDPOINT; spans stay local")
	}
	return nil
}

// loadLoggingConfig loads the logging configuration section
func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")

	_, err := logrus.ParseLevel(config.Level)
	if err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")

	return nil
}

// ApplyLogging applies the logging section to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAllowEmpty distinguishes an unset variable from one explicitly set
// to the empty string, so schedules can be switched off
func getEnvAllowEmpty(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

// getEnvList splits a comma-separated variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}
