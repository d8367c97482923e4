package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convopulse/pkg/alerting"
	"convopulse/pkg/analytics"
	"convopulse/pkg/broadcast"
	"convopulse/pkg/config"
	"convopulse/pkg/errors"
	httpserver "convopulse/pkg/http"
	"convopulse/pkg/messaging"
	"convopulse/pkg/metrics"
	"convopulse/pkg/pipeline"
	"convopulse/pkg/storage"
	"convopulse/pkg/telemetry/tracing"
	"convopulse/pkg/version"

	"github.com/sirupsen/logrus"
)

var (
	logger = logrus.New()

	appConfig       *config.Config
	store           storage.Store
	amqpClient      *messaging.AMQPClient
	hub             *httpserver.Hub
	notifier        *alerting.ChannelNotifier
	workerPool      *pipeline.WorkerPool
	scheduler       *pipeline.Scheduler
	httpServer      *httpserver.Server
	tracingShutdown = func(ctx context.Context) error { return nil }
)

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := initialize(rootCtx); err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	if err := scheduler.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start snapshot scheduler")
	}
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	} else {
		logger.Info("HTTP server is disabled by configuration")
	}

	logger.WithFields(logrus.Fields{
		"version":   version.Version,
		"backend":   appConfig.Storage.Backend,
		"amqp":      appConfig.Messaging.AMQPEnabled,
		"next_runs": scheduler.NextRuns(),
	}).Info("convopulse started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up")

	rootCancel()
	shutdown()
	logger.Info("Application shut down gracefully")
}

// initialize loads configuration and wires every component
func initialize(ctx context.Context) error {
	var err error

	appConfig, err = config.Load(logger)
	if err != nil {
		return err
	}
	if err := appConfig.ApplyLogging(logger); err != nil {
		return err
	}

	metrics.EnableMetrics(appConfig.HTTP.EnableMetrics)
	metrics.Init(logger)

	shutdownTracing, err := tracing.Init(ctx, appConfig.Tracing, logger)
	if err != nil {
		logger.WithError(err).Warn("Tracing disabled")
	} else {
		tracingShutdown = shutdownTracing
	}

	store, err = openStore(ctx, appConfig.Storage)
	if err != nil {
		return err
	}

	httpConfig := httpserver.ConfigFromApp(appConfig.HTTP, version.Version)
	hub = httpserver.NewHub(logger, httpConfig.AllowedOrigins, httpConfig.PingInterval)
	broadcasters := broadcast.Fanout{hub}
	if appConfig.Messaging.AMQPEnabled {
		amqpClient = messaging.NewAMQPClient(logger, messaging.AMQPConfig{
			URL:        appConfig.Messaging.AMQPURL,
			Exchange:   appConfig.Messaging.Exchange,
			Durable:    appConfig.Messaging.Durable,
			MessageTTL: appConfig.Messaging.MessageTTL,
		})
		if err := amqpClient.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP broker unreachable, events will be dropped until it returns")
		}
		broadcasters = append(broadcasters, broadcast.NewAMQPBroadcaster(amqpClient, appConfig.Messaging.PublishTimeout, logger))
	}

	var materializerOpts []alerting.MaterializerOption
	if notifier = newNotifier(appConfig.Alerting); notifier != nil {
		materializerOpts = append(materializerOpts, alerting.WithNotifier(notifier))
	}

	pc := appConfig.Pipeline
	p, err := pipeline.New(pipeline.Config{
		RealtimeWindow:   pc.RealtimeWindow,
		RealtimeHistory:  pc.RealtimeHistory,
		PeriodicHistory:  pc.PeriodicHistory,
		RunTimeout:       pc.RunTimeout,
		SweepConcurrency: pc.SweepConcurrency,
	}, pipeline.Dependencies{
		Signals:      store,
		Snapshots:    store,
		Materializer: alerting.NewMaterializer(store, logger, materializerOpts...),
		Broadcaster:  broadcasters,
		Calculator:   analytics.NewCalculator(store, appConfig.Scoring, logger),
		Thresholds:   appConfig.Detector,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	workerPool = pipeline.NewWorkerPool(pc.Workers, pc.QueueSize, logger)
	workerPool.Start()
	trigger := pipeline.NewTrigger(p, workerPool, logger)

	scheduler = pipeline.NewScheduler(pipeline.Schedule{
		Hourly:  pc.HourlySchedule,
		Daily:   pc.DailySchedule,
		Weekly:  pc.WeeklySchedule,
		Monthly: pc.MonthlySchedule,
		Purge:   pc.PurgeSchedule,
	}, p, store, pc.SweepTimeout, logger)

	if !appConfig.HTTP.Enabled {
		return nil
	}
	httpServer = httpserver.NewServer(logger, httpConfig)
	httpServer.AddHealthCheck("store", true, store.Health)
	httpServer.AddHealthCheck("websocket", false, hub.Health)
	if amqpClient != nil {
		httpServer.AddHealthCheck("amqp", false, func(context.Context) error {
			if !amqpClient.IsConnected() {
				return errors.NewUnavailable("AMQP not connected")
			}
			return nil
		})
	}
	hub.RegisterHandlers(httpServer)
	httpserver.NewIngestHandler(trigger, store, logger).RegisterHandlers(httpServer)
	httpserver.NewSnapshotHandler(p, pc.SweepTimeout, logger).RegisterHandlers(httpServer)

	return nil
}

// openStore connects the configured storage backend
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		// Redis keeps snapshots and alerts; conversation signals stay in memory
		// unless they are pushed through the ingest endpoint
		redisStore, err := storage.NewRedisStore(storage.RedisConfig{
			Address:           cfg.Redis.Address,
			Password:          cfg.Redis.Password,
			Database:          cfg.Redis.Database,
			PoolSize:          cfg.Redis.PoolSize,
			DialTimeout:       cfg.Redis.DialTimeout,
			ReadTimeout:       cfg.Redis.ReadTimeout,
			WriteTimeout:      cfg.Redis.WriteTimeout,
			SnapshotRetention: cfg.Redis.SnapshotRetention,
			KeyPrefix:         cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		return storage.NewComposite(storage.NewMemoryStore(logger), redisStore, redisStore), nil

	case config.BackendMySQL:
		mysqlStore, err := storage.NewMySQLStore(storage.MySQLConfig{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			QueryTimeout:    cfg.MySQL.QueryTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		if cfg.MySQL.AutoMigrate {
			if err := mysqlStore.Migrate(ctx); err != nil {
				mysqlStore.Close()
				return nil, err
			}
		}
		return mysqlStore, nil

	default:
		logger.Warn("Using the in-memory store; data is lost on restart")
		return storage.NewMemoryStore(logger), nil
	}
}

// newNotifier builds the notification fan-out, nil when no channel is set
func newNotifier(cfg config.AlertingConfig) *alerting.ChannelNotifier {
	var channels []alerting.ChannelConfig
	if cfg.WebhookURL != "" {
		channels = append(channels, alerting.ChannelConfig{
			Name:     "webhook",
			Type:     "webhook",
			Enabled:  true,
			Settings: map[string]interface{}{"url": cfg.WebhookURL},
		})
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alerting.ChannelConfig{
			Name:    "slack",
			Type:    "slack",
			Enabled: true,
			Settings: map[string]interface{}{
				"webhook_url": cfg.SlackWebhookURL,
				"channel":     cfg.SlackChannel,
			},
		})
	}
	if len(channels) == 0 {
		return nil
	}

	return alerting.NewChannelNotifier(alerting.NotifierConfig{
		MinLevel:  alerting.Level(cfg.MinLevel),
		RateLimit: cfg.NotifyRate,
		Burst:     cfg.NotifyBurst,
		Timeout:   cfg.NotifyTimeout,
		Channels:  channels,
	}, logger)
}

// shutdown stops intake first, then drains work, then releases backends
func shutdown() {
	timeout := 15 * time.Second
	if appConfig != nil && appConfig.HTTP.ShutdownTimeout > 0 {
		timeout = appConfig.HTTP.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Error shutting down HTTP server")
		}
	}
	if scheduler != nil {
		scheduler.Stop(ctx)
	}
	if workerPool != nil {
		if err := workerPool.Stop(ctx); err != nil {
			logger.WithError(err).Warn("Worker pool did not drain")
		}
	}
	if hub != nil {
		hub.Close()
	}
	if notifier != nil {
		notifier.Wait()
	}
	if amqpClient != nil {
		amqpClient.Disconnect()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Error closing store")
		}
	}

	traceCtx, traceCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer traceCancel()
	if err := tracingShutdown(traceCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush tracing spans during shutdown")
	}
}
