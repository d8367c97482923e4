package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// MetricsPath is where RegisterHandler mounts the exposition endpoint
const MetricsPath = "/metrics"

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// Snapshot metrics
	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopulse_snapshots_total",
			Help: "Metric snapshots persisted",
		},
		[]string{"snapshot_type", "data_quality"},
	)
	SnapshotsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopulse_snapshots_skipped_total",
			Help: "Snapshot computations that produced no snapshot",
		},
		[]string{"snapshot_type", "reason"},
	)
	CompositeScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convopulse_composite_score",
			Help:    "Distribution of composite health scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"snapshot_type"},
	)

	// Detection metrics
	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopulse_anomalies_total",
			Help: "Anomalies detected by type and severity",
		},
		[]string{"type", "severity"},
	)
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopulse_alerts_total",
			Help: "Alert materialization attempts by level and result",
		},
		[]string{"level", "result"},
	)
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopulse_alert_notifications_total",
			Help: "Alert notifications sent to external channels",
		},
		[]string{"channel", "result"},
	)

	// Pipeline metrics
	PipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopulse_pipeline_runs_total",
			Help: "Pipeline runs by trigger mode and result",
		},
		[]string{"mode", "result"},
	)
	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convopulse_pipeline_duration_seconds",
			Help:    "Duration of a single conversation pipeline run",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"mode"},
	)
	SweepConversations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopulse_sweep_conversations_total",
			Help: "Conversations processed by periodic sweeps",
		},
		[]string{"snapshot_type", "result"},
	)
	WorkerQueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convopulse_worker_queue_dropped_total",
			Help: "Pipeline tasks dropped because the worker queue was full",
		},
	)
	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convopulse_worker_queue_depth",
			Help: "Pipeline tasks waiting in the worker queue",
		},
	)

	// Broadcast metrics
	BroadcastEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopulse_broadcast_events_total",
			Help: "Realtime events published by kind and result",
		},
		[]string{"kind", "result"},
	)
	WebsocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convopulse_websocket_clients",
			Help: "Connected websocket subscribers",
		},
	)
	AMQPConnectionStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convopulse_amqp_connection_status",
			Help: "AMQP connection status (1 connected, 0 disconnected)",
		},
	)

	// Store metrics
	StoreOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopulse_store_operations_total",
			Help: "Store adapter operations by backend, operation and result",
		},
		[]string{"backend", "operation", "result"},
	)
	StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convopulse_store_latency_seconds",
			Help:    "Store adapter operation latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"backend", "operation"},
	)
)

// Init registers all collectors with the service registry
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

			SnapshotsTotal,
			SnapshotsSkipped,
			CompositeScore,

			AnomaliesTotal,
			AlertsTotal,
			NotificationsTotal,

			PipelineRuns,
			PipelineDuration,
			SweepConversations,
			WorkerQueueDropped,
			WorkerQueueDepth,

			BroadcastEvents,
			WebsocketClients,
			AMQPConnectionStatus,

			StoreOperations,
			StoreLatency,
		)
		if logger != nil {
			logger.Info("Prometheus metrics initialized")
		}
	})
}

// GetRegistry returns the prometheus registry, nil before Init
func GetRegistry() *prometheus.Registry {
	return registry
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// RegisterHandler mounts the metrics endpoint on mux
func RegisterHandler(mux *http.ServeMux) {
	if !metricsEnabled || registry == nil {
		return
	}
	mux.Handle(MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          registry,
	}))
}

// RecordSnapshot counts a persisted snapshot
func RecordSnapshot(snapshotType, dataQuality string, compositeScore float64) {
	if metricsEnabled {
		SnapshotsTotal.WithLabelValues(snapshotType, dataQuality).Inc()
		CompositeScore.WithLabelValues(snapshotType).Observe(compositeScore)
	}
}

// RecordSnapshotSkipped counts a computation that produced no snapshot
func RecordSnapshotSkipped(snapshotType, reason string) {
	if metricsEnabled {
		SnapshotsSkipped.WithLabelValues(snapshotType, reason).Inc()
	}
}

// RecordAnomaly counts a detected anomaly
func RecordAnomaly(anomalyType, severity string) {
	if metricsEnabled {
		AnomaliesTotal.WithLabelValues(anomalyType, severity).Inc()
	}
}

// RecordAlert counts an alert write attempt
func RecordAlert(level, result string) {
	if metricsEnabled {
		AlertsTotal.WithLabelValues(level, result).Inc()
	}
}

// RecordNotification counts an alert notification attempt
func RecordNotification(channel, result string) {
	if metricsEnabled {
		NotificationsTotal.WithLabelValues(channel, result).Inc()
	}
}

// RecordPipelineRun counts a pipeline run and observes its duration
func RecordPipelineRun(mode, result string, duration time.Duration) {
	if metricsEnabled {
		PipelineRuns.WithLabelValues(mode, result).Inc()
		PipelineDuration.WithLabelValues(mode).Observe(duration.Seconds())
	}
}

// RecordSweepConversation counts one conversation of a periodic sweep
func RecordSweepConversation(snapshotType, result string) {
	if metricsEnabled {
		SweepConversations.WithLabelValues(snapshotType, result).Inc()
	}
}

// RecordWorkerQueueDropped counts a task rejected by a full worker queue
func RecordWorkerQueueDropped() {
	if metricsEnabled {
		WorkerQueueDropped.Inc()
	}
}

// SetWorkerQueueDepth reports the number of queued pipeline tasks
func SetWorkerQueueDepth(depth int) {
	if metricsEnabled {
		WorkerQueueDepth.Set(float64(depth))
	}
}

// RecordBroadcast counts a published realtime event
func RecordBroadcast(kind, result string) {
	if metricsEnabled {
		BroadcastEvents.WithLabelValues(kind, result).Inc()
	}
}

// SetWebsocketClients reports connected websocket subscribers
func SetWebsocketClients(count int) {
	if metricsEnabled {
		WebsocketClients.Set(float64(count))
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if !metricsEnabled {
		return
	}
	if connected {
		AMQPConnectionStatus.Set(1)
	} else {
		AMQPConnectionStatus.Set(0)
	}
}

// ObserveStoreOperation returns a function that records the outcome and
// latency of a store call when invoked with its error.
func ObserveStoreOperation(backend, operation string) func(err error) {
	start := time.Now()
	return func(err error) {
		if !metricsEnabled {
			return
		}
		result := "success"
		if err != nil {
			result = "error"
		}
		StoreOperations.WithLabelValues(backend, operation, result).Inc()
		StoreLatency.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	}
}
