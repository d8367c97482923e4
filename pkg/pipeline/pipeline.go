// Package pipeline wires the window calculator, anomaly detector, alert
// materializer and broadcaster into per-message and periodic runs.
package pipeline

import (
	"context"
	"time"

	"convopulse/pkg/alerting"
	"convopulse/pkg/analytics"
	"convopulse/pkg/anomaly"
	"convopulse/pkg/broadcast"
	"convopulse/pkg/correlation"
	"convopulse/pkg/errors"
	"convopulse/pkg/metrics"
	"convopulse/pkg/signals"
	"convopulse/pkg/telemetry/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Run modes used in logs, spans and metrics
const (
	ModeRealtime = "realtime"
	ModePeriodic = "periodic"
	ModeManual   = "manual"
)

// SignalSource reads conversations and their messages
type SignalSource interface {
	analytics.SignalReader
	ListActiveConversationIDs(ctx context.Context) ([]string, error)
}

// SnapshotStore persists snapshots and serves detector history
type SnapshotStore interface {
	PersistSnapshot(ctx context.Context, snapshot analytics.MetricSnapshot) error
	FetchRecentSnapshots(ctx context.Context, conversationID string, snapshotType analytics.SnapshotType, limit int) ([]analytics.MetricSnapshot, error)
}

// Config holds the tunable windows and limits
type Config struct {
	RealtimeWindow   time.Duration
	RealtimeHistory  int
	PeriodicHistory  int
	RunTimeout       time.Duration
	SweepConcurrency int
}

// DefaultConfig returns the stock windows and limits
func DefaultConfig() Config {
	return Config{
		RealtimeWindow:   5 * time.Minute,
		RealtimeHistory:  50,
		PeriodicHistory:  20,
		RunTimeout:       30 * time.Second,
		SweepConcurrency: 8,
	}
}

// Dependencies are the collaborators a Pipeline needs. Calculator, Detector
// and Materializer are built from the stores when nil.
type Dependencies struct {
	Signals      SignalSource
	Snapshots    SnapshotStore
	Alerts       alerting.Store
	Broadcaster  broadcast.Broadcaster
	Calculator   *analytics.Calculator
	Detector     *anomaly.Detector
	Materializer *alerting.Materializer
	Weights      analytics.Weights
	Thresholds   anomaly.Thresholds
	Logger       *logrus.Logger
}

// RunOptions selects the window and history for one run
type RunOptions struct {
	SnapshotType analytics.SnapshotType
	Window       time.Duration
	HistoryLimit int
	Mode         string
}

// DetectionResult summarizes one detection pass
type DetectionResult struct {
	MetricsAnomalies      int               `json:"metricsAnomalies"`
	ConversationAnomalies int               `json:"conversationAnomalies"`
	TotalAnomalies        int               `json:"totalAnomalies"`
	AlertsCreated         int               `json:"alertsCreated"`
	Anomalies             []anomaly.Anomaly `json:"anomalies,omitempty"`
	Alerts                []alerting.Alert  `json:"alerts,omitempty"`
}

// RunResult is the outcome of ProcessConversation
type RunResult struct {
	RunID     string                    `json:"runId"`
	Snapshot  *analytics.MetricSnapshot `json:"snapshot,omitempty"`
	Skipped   bool                      `json:"skipped"`
	Detection DetectionResult           `json:"detection"`
}

// Pipeline runs the metrics and anomaly pipeline for a conversation
type Pipeline struct {
	config       Config
	signals      SignalSource
	snapshots    SnapshotStore
	calculator   *analytics.Calculator
	detector     *anomaly.Detector
	materializer *alerting.Materializer
	broadcaster  broadcast.Broadcaster
	logger       *logrus.Logger
}

// New builds a pipeline
func New(config Config, deps Dependencies) (*Pipeline, error) {
	if deps.Signals == nil || deps.Snapshots == nil {
		return nil, errors.NewInvalidInput("pipeline requires signal and snapshot stores")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	defaults := DefaultConfig()
	if config.RealtimeWindow <= 0 {
		config.RealtimeWindow = defaults.RealtimeWindow
	}
	if config.RealtimeHistory <= 0 {
		config.RealtimeHistory = defaults.RealtimeHistory
	}
	if config.PeriodicHistory <= 0 {
		config.PeriodicHistory = defaults.PeriodicHistory
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = defaults.RunTimeout
	}
	if config.SweepConcurrency <= 0 {
		config.SweepConcurrency = defaults.SweepConcurrency
	}

	if deps.Calculator == nil {
		weights := deps.Weights
		if weights == (analytics.Weights{}) {
			weights = analytics.DefaultWeights()
		}
		if err := weights.Validate(); err != nil {
			return nil, err
		}
		deps.Calculator = analytics.NewCalculator(deps.Signals, weights, deps.Logger)
	}
	if deps.Detector == nil {
		thresholds := deps.Thresholds
		if thresholds == (anomaly.Thresholds{}) {
			thresholds = anomaly.DefaultThresholds()
		}
		deps.Detector = anomaly.NewDetector(thresholds, deps.Logger)
	}
	if deps.Materializer == nil {
		if deps.Alerts == nil {
			return nil, errors.NewInvalidInput("pipeline requires an alert store or materializer")
		}
		deps.Materializer = alerting.NewMaterializer(deps.Alerts, deps.Logger)
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = broadcast.Nop{}
	}

	return &Pipeline{
		config:       config,
		signals:      deps.Signals,
		snapshots:    deps.Snapshots,
		calculator:   deps.Calculator,
		detector:     deps.Detector,
		materializer: deps.Materializer,
		broadcaster:  deps.Broadcaster,
		logger:       deps.Logger,
	}, nil
}

// Config returns the effective configuration
func (p *Pipeline) Config() Config {
	return p.config
}

// RealtimeOptions are the options used for per-message runs
func (p *Pipeline) RealtimeOptions() RunOptions {
	return RunOptions{
		SnapshotType: analytics.SnapshotRealTime,
		Window:       p.config.RealtimeWindow,
		HistoryLimit: p.config.RealtimeHistory,
		Mode:         ModeRealtime,
	}
}

// PeriodicOptions are the options used for sweeps of the given cadence
func (p *Pipeline) PeriodicOptions(snapshotType analytics.SnapshotType) RunOptions {
	return RunOptions{
		SnapshotType: snapshotType,
		Window:       snapshotType.PeriodicWindow(),
		HistoryLimit: p.config.PeriodicHistory,
		Mode:         ModePeriodic,
	}
}

// ProcessConversation computes a snapshot for the window, persists it,
// publishes it, then runs anomaly detection against the prior history.
// A window without messages yields a skipped result and no error.
func (p *Pipeline) ProcessConversation(ctx context.Context, conversationID string, opts RunOptions) (result RunResult, err error) {
	if opts.Mode == "" {
		opts.Mode = ModeManual
	}
	if !opts.SnapshotType.Valid() {
		return result, errors.NewInvalidInput("unknown snapshot type", map[string]interface{}{
			"snapshot_type": string(opts.SnapshotType),
		})
	}

	ctx = correlation.WithRun(ctx, correlation.Run{
		Trigger:        opts.Mode,
		ConversationID: conversationID,
		SnapshotType:   string(opts.SnapshotType),
	})
	result.RunID = correlation.FromContext(ctx).String()

	scope := tracing.StartRunScope(ctx, result.RunID, conversationID, opts.Mode)
	scope.Metadata().SetSnapshotType(string(opts.SnapshotType))
	start := time.Now()
	defer func() {
		scope.End(err)
		outcome := "success"
		switch {
		case err != nil:
			outcome = "failed"
		case result.Skipped:
			outcome = "skipped"
		}
		metrics.RecordPipelineRun(opts.Mode, outcome, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(scope.Context(), p.config.RunTimeout)
	defer cancel()

	log := correlation.LoggerFromContext(ctx, p.logger)

	snapshot, err := p.calculator.ComputeWindowMetrics(ctx, conversationID, opts.Window, opts.SnapshotType)
	if err != nil {
		log.WithError(err).Warn("Failed to compute window metrics")
		return result, err
	}
	if snapshot == nil {
		metrics.RecordSnapshotSkipped(string(opts.SnapshotType), "no_data")
		result.Skipped = true
		return result, nil
	}

	// history must be read before the new snapshot is persisted so it never
	// contains the snapshot under test
	history, herr := p.snapshots.FetchRecentSnapshots(ctx, conversationID, opts.SnapshotType, opts.HistoryLimit)
	if herr != nil {
		log.WithError(herr).Warn("Failed to load snapshot history, detecting without it")
		history = nil
	}
	analytics.CompareTrend(snapshot, history)

	if err = p.snapshots.PersistSnapshot(ctx, *snapshot); err != nil {
		log.WithError(err).Error("Failed to persist snapshot")
		return result, err
	}
	metrics.RecordSnapshot(string(opts.SnapshotType), string(snapshot.DataQuality), snapshot.Metrics.CompositeScore)
	result.Snapshot = snapshot

	p.publish(ctx, broadcast.ConversationScope(conversationID), broadcast.KindMetricsSnapshot, snapshot)
	p.publish(ctx, broadcast.ScopeDashboard, broadcast.KindMetricsSnapshot, snapshot)

	detection, err := p.RunAnomalyDetection(ctx, conversationID, history, *snapshot)
	if err != nil {
		log.WithError(err).Warn("Anomaly detection failed")
		return result, err
	}
	result.Detection = detection
	scope.Metadata().AddAnomalies(detection.TotalAnomalies)

	log.WithFields(logrus.Fields{
		"composite_score": snapshot.Metrics.CompositeScore,
		"data_quality":    snapshot.DataQuality,
		"anomalies":       detection.TotalAnomalies,
		"alerts":          detection.AlertsCreated,
	}).Debug("Pipeline run completed")
	return result, nil
}

// RunAnomalyDetection runs every check for a conversation against history
// (oldest first, excluding latest) and materializes one alert per anomaly.
func (p *Pipeline) RunAnomalyDetection(ctx context.Context, conversationID string, history []analytics.MetricSnapshot, latest analytics.MetricSnapshot) (DetectionResult, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.detect")
	defer span.End()

	var result DetectionResult
	log := correlation.LoggerFromContext(ctx, p.logger).WithField("conversation_id", conversationID)

	conv, err := p.signals.FetchConversation(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		return result, errors.Wrap(err, "fetch conversation for detection").WithField("conversation_id", conversationID)
	}

	metricAnomalies := p.detector.DetectFromSnapshots(history, latest)

	var patternAnomalies []anomaly.Anomaly
	from := conv.StartedAt
	if from.IsZero() || from.After(latest.WindowStart) {
		from = latest.WindowStart
	}
	messages, err := p.signals.FetchMessagesInWindow(ctx, conversationID, from, latest.WindowEnd)
	if err != nil {
		log.WithError(err).Warn("Failed to load messages, skipping conversation pattern checks")
	} else {
		patternAnomalies = p.detector.DetectFromConversation(*conv, messages)
	}

	all := make([]anomaly.Anomaly, 0, len(metricAnomalies)+len(patternAnomalies))
	all = append(all, metricAnomalies...)
	all = append(all, patternAnomalies...)
	for _, a := range all {
		metrics.RecordAnomaly(string(a.Kind), string(a.Severity))
	}

	result.MetricsAnomalies = len(metricAnomalies)
	result.ConversationAnomalies = len(patternAnomalies)
	result.TotalAnomalies = len(all)
	result.Anomalies = all
	span.SetAttributes(attribute.Int("anomalies.total", len(all)))

	if len(all) == 0 {
		return result, nil
	}

	materialized := p.materializer.Materialize(ctx, conv, all)
	result.AlertsCreated = materialized.Count()
	result.Alerts = materialized.Created

	for i := range materialized.Created {
		alert := materialized.Created[i]
		p.publish(ctx, broadcast.ScopeSupervisors, broadcast.KindAlertRaised, alert)
		p.publish(ctx, broadcast.ScopeDashboard, broadcast.KindAlertRaised, alert)
	}

	log.WithFields(logrus.Fields{
		"metrics_anomalies":      result.MetricsAnomalies,
		"conversation_anomalies": result.ConversationAnomalies,
		"alerts_created":         result.AlertsCreated,
		"alerts_failed":          materialized.Failed,
	}).Info("Anomalies detected")
	return result, nil
}

// PublishConversationUpdated announces a status change to the conversation
// room and the dashboard
func (p *Pipeline) PublishConversationUpdated(ctx context.Context, conv signals.Conversation) {
	p.publish(ctx, broadcast.ConversationScope(conv.ID), broadcast.KindConversationUpdated, conv)
	p.publish(ctx, broadcast.ScopeDashboard, broadcast.KindConversationUpdated, conv)
}

// publish delivers an event; failures are logged and counted, never returned
func (p *Pipeline) publish(ctx context.Context, scope broadcast.Scope, kind broadcast.EventKind, payload interface{}) {
	if err := p.broadcaster.Publish(ctx, scope, kind, payload); err != nil {
		metrics.RecordBroadcast(string(kind), "failed")
		correlation.LoggerFromContext(ctx, p.logger).WithError(err).WithFields(logrus.Fields{
			"scope": string(scope),
			"kind":  string(kind),
		}).Warn("Failed to broadcast event")
		return
	}
	metrics.RecordBroadcast(string(kind), "success")
}
