package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"convopulse/pkg/alerting"
	"convopulse/pkg/analytics"
	"convopulse/pkg/anomaly"
	"convopulse/pkg/broadcast"
	"convopulse/pkg/errors"
	"convopulse/pkg/signals"
	"convopulse/pkg/storage"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *storage.MemoryStore
	recorder *broadcast.Recorder
	pipeline *Pipeline
	hook     *test.Hook
	logger   *logrus.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store := storage.NewMemoryStore(logger)
	recorder := broadcast.NewRecorder()
	p, err := New(Config{SweepConcurrency: 2}, Dependencies{
		Signals:     store,
		Snapshots:   store,
		Alerts:      store,
		Broadcaster: recorder,
		Logger:      logger,
	})
	require.NoError(t, err)

	return &fixture{store: store, recorder: recorder, pipeline: p, hook: hook, logger: logger}
}

// seed records an active conversation with an AI/customer exchange in the
// last few minutes using the given toxicity.
func (f *fixture) seed(t *testing.T, id string, toxicity float64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	_, err := f.store.RecordConversation(ctx, signals.Conversation{
		ID:           id,
		Status:       signals.StatusActive,
		CustomerName: "Dana",
		StartedAt:    now.Add(-10 * time.Minute),
	})
	require.NoError(t, err)

	msgs := []signals.Message{
		{ID: id + "-m1", SenderType: signals.SenderCustomer, CreatedAt: now.Add(-2 * time.Minute), Toxicity: toxicity, LatencyMs: 120},
		{ID: id + "-m2", SenderType: signals.SenderAI, CreatedAt: now.Add(-time.Minute), Toxicity: toxicity, LatencyMs: 180, ResponseTimeMs: 1500, Confidence: 0.9},
	}
	for _, m := range msgs {
		m.ConversationID = id
		require.NoError(t, f.store.RecordMessage(ctx, m))
	}
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	store := storage.NewMemoryStore(logrus.New())
	_, err = New(Config{}, Dependencies{Signals: store, Snapshots: store})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput), "alert store or materializer is required")

	_, err = New(Config{}, Dependencies{
		Signals: store, Snapshots: store, Alerts: store,
		Weights: analytics.Weights{TechnicalHealth: 1, AIQuality: 1},
	})
	assert.Error(t, err, "weights must sum to 1")

	p, err := New(Config{}, Dependencies{Signals: store, Snapshots: store, Alerts: store})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), p.Config())
}

func TestProcessConversationEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 0.9)
	ctx := context.Background()

	result, err := f.pipeline.ProcessConversation(ctx, "c1", f.pipeline.RealtimeOptions())
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.NotNil(t, result.Snapshot)
	assert.NotEmpty(t, result.RunID)

	snap := result.Snapshot
	assert.Equal(t, analytics.SnapshotRealTime, snap.SnapshotType)
	assert.Equal(t, 2, snap.Metrics.TotalMessages)
	assert.InDelta(t, 0.9, snap.Metrics.ToxicityAvg, 1e-9)
	assert.Equal(t, analytics.TrendUnknown, snap.Trends.PerformanceDirection)

	stored, err := f.store.FetchRecentSnapshots(ctx, "c1", analytics.SnapshotRealTime, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, snap.ID, stored[0].ID)

	assert.Len(t, f.recorder.Filter(broadcast.ConversationScope("c1"), broadcast.KindMetricsSnapshot), 1)
	assert.Len(t, f.recorder.Filter(broadcast.ScopeDashboard, broadcast.KindMetricsSnapshot), 1)

	require.Equal(t, 1, result.Detection.TotalAnomalies)
	assert.Equal(t, 1, result.Detection.MetricsAnomalies)
	assert.Equal(t, 0, result.Detection.ConversationAnomalies)
	assert.Equal(t, 1, result.Detection.AlertsCreated)
	assert.Equal(t, anomaly.KindHighToxicity, result.Detection.Anomalies[0].Kind)

	alerts, err := f.store.ListAlerts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alerting.LevelCritical, alerts[0].Level)
	assert.Equal(t, "Dana", alerts[0].CustomerName)

	raised := f.recorder.Filter(broadcast.ScopeSupervisors, broadcast.KindAlertRaised)
	require.Len(t, raised, 1)
	assert.Equal(t, alerts[0].ID, raised[0].Data.(alerting.Alert).ID)
	assert.Len(t, f.recorder.Filter(broadcast.ScopeDashboard, broadcast.KindAlertRaised), 1)
}

func TestProcessConversationComparesAgainstPriorSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 0)
	ctx := context.Background()

	first, err := f.pipeline.ProcessConversation(ctx, "c1", f.pipeline.RealtimeOptions())
	require.NoError(t, err)
	second, err := f.pipeline.ProcessConversation(ctx, "c1", f.pipeline.RealtimeOptions())
	require.NoError(t, err)

	require.NotNil(t, second.Snapshot.Trends.ComparedToLastPeriod)
	assert.True(t, second.Snapshot.Trends.ComparedToLastPeriod.Equal(first.Snapshot.WindowEnd))
	assert.Equal(t, analytics.TrendStable, second.Snapshot.Trends.PerformanceDirection)
	assert.Equal(t, 0, second.Detection.TotalAnomalies)

	stored, err := f.store.FetchRecentSnapshots(ctx, "c1", analytics.SnapshotRealTime, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestProcessConversationWithoutMessagesIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.RecordConversation(ctx, signals.Conversation{ID: "quiet", Status: signals.StatusActive})
	require.NoError(t, err)

	result, err := f.pipeline.ProcessConversation(ctx, "quiet", f.pipeline.RealtimeOptions())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Nil(t, result.Snapshot)
	assert.Empty(t, f.recorder.Events())

	stored, err := f.store.FetchRecentSnapshots(ctx, "quiet", analytics.SnapshotRealTime, 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestProcessConversationRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.ProcessConversation(context.Background(), "c1", RunOptions{SnapshotType: "fortnightly", Window: time.Hour})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestProcessConversationPersistFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 0.9)
	f.store.InjectFailure(storage.OpPersistSnapshot, "", fmt.Errorf("disk full"))

	_, err := f.pipeline.ProcessConversation(context.Background(), "c1", f.pipeline.RealtimeOptions())
	require.Error(t, err)
	assert.Empty(t, f.recorder.Events(), "nothing is published for an unpersisted snapshot")

	alerts, err := f.store.ListAlerts(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestProcessConversationHistoryFailureStillDetects(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 0.9)
	f.store.InjectFailure(storage.OpFetchRecentSnapshots, "", fmt.Errorf("timeout"))

	result, err := f.pipeline.ProcessConversation(context.Background(), "c1", f.pipeline.RealtimeOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Detection.AlertsCreated)

	var warned bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "Failed to load snapshot history, detecting without it" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestProcessConversationBroadcastFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 0.9)
	f.recorder.FailWith(errors.ErrBroadcastFailure)

	result, err := f.pipeline.ProcessConversation(context.Background(), "c1", f.pipeline.RealtimeOptions())
	require.NoError(t, err)
	assert.NotNil(t, result.Snapshot)
	assert.Equal(t, 1, result.Detection.AlertsCreated)

	var failures int
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Failed to broadcast event" {
			failures++
		}
	}
	assert.Equal(t, 4, failures, "two snapshot and two alert publishes")
}

func TestRunAnomalyDetectionWithoutAnomaliesCreatesNoAlerts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 0)
	now := time.Now()

	latest := analytics.MetricSnapshot{
		ID:             "s",
		SnapshotType:   analytics.SnapshotRealTime,
		ConversationID: "c1",
		WindowStart:    now.Add(-5 * time.Minute),
		WindowEnd:      now,
		Metrics:        analytics.SnapshotMetrics{CompositeScore: 0.8},
	}
	result, err := f.pipeline.RunAnomalyDetection(context.Background(), "c1", nil, latest)
	require.NoError(t, err)
	assert.Equal(t, DetectionResult{}, result)
	assert.Empty(t, f.recorder.Events())
}

func TestRunAnomalyDetectionLatencySpike(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 0)
	now := time.Now()

	var history []analytics.MetricSnapshot
	for i := 0; i < 10; i++ {
		end := now.Add(time.Duration(i-10) * time.Minute)
		history = append(history, analytics.MetricSnapshot{
			ConversationID: "c1",
			SnapshotType:   analytics.SnapshotRealTime,
			WindowStart:    end.Add(-5 * time.Minute),
			WindowEnd:      end,
			Metrics:        analytics.SnapshotMetrics{LatencyP95: 100, CompositeScore: 0.8},
		})
	}
	latest := analytics.MetricSnapshot{
		ConversationID: "c1",
		SnapshotType:   analytics.SnapshotRealTime,
		WindowStart:    now.Add(-5 * time.Minute),
		WindowEnd:      now,
		Metrics:        analytics.SnapshotMetrics{LatencyP95: 1000, CompositeScore: 0.8},
	}

	result, err := f.pipeline.RunAnomalyDetection(context.Background(), "c1", history, latest)
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalAnomalies)
	assert.Equal(t, anomaly.KindLatencySpike, result.Anomalies[0].Kind)
	assert.Equal(t, anomaly.SeverityHigh, result.Anomalies[0].Severity)
	assert.Equal(t, 1, result.AlertsCreated)
}

func TestRunAnomalyDetectionUnknownConversation(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.RunAnomalyDetection(context.Background(), "ghost", nil, analytics.MetricSnapshot{ConversationID: "ghost"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestPublishConversationUpdated(t *testing.T) {
	f := newFixture(t)
	f.pipeline.PublishConversationUpdated(context.Background(), signals.Conversation{ID: "c9", Status: signals.StatusEscalated})

	assert.Len(t, f.recorder.Filter(broadcast.ConversationScope("c9"), broadcast.KindConversationUpdated), 1)
	assert.Len(t, f.recorder.Filter(broadcast.ScopeDashboard, broadcast.KindConversationUpdated), 1)
}
