package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convopulse/pkg/errors"
	"convopulse/pkg/signals"
)

type fakeReader struct {
	conversations map[string]signals.Conversation
	messages      map[string][]signals.Message
	fetchErr      error
}

func (f *fakeReader) FetchConversation(_ context.Context, id string) (*signals.Conversation, error) {
	conv, ok := f.conversations[id]
	if !ok {
		return nil, errors.NewConversationNotFound(id)
	}
	return &conv, nil
}

func (f *fakeReader) FetchMessagesInWindow(_ context.Context, id string, start, end time.Time) ([]signals.Message, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []signals.Message
	for _, m := range f.messages[id] {
		if !m.CreatedAt.Before(start) && !m.CreatedAt.After(end) {
			out = append(out, m)
		}
	}
	return out, nil
}

var calcNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCalculator(reader SignalReader) *Calculator {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	ids := 0
	return NewCalculator(reader, DefaultWeights(), logger,
		WithClock(func() time.Time { return calcNow }),
		WithIDGenerator(func() string { ids++; return "snap-" + string(rune('a'+ids)) }),
	)
}

func sampleReader() *fakeReader {
	at := func(offset time.Duration) time.Time { return calcNow.Add(-offset) }
	return &fakeReader{
		conversations: map[string]signals.Conversation{
			"c1":    {ID: "c1", Status: signals.StatusActive, AgentID: "agent-7"},
			"quiet": {ID: "quiet", Status: signals.StatusWaiting},
		},
		messages: map[string][]signals.Message{
			"c1": {
				{ID: "m1", SenderType: signals.SenderCustomer, CreatedAt: at(4 * time.Minute), Polarity: -0.2},
				{ID: "m2", SenderType: signals.SenderAI, CreatedAt: at(3 * time.Minute), LatencyMs: 100, ResponseTimeMs: 1000, Confidence: 0.9, Toxicity: 0.1},
				{ID: "m3", SenderType: signals.SenderSupervisor, CreatedAt: at(2 * time.Minute), Marker: signals.MarkerTakeover},
				{ID: "m4", SenderType: signals.SenderSupervisor, CreatedAt: at(1 * time.Minute), Marker: signals.MarkerReturn},
				{ID: "m5", SenderType: signals.SenderAI, CreatedAt: at(30 * time.Second), LatencyMs: 300, ResponseTimeMs: 3000, Confidence: 0.7, Polarity: 0.6},
			},
			"quiet": {
				{ID: "old", SenderType: signals.SenderCustomer, CreatedAt: at(2 * time.Hour)},
			},
		},
	}
}

func TestComputeWindowMetrics(t *testing.T) {
	calc := newTestCalculator(sampleReader())

	snap, err := calc.ComputeWindowMetrics(context.Background(), "c1", 5*time.Minute, SnapshotRealTime)
	require.NoError(t, err)
	require.NotNil(t, snap)

	m := snap.Metrics
	assert.Equal(t, "c1", snap.ConversationID)
	assert.Equal(t, "agent-7", snap.AgentID)
	assert.Equal(t, SnapshotRealTime, snap.SnapshotType)
	assert.Equal(t, calcNow.Add(-5*time.Minute), snap.WindowStart)
	assert.Equal(t, calcNow, snap.WindowEnd)
	assert.Equal(t, 5, snap.SampleSize)
	assert.Equal(t, DataQualityHigh, snap.DataQuality)
	assert.Equal(t, TrendUnknown, snap.Trends.PerformanceDirection)

	assert.Equal(t, 100.0, m.LatencyP95)
	assert.Equal(t, 2000.0, m.AverageResponseTime)
	assert.Equal(t, 2000.0, m.MedianResponseTime)
	assert.Equal(t, 3000.0, m.MaxResponseTime)
	assert.Equal(t, 1000.0, m.MinResponseTime)
	assert.InDelta(t, 0.02, m.ToxicityAvg, 1e-9)
	assert.InDelta(t, 0.08, m.SentimentAvg, 1e-9)
	assert.InDelta(t, 0.8, m.AIConfidenceAvg, 1e-9)

	assert.Equal(t, 5, m.TotalMessages)
	assert.Equal(t, 2, m.AIMessages)
	assert.Equal(t, 1, m.CustomerMessages)
	assert.Equal(t, 2, m.SupervisorMessages)
	assert.Equal(t, 1, m.TakeoverCount)
	assert.Equal(t, 1, m.ReturnCount)
	assert.InDelta(t, 0.2, m.TakeoverRate, 1e-9)
	assert.Equal(t, 60000.0, m.AverageHandoffTime)
	assert.Equal(t, 60000.0, m.SupervisorActiveTime)
	assert.Equal(t, 1, m.ActiveConversations)

	assert.Equal(t, 1.0, m.TechnicalHealth)
	assert.InDelta(t, 0.7*0.98+0.3*0.8, m.AIQuality, 1e-9)
	expectedCX := 0.6*((0.08+1)/2) + 0.4*(1-2000.0/ResponseTimeSLA)
	assert.InDelta(t, expectedCX, m.CustomerExperience, 1e-9)
	assert.InDelta(t, CompositeScore(m.TechnicalHealth, m.AIQuality, m.CustomerExperience, DefaultWeights()), m.CompositeScore, 1e-12)
	require.NoError(t, snap.Validate())
}

func TestComputeWindowMetricsNoData(t *testing.T) {
	calc := newTestCalculator(sampleReader())

	snap, err := calc.ComputeWindowMetrics(context.Background(), "quiet", 5*time.Minute, SnapshotRealTime)
	assert.NoError(t, err)
	assert.Nil(t, snap)
}

func TestComputeWindowMetricsDeterministic(t *testing.T) {
	calc := newTestCalculator(sampleReader())

	first, err := calc.ComputeWindowMetrics(context.Background(), "c1", 5*time.Minute, SnapshotRealTime)
	require.NoError(t, err)
	second, err := calc.ComputeWindowMetrics(context.Background(), "c1", 5*time.Minute, SnapshotRealTime)
	require.NoError(t, err)

	assert.Equal(t, first.Metrics, second.Metrics)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestComputeWindowMetricsErrors(t *testing.T) {
	t.Run("unknown conversation", func(t *testing.T) {
		calc := newTestCalculator(sampleReader())
		_, err := calc.ComputeWindowMetrics(context.Background(), "missing", time.Minute, SnapshotRealTime)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})

	t.Run("message fetch failure", func(t *testing.T) {
		reader := sampleReader()
		reader.fetchErr = errors.New("connection reset")
		calc := newTestCalculator(reader)
		_, err := calc.ComputeWindowMetrics(context.Background(), "c1", time.Minute, SnapshotRealTime)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("non positive window", func(t *testing.T) {
		calc := newTestCalculator(sampleReader())
		_, err := calc.ComputeWindowMetrics(context.Background(), "c1", 0, SnapshotRealTime)
		assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	})
}

func TestBreakdownCountsOnlySupervisors(t *testing.T) {
	w := &Window{Messages: []signals.Message{
		{SenderType: signals.SenderSupervisor},
		{SenderType: signals.SenderAgent},
		{SenderType: signals.SenderAgent},
		{SenderType: signals.SenderCustomer},
		{SenderType: signals.SenderAI},
	}}
	var m SnapshotMetrics
	aggregateBreakdown(w, &m)

	assert.Equal(t, 5, m.TotalMessages)
	assert.Equal(t, 1, m.SupervisorMessages)
	assert.Equal(t, 1, m.CustomerMessages)
	assert.Equal(t, 1, m.AIMessages)
}

func TestHandoffSkipsUnmatchedTakeover(t *testing.T) {
	calc := newTestCalculator(&fakeReader{})
	base := calcNow.Add(-10 * time.Minute)
	w := Window{
		Conversation: signals.Conversation{ID: "c2", Status: signals.StatusResolved},
		Start:        calcNow.Add(-time.Hour),
		End:          calcNow,
		Messages: []signals.Message{
			{SenderType: signals.SenderSupervisor, CreatedAt: base, Marker: signals.MarkerTakeover},
			{SenderType: signals.SenderSupervisor, CreatedAt: base.Add(30 * time.Second), Marker: signals.MarkerReturn},
			{SenderType: signals.SenderSupervisor, CreatedAt: base.Add(2 * time.Minute), Marker: signals.MarkerTakeover},
		},
	}

	snap := calc.Build(w, SnapshotHourly)
	assert.Equal(t, 2, snap.Metrics.TakeoverCount)
	assert.Equal(t, 30000.0, snap.Metrics.AverageHandoffTime)
	assert.Equal(t, 120000.0, snap.Metrics.SupervisorActiveTime)
	assert.Equal(t, DataQualityHigh, snap.DataQuality)
	assert.Equal(t, 1.0, snap.Metrics.ResolutionRate)
	assert.Zero(t, snap.Metrics.FirstCallResolutionRate)
	assert.Equal(t, DefaultAIConfidence, snap.Metrics.AIConfidenceAvg)
}

func TestSnapshotValidate(t *testing.T) {
	valid := MetricSnapshot{
		ConversationID: "c1",
		SnapshotType:   SnapshotHourly,
		WindowStart:    calcNow.Add(-time.Hour),
		WindowEnd:      calcNow,
		Metrics:        SnapshotMetrics{CompositeScore: 0.5, TotalMessages: 2},
		SampleSize:     2,
	}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.WindowStart = bad.WindowEnd
	assert.True(t, errors.Is(bad.Validate(), errors.ErrInvalidSnapshot))

	bad = valid
	bad.Metrics.CompositeScore = 1.2
	assert.Error(t, bad.Validate())

	bad = valid
	bad.SampleSize = 3
	assert.Error(t, bad.Validate())

	bad = valid
	bad.SnapshotType = "yearly"
	assert.Error(t, bad.Validate())
}

func TestCompareTrend(t *testing.T) {
	snap := &MetricSnapshot{ID: "new", Metrics: SnapshotMetrics{CompositeScore: 0.6}}

	CompareTrend(snap, nil)
	assert.Equal(t, TrendUnknown, snap.Trends.PerformanceDirection)

	history := []MetricSnapshot{
		{ID: "a", Metrics: SnapshotMetrics{CompositeScore: 0.9}, WindowEnd: calcNow.Add(-2 * time.Hour)},
		{ID: "b", Metrics: SnapshotMetrics{CompositeScore: 0.5}, WindowEnd: calcNow.Add(-time.Hour)},
	}
	CompareTrend(snap, history)
	assert.Equal(t, TrendImproving, snap.Trends.PerformanceDirection)
	assert.InDelta(t, 20.0, snap.Trends.ChangePercentage, 1e-9)
	require.NotNil(t, snap.Trends.ComparedToLastPeriod)
	assert.Equal(t, calcNow.Add(-time.Hour), *snap.Trends.ComparedToLastPeriod)

	snap.Metrics.CompositeScore = 0.51
	CompareTrend(snap, history)
	assert.Equal(t, TrendStable, snap.Trends.PerformanceDirection)

	snap.Metrics.CompositeScore = 0.3
	CompareTrend(snap, history)
	assert.Equal(t, TrendDeclining, snap.Trends.PerformanceDirection)
}

func TestParseSnapshotType(t *testing.T) {
	st, err := ParseSnapshotType("daily")
	require.NoError(t, err)
	assert.Equal(t, SnapshotDaily, st)
	assert.Equal(t, 24*time.Hour, st.PeriodicWindow())
	assert.Equal(t, time.Hour, SnapshotHourly.PeriodicWindow())

	_, err = ParseSnapshotType("hourlyish")
	assert.Error(t, err)
}
