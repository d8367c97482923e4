package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"convopulse/pkg/analytics"
	"convopulse/pkg/errors"
	"convopulse/pkg/signals"
	"convopulse/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPeriodicSnapshotsIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "c1", 0)
	f.seed(t, "c2", 0)
	f.seed(t, "c3", 0.9)
	_, err := f.store.RecordConversation(ctx, signals.Conversation{ID: "idle", Status: signals.StatusWaiting})
	require.NoError(t, err)
	_, err = f.store.RecordConversation(ctx, signals.Conversation{ID: "done", Status: signals.StatusResolved})
	require.NoError(t, err)

	f.store.InjectFailure(storage.OpFetchConversation, "c2", fmt.Errorf("connection reset"))

	report, err := f.pipeline.RunPeriodicSnapshots(ctx, analytics.SnapshotHourly)
	require.NoError(t, err)

	assert.Equal(t, analytics.SnapshotHourly, report.SnapshotType)
	assert.Equal(t, 4, report.Processed, "resolved conversations are not swept")
	assert.Equal(t, 3, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.AnomaliesDetected)
	assert.False(t, report.CompletedAt.Before(report.StartedAt))

	for id, want := range map[string]int{"c1": 1, "c2": 0, "c3": 1, "idle": 0} {
		stored, err := f.store.FetchRecentSnapshots(ctx, id, analytics.SnapshotHourly, 10)
		require.NoError(t, err)
		assert.Len(t, stored, want, id)
	}

	realtime, err := f.store.FetchRecentSnapshots(ctx, "c1", analytics.SnapshotRealTime, 10)
	require.NoError(t, err)
	assert.Empty(t, realtime)
}

func TestRunPeriodicSnapshotsWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "c1", 0)

	_, err := f.pipeline.RunPeriodicSnapshots(ctx, analytics.SnapshotDaily)
	require.NoError(t, err)

	stored, err := f.store.FetchRecentSnapshots(ctx, "c1", analytics.SnapshotDaily, 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 24*time.Hour, stored[0].WindowEnd.Sub(stored[0].WindowStart))

	opts := f.pipeline.PeriodicOptions(analytics.SnapshotHourly)
	assert.Equal(t, time.Hour, opts.Window)
	assert.Equal(t, 20, opts.HistoryLimit)
	assert.Equal(t, 7*24*time.Hour, f.pipeline.PeriodicOptions(analytics.SnapshotWeekly).Window)
}

func TestRunPeriodicSnapshotsRejectsRealtime(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.RunPeriodicSnapshots(context.Background(), analytics.SnapshotRealTime)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = f.pipeline.RunPeriodicSnapshots(context.Background(), "yearly")
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestRunPeriodicSnapshotsListFailure(t *testing.T) {
	f := newFixture(t)
	f.store.InjectFailure(storage.OpListActive, "", fmt.Errorf("unreachable"))

	report, err := f.pipeline.RunPeriodicSnapshots(context.Background(), analytics.SnapshotHourly)
	require.Error(t, err)
	assert.Zero(t, report.Processed)
}

func TestRunPeriodicSnapshotsEmpty(t *testing.T) {
	f := newFixture(t)
	report, err := f.pipeline.RunPeriodicSnapshots(context.Background(), analytics.SnapshotMonthly)
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Empty(t, f.recorder.Events())
}
