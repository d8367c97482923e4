package pipeline

import (
	"context"
	"testing"
	"time"

	"convopulse/pkg/alerting"
	"convopulse/pkg/analytics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRegistersConfiguredJobs(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(Schedule{Hourly: "0 0 * * * *", Monthly: "0 0 1 1 * *", Purge: "0 30 * * * *"}, f.pipeline, f.store, 0, f.logger)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "start is idempotent")
	assert.True(t, s.IsRunning())

	next := s.NextRuns()
	assert.Len(t, next, 3)
	assert.Contains(t, next, string(analytics.SnapshotHourly))
	assert.Contains(t, next, string(analytics.SnapshotMonthly))
	assert.Contains(t, next, "purge")
	assert.NotContains(t, next, string(analytics.SnapshotDaily))

	s.Stop(context.Background())
	assert.False(t, s.IsRunning())
}

func TestSchedulerRejectsInvalidSpec(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(Schedule{Hourly: "every hour"}, f.pipeline, nil, 0, f.logger)
	assert.Error(t, s.Start())
	assert.False(t, s.IsRunning())
}

func TestSchedulerSkipsPurgeWithoutPurger(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(DefaultSchedule(), f.pipeline, nil, 0, f.logger)
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	assert.NotContains(t, s.NextRuns(), "purge")
	s.RunPurge()
}

func TestSchedulerRunSweep(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 0)
	s := NewScheduler(DefaultSchedule(), f.pipeline, f.store, time.Minute, f.logger)

	s.RunSweep(analytics.SnapshotHourly)

	stored, err := f.store.FetchRecentSnapshots(context.Background(), "c1", analytics.SnapshotHourly, 5)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	s.RunSweep(analytics.SnapshotRealTime)
	var logged bool
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Scheduled snapshot sweep failed" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestSchedulerRunPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	require.NoError(t, f.store.PersistAlert(ctx, alerting.Alert{ID: "old", ConversationID: "c1", Timestamp: past.Add(-time.Hour), ExpiresAt: &past}))
	require.NoError(t, f.store.PersistAlert(ctx, alerting.Alert{ID: "live", ConversationID: "c1", Timestamp: past, ExpiresAt: &future}))

	s := NewScheduler(DefaultSchedule(), f.pipeline, f.store, 0, f.logger)
	s.RunPurge()

	alerts, err := f.store.ListAlerts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "live", alerts[0].ID)

	last := f.hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "Purged expired alerts", last.Message)
	assert.Equal(t, 1, last.Data["removed"])
}
